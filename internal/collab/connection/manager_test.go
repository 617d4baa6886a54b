package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/lk2023060901/flowsync-go/internal/collab/health"
	"github.com/lk2023060901/flowsync-go/internal/collab/session"
	"github.com/lk2023060901/flowsync-go/internal/collab/transport"
	"github.com/lk2023060901/flowsync-go/internal/collab/wire"
	"github.com/lk2023060901/flowsync-go/internal/json"
	"github.com/lk2023060901/flowsync-go/pkg/util/merr"
)

type readResult struct {
	data []byte
	err  error
}

// fakeConn 为测试用内存连接。
type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte

	recv      chan readResult
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{recv: make(chan readResult, 16)}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	r, ok := <-c.recv
	if !ok {
		return nil, &transport.CloseError{Code: 1006, Reason: "abnormal closure"}
	}
	return r.data, r.err
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.recv) })
	return nil
}

func (c *fakeConn) push(data []byte) {
	c.recv <- readResult{data: data}
}

func (c *fakeConn) pushClose(code int, reason string) {
	c.recv <- readResult{err: &transport.CloseError{Code: code, Reason: reason}}
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeConn) lastWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil
	}
	return c.writes[len(c.writes)-1]
}

// fakeDialer 为测试用拨号器，可配置前若干次拨号失败。
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failures int
	dials    int
}

var _ transport.Dialer = (*fakeDialer)(nil)

func (d *fakeDialer) Dial(ctx context.Context, urlStr string, header http.Header) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, assert.AnError
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type ManagerSuite struct {
	suite.Suite

	dialer *fakeDialer
	store  *session.MemoryStore
	mgr    *Manager
}

func (s *ManagerSuite) SetupTest() {
	s.dialer = &fakeDialer{}
	s.store = session.NewMemoryStore()

	mgr, err := NewManager(Config{
		URL:                  "ws://collab.test/ws",
		MaxReconnectAttempts: 3,
		BaseReconnectDelay:   time.Millisecond,
		MaxReconnectDelay:    4 * time.Millisecond,
		ReconnectJitter:      time.Millisecond,
	}, WithDialer(s.dialer), WithSessionStore(s.store))
	s.Require().NoError(err)
	s.mgr = mgr
}

func (s *ManagerSuite) TearDownTest() {
	s.mgr.Disconnect(true)
}

func (s *ManagerSuite) TestConnectIdempotent() {
	s.Require().NoError(s.mgr.Connect(context.Background()))
	s.Equal(StateConnected, s.mgr.State())

	// 已连接状态下再次 Connect 不应重新拨号。
	s.Require().NoError(s.mgr.Connect(context.Background()))
	s.Equal(1, s.dialer.dialCount())
}

func (s *ManagerSuite) TestSessionPersistsAcrossReconnects() {
	s.Require().NoError(s.mgr.Connect(context.Background()))
	first := s.mgr.SessionID()
	s.Require().NotEmpty(first)

	s.dialer.conn(0).pushClose(1006, "server restart")
	s.Require().Eventually(func() bool {
		return s.mgr.IsConnected() && s.dialer.dialCount() == 2
	}, time.Second, time.Millisecond)

	s.Equal(first, s.mgr.SessionID())
}

func (s *ManagerSuite) TestReconnectFailedEmittedOnce() {
	var failed atomic.Int32
	s.mgr.On(EventReconnectFailed, func(data any) {
		failed.Inc()
		info := data.(*ReconnectFailedInfo)
		s.Equal(3, info.Attempts)
	})

	s.dialer.mu.Lock()
	s.dialer.failures = 100
	s.dialer.mu.Unlock()

	s.Error(s.mgr.Connect(context.Background()))

	s.Require().Eventually(func() bool {
		return s.mgr.State() == StateDisconnected && failed.Load() > 0
	}, time.Second, time.Millisecond)

	// 初次拨号 + 三次重连，之后不再尝试。
	s.Equal(4, s.dialer.dialCount())
	time.Sleep(20 * time.Millisecond)
	s.Equal(4, s.dialer.dialCount())
	s.Equal(int32(1), failed.Load())
}

func (s *ManagerSuite) TestAuthCloseStopsReconnect() {
	var authErrs atomic.Int32
	s.mgr.On(EventAuthError, func(data any) {
		authErrs.Inc()
		info := data.(*AuthErrorInfo)
		s.Equal(transport.CloseCodeAuthFailed, info.Code)
	})

	s.Require().NoError(s.mgr.Connect(context.Background()))
	s.dialer.conn(0).pushClose(transport.CloseCodeAuthFailed, "token expired")

	s.Require().Eventually(func() bool {
		return s.mgr.State() == StateDisconnected && authErrs.Load() == 1
	}, time.Second, time.Millisecond)

	// 鉴权失败后不得再自动重连。
	time.Sleep(20 * time.Millisecond)
	s.Equal(1, s.dialer.dialCount())
}

func (s *ManagerSuite) TestManualDisconnectStopsReconnect() {
	s.Require().NoError(s.mgr.Connect(context.Background()))
	s.mgr.Disconnect(false)
	s.Equal(StateDisconnected, s.mgr.State())

	// 非彻底下线时会话标识保留。
	_, ok := s.store.Load()
	s.True(ok)

	time.Sleep(20 * time.Millisecond)
	s.Equal(1, s.dialer.dialCount())
}

func (s *ManagerSuite) TestTeardownClearsSession() {
	s.Require().NoError(s.mgr.Connect(context.Background()))
	s.mgr.Disconnect(true)

	_, ok := s.store.Load()
	s.False(ok)
}

func (s *ManagerSuite) TestSendRequiresReadyConnection() {
	s.False(s.mgr.Send(wire.TypeUserHeartbeat, &wire.UserHeartbeatRequest{}))

	s.Require().NoError(s.mgr.Connect(context.Background()))
	s.True(s.mgr.Send(wire.TypeCursorMoved, &wire.CursorMovedRequest{
		ChatflowID: "flow-1",
		X:          10,
		Y:          20,
	}))

	// 出站消息为平铺结构：type 与业务字段同级。
	var out map[string]any
	s.Require().NoError(json.Unmarshal(s.dialer.conn(0).lastWrite(), &out))
	s.Equal(wire.TypeCursorMoved, out["type"])
	s.Equal("flow-1", out["chatflowId"])
}

func (s *ManagerSuite) TestInboundDispatch() {
	var gotTyped, gotGeneric atomic.Int32
	s.mgr.On(wire.TypeOnCursorMoved, func(data any) {
		gotTyped.Inc()
		in := data.(*wire.Inbound)
		s.Equal(wire.TypeOnCursorMoved, in.Type)
	})
	s.mgr.On(EventMessage, func(data any) { gotGeneric.Inc() })

	s.Require().NoError(s.mgr.Connect(context.Background()))
	conn := s.dialer.conn(0)

	// 解析失败的消息应被丢弃且不影响连接。
	conn.push([]byte(`{broken`))
	conn.push([]byte(`{"payload":{}}`))
	conn.push([]byte(`{"type":"ON_CURSOR_MOVED","payload":{"sessionId":"s1","x":1,"y":2}}`))

	s.Require().Eventually(func() bool {
		return gotTyped.Load() == 1 && gotGeneric.Load() == 1
	}, time.Second, time.Millisecond)
	s.True(s.mgr.IsConnected())
}

func (s *ManagerSuite) TestRateLimitShortCircuit() {
	var limited atomic.Int32
	var forwarded atomic.Int32
	s.mgr.On(EventRateLimited, func(data any) {
		limited.Inc()
		info := data.(*RateLimitInfo)
		// 服务器给出的等待时间被钳制在上限内。
		s.Equal(maxServerRetryAfter, info.RetryAfter)
		s.Equal("slow down", info.Message)
	})
	s.mgr.On(EventMessage, func(data any) { forwarded.Inc() })

	s.Require().NoError(s.mgr.Connect(context.Background()))
	s.dialer.conn(0).push([]byte(`{"type":"rate-limit-exceeded","retryAfter":999999999,"message":"slow down"}`))

	s.Require().Eventually(func() bool {
		return limited.Load() == 1
	}, time.Second, time.Millisecond)
	s.Equal(int32(0), forwarded.Load())
}

func (s *ManagerSuite) TestNetworkOfflineOnline() {
	var offline, online atomic.Int32
	s.mgr.On(EventNetworkOffline, func(any) { offline.Inc() })
	s.mgr.On(EventNetworkOnline, func(any) { online.Inc() })

	s.Require().NoError(s.mgr.Connect(context.Background()))

	s.mgr.HandleNetworkOffline()
	s.Equal(StateDisconnected, s.mgr.State())
	s.Equal(int32(1), offline.Load())

	// 离线期间不应有任何重连尝试。
	time.Sleep(20 * time.Millisecond)
	s.Equal(1, s.dialer.dialCount())

	s.mgr.HandleNetworkOnline(context.Background())
	s.Equal(int32(1), online.Load())
	s.Require().Eventually(func() bool {
		return s.mgr.IsConnected()
	}, time.Second, time.Millisecond)
	s.Equal(2, s.dialer.dialCount())
}

func (s *ManagerSuite) TestSpuriousOnlineSignalKeepsBackoffSequence() {
	var online atomic.Int32
	s.mgr.On(EventNetworkOnline, func(any) { online.Inc() })

	s.mgr.mu.Lock()
	s.mgr.attempts = 5
	s.mgr.mu.Unlock()

	// 未经历离线的在线信号不清零重连计数，也不触发建连。
	s.mgr.HandleNetworkOnline(context.Background())
	s.Equal(5, s.mgr.ConnectionSnapshot().ReconnectAttempts)
	s.Equal(0, s.dialer.dialCount())
	s.Equal(int32(0), online.Load())
}

func (s *ManagerSuite) TestForceReconnect() {
	s.Require().NoError(s.mgr.Connect(context.Background()))
	s.Require().NoError(s.mgr.ForceReconnect(context.Background()))

	s.Equal(StateConnected, s.mgr.State())
	s.Equal(2, s.dialer.dialCount())
	s.Equal(0, s.mgr.ConnectionSnapshot().ReconnectAttempts)
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func TestReconnectDelayBounds(t *testing.T) {
	mgr, err := NewManager(Config{
		URL: "ws://collab.test/ws",
	}, WithDialer(&fakeDialer{}), WithSessionStore(session.NewMemoryStore()))
	require.NoError(t, err)

	base := time.Second
	max := 30 * time.Second
	jitter := time.Second

	for attempt := 1; attempt <= 12; attempt++ {
		expected := base << (attempt - 1)
		if expected > max || expected <= 0 {
			expected = max
		}
		for i := 0; i < 32; i++ {
			d := mgr.reconnectDelayFor(attempt)
			assert.GreaterOrEqual(t, d, expected, "attempt %d", attempt)
			assert.Less(t, d, expected+jitter, "attempt %d", attempt)
		}
	}
}

func TestWarningHealthRaisesBackoffBase(t *testing.T) {
	mgr, err := NewManager(Config{
		URL:                   "ws://collab.test/ws",
		WarningReconnectDelay: 10 * time.Second,
	}, WithDialer(&fakeDialer{}), WithSessionStore(session.NewMemoryStore()))
	require.NoError(t, err)

	mgr.applyHealthTier(&health.Status{Status: health.StateWarning})
	assert.Equal(t, 10*time.Second, mgr.baseDelay.Load())

	// 恢复健康后退避基准回落。
	mgr.applyHealthTier(&health.Status{Status: health.StateHealthy})
	assert.Equal(t, time.Second, mgr.baseDelay.Load())
}

func TestCriticalHealthBlocksConnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"critical","utilization":0.99,"activeConnections":999,"maxConnections":1000}`))
	}))
	t.Cleanup(srv.Close)

	dialer := &fakeDialer{}
	mgr, err := NewManager(Config{
		URL:               "ws://collab.test/ws",
		HealthEndpoint:    srv.URL,
		BlockedRetryDelay: time.Minute,
	}, WithDialer(dialer), WithSessionStore(session.NewMemoryStore()))
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Disconnect(true) })

	var blocked atomic.Int32
	mgr.On(EventConnectionBlocked, func(data any) {
		blocked.Inc()
		info := data.(*BlockedInfo)
		assert.Equal(t, "Server at capacity", info.Reason)
		assert.Equal(t, time.Minute, info.RetryAfter)
		assert.Equal(t, health.StateCritical, info.Status.Status)
	})

	err = mgr.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, merr.Code(merr.ErrConnectionBlocked), merr.Code(err))
	assert.Equal(t, int32(1), blocked.Load())

	// 过载阻断时完全不拨号。
	assert.Equal(t, 0, dialer.dialCount())
	assert.Equal(t, StateDisconnected, mgr.State())
}

func TestVersionMismatchIsNonFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy","serverVersion":"9.0.0"}`))
	}))
	t.Cleanup(srv.Close)

	dialer := &fakeDialer{}
	mgr, err := NewManager(Config{
		URL:                  "ws://collab.test/ws",
		HealthEndpoint:       srv.URL,
		SupportedServerRange: ">=2.0.0 <3.0.0",
	}, WithDialer(dialer), WithSessionStore(session.NewMemoryStore()))
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Disconnect(true) })

	var mismatches atomic.Int32
	mgr.On(EventVersionMismatch, func(data any) {
		mismatches.Inc()
		info := data.(*VersionMismatchInfo)
		assert.Equal(t, "9.0.0", info.ServerVersion)
	})

	// 版本不兼容只通知，不阻断建连。
	require.NoError(t, mgr.Connect(context.Background()))
	assert.True(t, mgr.IsConnected())
	assert.Equal(t, int32(1), mismatches.Load())
}

func TestClampRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), clampRetryAfter(-time.Second))
	assert.Equal(t, 3*time.Second, clampRetryAfter(3*time.Second))
	assert.Equal(t, maxServerRetryAfter, clampRetryAfter(time.Hour))
}
