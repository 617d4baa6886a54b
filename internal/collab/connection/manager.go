package connection

import (
	"context"
	"math/rand"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/flowsync-go/internal/collab/event"
	"github.com/lk2023060901/flowsync-go/internal/collab/health"
	"github.com/lk2023060901/flowsync-go/internal/collab/session"
	"github.com/lk2023060901/flowsync-go/internal/collab/transport"
	"github.com/lk2023060901/flowsync-go/internal/collab/wire"
	"github.com/lk2023060901/flowsync-go/pkg/log"
	"github.com/lk2023060901/flowsync-go/pkg/metrics"
	"github.com/lk2023060901/flowsync-go/pkg/util/conc"
	"github.com/lk2023060901/flowsync-go/pkg/util/merr"
)

// Config 描述连接管理器的行为参数。
type Config struct {
	// URL 为 WebSocket 服务地址（ws:// 或 wss://）。
	URL string `mapstructure:"url"`

	// HealthEndpoint 为连接前探测的健康检查地址，留空表示不做健康门禁。
	HealthEndpoint string `mapstructure:"healthEndpoint"`

	// SupportedServerRange 为兼容的服务器版本范围表达式。
	SupportedServerRange string `mapstructure:"supportedServerRange"`

	// MaxReconnectAttempts 为自动重连的最大次数，超过后停止并通知上层。
	MaxReconnectAttempts int `mapstructure:"maxReconnectAttempts"`

	// BaseReconnectDelay 为健康状态下指数退避的基准间隔。
	BaseReconnectDelay time.Duration `mapstructure:"baseReconnectDelay"`

	// WarningReconnectDelay 为服务器高负载时的退避基准间隔。
	WarningReconnectDelay time.Duration `mapstructure:"warningReconnectDelay"`

	// MaxReconnectDelay 为单次退避的上限（不含抖动）。
	MaxReconnectDelay time.Duration `mapstructure:"maxReconnectDelay"`

	// ReconnectJitter 为退避抖动的上限，实际抖动在 [0, ReconnectJitter) 内均匀取值。
	ReconnectJitter time.Duration `mapstructure:"reconnectJitter"`

	// BlockedRetryDelay 为服务器过载被阻断后再次尝试前的等待时间。
	BlockedRetryDelay time.Duration `mapstructure:"blockedRetryDelay"`

	// HealthPollInterval 为连接存续期间的健康轮询间隔。
	HealthPollInterval time.Duration `mapstructure:"healthPollInterval"`

	// HandshakeTimeout 为 WebSocket 握手超时时间。
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`

	// WriteTimeout 为单次写入超时时间。
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

func (c *Config) fillDefaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.BaseReconnectDelay <= 0 {
		c.BaseReconnectDelay = time.Second
	}
	if c.WarningReconnectDelay <= 0 {
		c.WarningReconnectDelay = 10 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.ReconnectJitter <= 0 {
		c.ReconnectJitter = time.Second
	}
	if c.BlockedRetryDelay <= 0 {
		c.BlockedRetryDelay = 30 * time.Second
	}
	if c.HealthPollInterval <= 0 {
		c.HealthPollInterval = time.Minute
	}
}

// Option 用于定制连接管理器的依赖项。
type Option func(*Manager)

// WithDialer 替换默认的 WebSocket 拨号器，主要用于测试。
func WithDialer(d transport.Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithSessionStore 替换默认的会话存储。
func WithSessionStore(s session.Store) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithHealthClient 替换默认的健康检查客户端。
func WithHealthClient(c *health.Client) Option {
	return func(m *Manager) {
		m.healthClient = c
	}
}

// Manager 维护一条到协作服务器的长连接。
//
// 职责：
//   - 建连前做健康门禁与版本兼容检查；
//   - 断开后按指数退避自动重连，退避基准随服务器负载分级调整；
//   - 维护跨重连保持不变的会话标识；
//   - 将入站消息与连接生命周期统一为事件分发给上层。
//
// 所有公开方法都是并发安全的。
type Manager struct {
	cfg Config

	dialer       transport.Dialer
	store        session.Store
	healthClient *health.Client
	bus          *event.Bus
	logger       *zap.Logger

	// baseDelay 为当前生效的退避基准，随健康分级在线调整。
	baseDelay atomic.Duration

	mu                sync.Mutex
	state             State
	conn              transport.Conn
	sessionID         string
	attempts          int
	epoch             uint64
	reconnectTimer    *time.Timer
	manualDisconnect  bool
	offline           bool
	exhaustedNotified bool
	lastHealth        *health.Status

	pollOnce sync.Once
	pollStop chan struct{}
	closed   atomic.Bool
}

// NewManager 创建一个连接管理器。
//
// 默认依赖：基于 CookieJar 的会话存储与共享同一 Jar 的 WebSocket 拨号器，
// 使握手请求自动携带会话 Cookie。依赖初始化失败时返回错误。
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	cfg.fillDefaults()

	m := &Manager{
		cfg:      cfg,
		bus:      event.NewBus(),
		logger:   log.With(zap.String("module", "connection")),
		state:    StateDisconnected,
		pollStop: make(chan struct{}),
	}
	m.baseDelay.Store(cfg.BaseReconnectDelay)

	for _, opt := range opts {
		opt(m)
	}

	if m.store == nil || m.dialer == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		if m.store == nil {
			origin, err := sessionOrigin(cfg.URL)
			if err != nil {
				return nil, err
			}
			m.store = session.NewCookieJarStore(jar, origin)
		}
		if m.dialer == nil {
			m.dialer = transport.NewWSDialer(transport.WSConfig{
				HandshakeTimeout: cfg.HandshakeTimeout,
				WriteTimeout:     cfg.WriteTimeout,
				Jar:              jar,
			})
		}
	}

	if m.healthClient == nil && cfg.HealthEndpoint != "" {
		hc, err := health.NewClient(health.Config{
			Endpoint:       cfg.HealthEndpoint,
			SupportedRange: cfg.SupportedServerRange,
		})
		if err != nil {
			return nil, err
		}
		m.healthClient = hc
	}

	m.setStateMetric(StateDisconnected)
	return m, nil
}

// sessionOrigin 将 WebSocket 地址换算为会话 Cookie 的 HTTP 源。
func sessionOrigin(wsURL string) (*url.URL, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/"
	u.RawQuery = ""
	return u, nil
}

// On 订阅一个连接层事件，返回对应的退订闭包。
func (m *Manager) On(eventType string, h event.Handler) func() {
	return m.bus.Subscribe(eventType, h)
}

// State 返回当前连接状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected 返回连接是否就绪。
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// SessionID 返回当前会话标识；尚未建连时可能为空。
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// ConnectionSnapshot 返回管理器的状态快照。
func (m *Manager) ConnectionSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:             m.state,
		SessionID:         m.sessionID,
		ReconnectAttempts: m.attempts,
		LastHealth:        m.lastHealth,
	}
}

// Connect 发起一次建连。
//
// 行为：
//   - 已连接或正在建连时直接返回 nil（幂等）；
//   - 健康检查返回 critical 时不建连，调度一次延迟重试并返回阻断错误；
//   - 健康检查自身失败时放行建连，避免探测故障放大为完全不可用；
//   - 建连失败时自动进入退避重连，错误同时通过返回值与 error 事件给出。
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.stopReconnectTimerLocked()
	m.manualDisconnect = false
	m.offline = false
	prev := m.state
	cur := StateConnecting
	if m.attempts > 0 {
		cur = StateReconnecting
	}
	m.state = cur
	m.mu.Unlock()

	m.emitStateChange(prev, cur)
	m.startHealthPoll()

	if m.healthClient != nil {
		if err := m.gateOnHealth(ctx); err != nil {
			return err
		}
	}

	id := m.resolveSession()

	conn, err := m.dialer.Dial(ctx, m.cfg.URL, nil)
	if err != nil {
		m.logger.Warn("dial failed", zap.String("url", m.cfg.URL), zap.Error(err))
		metrics.ConnectionFailures.WithLabelValues("dial").Inc()
		m.bus.Emit(EventError, err)
		m.scheduleReconnect()
		return err
	}

	m.mu.Lock()
	if m.manualDisconnect || m.offline {
		// 建连期间被主动断开，丢弃这条连接。
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.conn = conn
	m.epoch++
	epoch := m.epoch
	resumed := m.attempts > 0
	m.attempts = 0
	m.exhaustedNotified = false
	prev = m.state
	m.state = StateConnected
	m.mu.Unlock()

	m.emitStateChange(prev, StateConnected)
	m.bus.Emit(EventConnected, &ConnectedInfo{SessionID: id, Resumed: resumed})
	m.logger.Info("connected", zap.String("sessionId", id))

	// 读循环常驻，不能占用共享协程池。
	conc.Spawn(func() {
		m.readLoop(epoch, conn)
	})
	return nil
}

// gateOnHealth 执行建连前的健康门禁，返回非 nil 表示本次建连被阻断。
func (m *Manager) gateOnHealth(ctx context.Context) error {
	status, err := m.healthClient.Check(ctx)
	if err != nil {
		m.logger.Warn("health check failed, proceeding without gate", zap.Error(err))
		return nil
	}

	m.mu.Lock()
	m.lastHealth = status
	m.mu.Unlock()
	m.bus.Emit(EventHealthStatus, status)
	m.applyHealthTier(status)

	if verr := m.healthClient.CheckVersion(status); verr != nil {
		m.logger.Warn("server version outside supported range",
			zap.String("serverVersion", status.ServerVersion))
		m.bus.Emit(EventVersionMismatch, &VersionMismatchInfo{
			ServerVersion:  status.ServerVersion,
			SupportedRange: m.cfg.SupportedServerRange,
		})
	}

	if status.Status != health.StateCritical {
		return nil
	}

	retryAfter := m.cfg.BlockedRetryDelay
	metrics.ConnectionFailures.WithLabelValues("server_overloaded").Inc()

	m.mu.Lock()
	prev := m.state
	m.state = StateDisconnected
	m.stopReconnectTimerLocked()
	m.reconnectTimer = time.AfterFunc(retryAfter, func() {
		_ = m.Connect(context.Background())
	})
	m.mu.Unlock()

	m.emitStateChange(prev, StateDisconnected)
	m.bus.Emit(EventConnectionBlocked, &BlockedInfo{
		Reason:     "Server at capacity",
		RetryAfter: retryAfter,
		Status:     status,
	})
	return merr.WrapErrConnectionBlocked(retryAfter, "server overloaded")
}

// applyHealthTier 按服务器负载分级调整退避基准。
func (m *Manager) applyHealthTier(status *health.Status) {
	switch status.Status {
	case health.StateWarning:
		m.baseDelay.Store(m.cfg.WarningReconnectDelay)
	case health.StateHealthy:
		m.baseDelay.Store(m.cfg.BaseReconnectDelay)
	}
}

// resolveSession 返回本进程的会话标识，没有时生成并持久化一个新的。
func (m *Manager) resolveSession() string {
	id, ok := m.store.Load()
	if !ok {
		id = session.NewID()
		m.store.Save(id)
	}
	m.mu.Lock()
	m.sessionID = id
	m.mu.Unlock()
	return id
}

func (m *Manager) readLoop(epoch uint64, conn transport.Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleClosed(epoch, err)
			return
		}
		m.handleMessage(data)
	}
}

// handleMessage 处理一条入站消息。
//
// 解析失败的消息记录后丢弃，不中断连接；保留消息在本层短路，
// 其余消息同时以自身类型与 message 事件各分发一次。
func (m *Manager) handleMessage(data []byte) {
	in, err := wire.DecodeInbound(data)
	if err != nil {
		m.logger.Warn("dropping malformed message", zap.Error(err))
		metrics.DroppedMessages.Inc()
		return
	}
	metrics.Messages.WithLabelValues(in.Type, "inbound").Inc()

	switch in.Type {
	case wire.TypeRateLimitExceeded:
		payload := &wire.RateLimitPayload{}
		if err := in.DecodePayload(payload); err != nil {
			m.logger.Warn("dropping malformed rate limit message", zap.Error(err))
			metrics.DroppedMessages.Inc()
			return
		}
		retryAfter := clampRetryAfter(time.Duration(payload.RetryAfter) * time.Millisecond)
		m.logger.Warn("rate limited by server",
			zap.Duration("retryAfter", retryAfter),
			zap.String("message", payload.Message))
		m.bus.Emit(EventRateLimited, &RateLimitInfo{
			RetryAfter: retryAfter,
			Message:    payload.Message,
		})
		return

	case wire.TypeAuthzError:
		payload := &wire.AuthzErrorPayload{}
		if err := in.DecodePayload(payload); err != nil {
			m.logger.Warn("dropping malformed authz message", zap.Error(err))
			metrics.DroppedMessages.Inc()
			return
		}
		m.bus.Emit(EventAuthError, &AuthErrorInfo{Reason: payload.Message})
		return
	}

	m.bus.Emit(in.Type, in)
	m.bus.Emit(EventMessage, in)
}

// clampRetryAfter 将服务器下发的重试间隔限制在合理范围内。
const maxServerRetryAfter = 5 * time.Minute

func clampRetryAfter(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > maxServerRetryAfter {
		return maxServerRetryAfter
	}
	return d
}

// handleClosed 处理读循环退出。
//
// epoch 用于识别陈旧的读循环：主动断开或新连接建立后，旧循环的
// 关闭通知会被直接忽略。
func (m *Manager) handleClosed(epoch uint64, err error) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	prev := m.state
	m.mu.Unlock()

	ce, isClose := transport.AsCloseError(err)
	if isClose && ce.Code == transport.CloseCodeAuthFailed {
		// 鉴权失败为终态，不再自动重连。
		m.mu.Lock()
		m.state = StateDisconnected
		m.stopReconnectTimerLocked()
		m.mu.Unlock()

		metrics.ConnectionFailures.WithLabelValues("auth").Inc()
		m.logger.Warn("authentication rejected by server", zap.String("reason", ce.Reason))
		m.emitStateChange(prev, StateDisconnected)
		m.bus.Emit(EventAuthError, &AuthErrorInfo{Code: ce.Code, Reason: ce.Reason})
		m.bus.Emit(EventDisconnected, &DisconnectedInfo{Code: ce.Code, Reason: ce.Reason})
		return
	}

	code := 0
	reason := ""
	if isClose {
		code, reason = ce.Code, ce.Reason
	} else if err != nil {
		reason = err.Error()
	}
	m.logger.Info("connection closed",
		zap.Int("code", code),
		zap.String("reason", reason))
	m.bus.Emit(EventDisconnected, &DisconnectedInfo{Code: code, Reason: reason})
	m.scheduleReconnect()
}

// scheduleReconnect 调度下一次重连尝试。
//
// 超过最大次数后进入 disconnected 终态，reconnect-failed 事件只发一次。
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.manualDisconnect || m.offline {
		prev := m.state
		m.state = StateDisconnected
		m.mu.Unlock()
		m.emitStateChange(prev, StateDisconnected)
		return
	}
	m.stopReconnectTimerLocked()

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		prev := m.state
		m.state = StateDisconnected
		notify := !m.exhaustedNotified
		m.exhaustedNotified = true
		attempts := m.attempts
		m.mu.Unlock()

		m.emitStateChange(prev, StateDisconnected)
		if notify {
			metrics.ConnectionFailures.WithLabelValues("exhausted").Inc()
			m.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", attempts))
			m.bus.Emit(EventReconnectFailed, &ReconnectFailedInfo{Attempts: attempts})
		}
		return
	}

	m.attempts++
	attempt := m.attempts
	delay := m.reconnectDelayFor(attempt)
	prev := m.state
	m.state = StateReconnecting
	m.reconnectTimer = time.AfterFunc(delay, func() {
		_ = m.Connect(context.Background())
	})
	m.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
	m.emitStateChange(prev, StateReconnecting)
	m.bus.Emit(EventReconnecting, &ReconnectInfo{Attempt: attempt, Delay: delay})
}

// reconnectDelayFor 计算第 attempt 次重连前的等待时间：
// 基准间隔按尝试次数指数增长，封顶后叠加均匀抖动以错峰。
func (m *Manager) reconnectDelayFor(attempt int) time.Duration {
	base := m.baseDelay.Load()
	max := m.cfg.MaxReconnectDelay

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	return delay + time.Duration(rand.Int63n(int64(m.cfg.ReconnectJitter)))
}

// Send 编码并发送一条出站消息。
//
// 连接未就绪时不缓存、不报错，直接返回 false；上层依赖快照同步
// 机制补齐断线期间丢失的变更。
func (m *Manager) Send(msgType string, payload any) bool {
	m.mu.Lock()
	conn := m.conn
	ready := m.state == StateConnected && conn != nil
	m.mu.Unlock()

	if !ready {
		m.logger.Debug("send skipped, connection not ready", zap.String("type", msgType))
		return false
	}

	data, err := wire.EncodeOutbound(msgType, payload)
	if err != nil {
		m.logger.Warn("encode outbound failed", zap.String("type", msgType), zap.Error(err))
		return false
	}
	if err := conn.WriteMessage(data); err != nil {
		m.logger.Warn("write failed", zap.String("type", msgType), zap.Error(err))
		return false
	}
	metrics.Messages.WithLabelValues(msgType, "outbound").Inc()
	return true
}

// Disconnect 主动断开连接。
//
// teardown 为 true 表示彻底下线：清除会话标识与全部事件订阅，
// 并停止健康轮询；为 false 时会话标识保留，可随时重新 Connect。
func (m *Manager) Disconnect(teardown bool) {
	m.mu.Lock()
	m.manualDisconnect = true
	m.stopReconnectTimerLocked()
	conn := m.conn
	m.conn = nil
	m.epoch++
	m.exhaustedNotified = false
	prev := m.state
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.emitStateChange(prev, StateDisconnected)
	m.bus.Emit(EventDisconnected, &DisconnectedInfo{
		Code:   transport.CloseCodeNormal,
		Manual: true,
	})

	if teardown {
		m.store.Clear()
		if m.closed.CompareAndSwap(false, true) {
			close(m.pollStop)
		}
		m.bus.Clear()
	}
}

// ForceReconnect 立即断开当前连接并重新建连，重连计数清零。
func (m *Manager) ForceReconnect(ctx context.Context) error {
	m.mu.Lock()
	m.stopReconnectTimerLocked()
	conn := m.conn
	m.conn = nil
	m.epoch++
	m.attempts = 0
	m.exhaustedNotified = false
	prev := m.state
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.emitStateChange(prev, StateDisconnected)
	return m.Connect(ctx)
}

// HandleNetworkOffline 通知管理器网络已离线。
//
// 立即置为断开并停止重连调度，避免在无网络时空耗退避次数。
func (m *Manager) HandleNetworkOffline() {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return
	}
	m.offline = true
	m.stopReconnectTimerLocked()
	conn := m.conn
	m.conn = nil
	m.epoch++
	prev := m.state
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Info("network offline")
	m.bus.Emit(EventNetworkOffline, nil)
	m.emitStateChange(prev, StateDisconnected)
	m.bus.Emit(EventDisconnected, &DisconnectedInfo{Reason: "network offline"})
}

// HandleNetworkOnline 通知管理器网络已恢复。
//
// 重连计数清零后立即尝试建连；主动断开期间网络恢复不会触发建连。
func (m *Manager) HandleNetworkOnline(ctx context.Context) {
	m.mu.Lock()
	wasOffline := m.offline
	// 重连计数只在真实的离线恢复上清零，重复的在线信号不影响退避序列。
	if wasOffline {
		m.offline = false
		m.attempts = 0
		m.exhaustedNotified = false
	}
	manual := m.manualDisconnect
	m.mu.Unlock()

	if !wasOffline {
		return
	}
	m.logger.Info("network online")
	m.bus.Emit(EventNetworkOnline, nil)
	if manual {
		return
	}
	_ = m.Connect(ctx)
}

// startHealthPoll 启动健康轮询，只会生效一次。
func (m *Manager) startHealthPoll() {
	if m.healthClient == nil {
		return
	}
	m.pollOnce.Do(func() {
		conc.Spawn(m.healthPollLoop)
	})
}

func (m *Manager) healthPollLoop() {
	ticker := time.NewTicker(m.cfg.HealthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.pollStop:
			return
		case <-ticker.C:
			if !m.IsConnected() {
				continue
			}
			status, err := m.healthClient.Check(context.Background())
			if err != nil {
				m.logger.Warn("periodic health check failed", zap.Error(err))
				continue
			}
			m.mu.Lock()
			m.lastHealth = status
			m.mu.Unlock()
			m.applyHealthTier(status)
			m.bus.Emit(EventHealthStatus, status)
		}
	}
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) emitStateChange(prev, cur State) {
	if prev == cur {
		return
	}
	m.setStateMetric(cur)
	m.bus.Emit(EventStateChanged, &StateChange{Previous: prev, Current: cur})
}

func (m *Manager) setStateMetric(cur State) {
	for _, s := range []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting} {
		v := 0.0
		if s == cur {
			v = 1.0
		}
		metrics.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}
