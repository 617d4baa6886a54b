package syncer

import (
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/lk2023060901/flowsync-go/internal/collab/connection"
	"github.com/lk2023060901/flowsync-go/internal/collab/event"
	"github.com/lk2023060901/flowsync-go/internal/collab/wire"
	"github.com/lk2023060901/flowsync-go/internal/json"
	"github.com/lk2023060901/flowsync-go/pkg/log"
	"github.com/lk2023060901/flowsync-go/pkg/metrics"
	"github.com/lk2023060901/flowsync-go/pkg/util/conc"
	"github.com/lk2023060901/flowsync-go/pkg/util/merr"
)

// Connection 为同步器依赖的连接能力子集。
//
// *connection.Manager 天然满足该接口；测试中可用内存实现替代。
type Connection interface {
	Send(msgType string, payload any) bool
	On(eventType string, h event.Handler) func()
	SessionID() string
	IsConnected() bool
}

var _ Connection = (*connection.Manager)(nil)

// DocumentApplier 由图编辑器实现，负责把远端变更落到本地文档。
//
// 两个方法都在同步器的分发协程上被调用，实现方自行处理与 UI 的同步。
type DocumentApplier interface {
	// ApplySnapshot 用完整快照替换本地文档的可见状态。
	ApplySnapshot(snapshot *wire.Snapshot)

	// ApplyRemoteChange 应用一条增量变更。
	ApplyRemoteChange(change *wire.RemoteChangePayload)
}

// Config 描述同步器的行为参数。
type Config struct {
	// ResyncThreshold 为累计本地变更达到多少条时主动请求一次快照同步。
	ResyncThreshold int `mapstructure:"resyncThreshold"`

	// ResyncInterval 为兜底的周期快照同步间隔。
	ResyncInterval time.Duration `mapstructure:"resyncInterval"`

	// CursorSweepInterval 为远端光标过期清理的周期。
	CursorSweepInterval time.Duration `mapstructure:"cursorSweepInterval"`

	// CursorTTL 为远端光标无更新多久后被清理。
	CursorTTL time.Duration `mapstructure:"cursorTTL"`
}

func (c *Config) fillDefaults() {
	if c.ResyncThreshold <= 0 {
		c.ResyncThreshold = 10
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = time.Minute
	}
	if c.CursorSweepInterval <= 0 {
		c.CursorSweepInterval = 5 * time.Second
	}
	if c.CursorTTL <= 0 {
		c.CursorTTL = 10 * time.Second
	}
}

// JoinOptions 为加入共享文档时的身份信息。
type JoinOptions struct {
	ChatflowID string
	UserName   string
	Color      string
}

// Cursor 为一条远端光标。
type Cursor struct {
	SessionID string
	X         float64
	Y         float64
	Name      string
	Color     string
	UpdatedAt time.Time
}

// Option 用于定制同步器。
type Option func(*Syncer)

// WithNow 替换时间源，主要用于测试。
func WithNow(now func() time.Time) Option {
	return func(s *Syncer) {
		s.now = now
	}
}

// WithNodePresenceHandler 注册节点级在场变更的回调。
func WithNodePresenceHandler(fn func(*wire.NodePresencePayload)) Option {
	return func(s *Syncer) {
		s.onNodePresence = fn
	}
}

// Syncer 维护一份共享文档的协同状态。
//
// 职责：
//   - 维护加入/离开文档的会话语义，断线重连后自动重新加入；
//   - 上报本地变更、光标与心跳，转发远端变更给 DocumentApplier；
//   - 维护在线用户与远端光标视图，过期光标定期清理；
//   - 本地变更累计到阈值或到达兜底周期时请求快照同步。
//
// 所有公开方法都是并发安全的。
type Syncer struct {
	cfg     Config
	conn    Connection
	applier DocumentApplier
	logger  *zap.Logger
	now     func() time.Time

	onNodePresence func(*wire.NodePresencePayload)

	mu          sync.Mutex
	joined      bool
	opts        JoinOptions
	users       []wire.PresenceUser
	cursors     map[string]Cursor
	changeCount int

	lastHeartbeat wire.Status
	heartbeatSent bool

	unsubs []func()

	loopOnce sync.Once
	stopOnce sync.Once
	stop     chan struct{}
}

// NewSyncer 创建一个同步器并挂接连接层事件。
func NewSyncer(cfg Config, conn Connection, applier DocumentApplier, opts ...Option) *Syncer {
	cfg.fillDefaults()

	s := &Syncer{
		cfg:     cfg,
		conn:    conn,
		applier: applier,
		logger:  log.With(zap.String("module", "syncer")),
		now:     time.Now,
		cursors: make(map[string]Cursor),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.unsubs = append(s.unsubs,
		conn.On(wire.TypeOnPresenceUpdated, s.handlePresence),
		conn.On(wire.TypeOnRemoteChange, s.handleRemoteChange),
		conn.On(wire.TypeOnCursorMoved, s.handleCursorMoved),
		conn.On(wire.TypeOnSnapshotSync, s.handleSnapshot),
		conn.On(wire.TypeOnNodePresenceUpdated, s.handleNodePresence),
		conn.On(connection.EventConnected, s.handleReconnected),
	)
	return s
}

// Join 加入一份共享文档。
//
// 已加入时返回错误；连接未就绪时加入消息不会缓存，
// 由连接建立后的自动重加入补发。
func (s *Syncer) Join(opts JoinOptions) error {
	s.mu.Lock()
	if s.joined {
		id := s.opts.ChatflowID
		s.mu.Unlock()
		return merr.WrapErrAlreadyJoined(id)
	}
	s.joined = true
	s.opts = opts
	s.changeCount = 0
	s.heartbeatSent = false
	s.mu.Unlock()

	s.startLoops()
	s.sendJoin(opts)
	return nil
}

func (s *Syncer) sendJoin(opts JoinOptions) {
	s.conn.Send(wire.TypeJoinChatflow, &wire.JoinChatflowRequest{
		ChatflowID: opts.ChatflowID,
		SessionID:  s.conn.SessionID(),
		Color:      opts.Color,
		Timestamp:  s.now().UnixMilli(),
	})
}

// Leave 离开当前文档并清空协同视图。
func (s *Syncer) Leave() {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return
	}
	opts := s.opts
	s.joined = false
	s.users = nil
	s.cursors = make(map[string]Cursor)
	s.changeCount = 0
	s.mu.Unlock()

	s.conn.Send(wire.TypeLeaveChatflow, &wire.LeaveChatflowRequest{
		ChatflowID: opts.ChatflowID,
		SessionID:  s.conn.SessionID(),
	})
	metrics.PresenceUsers.Set(0)
	metrics.ActiveRemoteCursors.Set(0)
}

// Close 停止后台协程并退订全部连接层事件。
func (s *Syncer) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	for _, unsub := range s.unsubs {
		unsub()
	}
}

// Joined 返回是否已加入文档。
func (s *Syncer) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// UpdateNode 上报一条节点变更。
func (s *Syncer) UpdateNode(node json.RawMessage, changeType string) error {
	chatflowID, err := s.requireJoined("update node")
	if err != nil {
		return err
	}
	s.conn.Send(wire.TypeNodeUpdated, &wire.NodeUpdatedRequest{
		ChatflowID: chatflowID,
		Node:       node,
		ChangeType: changeType,
		Timestamp:  s.now().UnixMilli(),
	})
	s.recordLocalChange()
	return nil
}

// UpdateEdge 上报一条连线变更。
func (s *Syncer) UpdateEdge(edge json.RawMessage, changeType string) error {
	chatflowID, err := s.requireJoined("update edge")
	if err != nil {
		return err
	}
	s.conn.Send(wire.TypeEdgeUpdated, &wire.EdgeUpdatedRequest{
		ChatflowID: chatflowID,
		Edge:       edge,
		ChangeType: changeType,
		Timestamp:  s.now().UnixMilli(),
	})
	s.recordLocalChange()
	return nil
}

// recordLocalChange 累计本地变更，恰好达到阈值时请求一次快照同步。
//
// 计数只在收到快照时清零，因此阈值之后的变更不会重复触发请求。
func (s *Syncer) recordLocalChange() {
	s.mu.Lock()
	s.changeCount++
	hit := s.changeCount == s.cfg.ResyncThreshold
	s.mu.Unlock()

	if hit {
		s.logger.Debug("local change threshold reached, requesting snapshot sync")
		s.RequestSnapshotSync()
	}
}

// MoveCursor 上报本端光标位置。
func (s *Syncer) MoveCursor(x, y float64) {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return
	}
	opts := s.opts
	s.mu.Unlock()

	s.conn.Send(wire.TypeCursorMoved, &wire.CursorMovedRequest{
		ChatflowID: opts.ChatflowID,
		SessionID:  s.conn.SessionID(),
		X:          x,
		Y:          y,
		Name:       opts.UserName,
		Color:      opts.Color,
		Timestamp:  s.now().UnixMilli(),
	})
}

// UpdateColor 更新本端用户颜色。
//
// 同时对本地在线用户视图做乐观更新，不等服务器回推。
func (s *Syncer) UpdateColor(color string) error {
	chatflowID, err := s.requireJoined("update color")
	if err != nil {
		return err
	}
	sessionID := s.conn.SessionID()

	s.mu.Lock()
	s.opts.Color = color
	if _, idx, ok := lo.FindIndexOf(s.users, func(u wire.PresenceUser) bool {
		return u.SessionID == sessionID
	}); ok {
		s.users[idx].Color = color
	}
	s.mu.Unlock()

	s.conn.Send(wire.TypeUserColorUpdated, &wire.UserColorUpdatedRequest{
		ChatflowID: chatflowID,
		SessionID:  sessionID,
		Color:      color,
		Timestamp:  s.now().UnixMilli(),
	})
	return nil
}

// SendHeartbeat 上报本端活跃状态。
//
// 状态与上一次相同则不发送，避免无意义的心跳风暴。
func (s *Syncer) SendHeartbeat(status wire.Status) {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return
	}
	if s.heartbeatSent && s.lastHeartbeat == status {
		s.mu.Unlock()
		return
	}
	opts := s.opts
	s.mu.Unlock()

	if !s.conn.Send(wire.TypeUserHeartbeat, &wire.UserHeartbeatRequest{
		ChatflowID: opts.ChatflowID,
		SessionID:  s.conn.SessionID(),
		Status:     status,
		Timestamp:  s.now().UnixMilli(),
	}) {
		return
	}

	s.mu.Lock()
	s.lastHeartbeat = status
	s.heartbeatSent = true
	s.mu.Unlock()
}

// NotifyNodePresence 上报本端在某个节点上的在场动作。
func (s *Syncer) NotifyNodePresence(nodeID string, action wire.NodePresenceAction) {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return
	}
	opts := s.opts
	s.mu.Unlock()

	s.conn.Send(wire.TypeNodePresenceUpdated, &wire.NodePresenceUpdatedRequest{
		ChatflowID: opts.ChatflowID,
		NodeID:     nodeID,
		SessionID:  s.conn.SessionID(),
		Action:     action,
		Timestamp:  s.now().UnixMilli(),
	})
}

// RequestSnapshotSync 主动请求一次快照同步。
func (s *Syncer) RequestSnapshotSync() {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return
	}
	opts := s.opts
	s.mu.Unlock()

	if s.conn.Send(wire.TypeRequestSnapshotSync, &wire.RequestSnapshotSyncRequest{
		ChatflowID: opts.ChatflowID,
		SessionID:  s.conn.SessionID(),
		Timestamp:  s.now().UnixMilli(),
	}) {
		metrics.SnapshotSyncRequests.Inc()
	}
}

// ActiveUsers 返回当前在线用户列表的副本。
func (s *Syncer) ActiveUsers() []wire.PresenceUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]wire.PresenceUser, len(s.users))
	copy(users, s.users)
	return users
}

// Cursors 返回当前远端光标视图的副本。
func (s *Syncer) Cursors() map[string]Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.cursors)
}

// PendingChanges 返回自上次快照以来累计的本地变更条数。
func (s *Syncer) PendingChanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changeCount
}

func (s *Syncer) requireJoined(op string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined {
		return "", merr.WrapErrNotJoined(op)
	}
	return s.opts.ChatflowID, nil
}

// 入站处理。

func (s *Syncer) handlePresence(data any) {
	in, ok := data.(*wire.Inbound)
	if !ok {
		return
	}
	payload := &wire.PresenceUpdatedPayload{}
	if err := in.DecodePayload(payload); err != nil {
		s.logger.Warn("decode presence failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	if !s.joined || payload.ChatflowID != s.opts.ChatflowID {
		s.mu.Unlock()
		return
	}
	// 在线用户列表以服务器为准，整体替换。
	s.users = payload.Users
	s.mu.Unlock()

	metrics.PresenceUsers.Set(float64(len(payload.Users)))
}

func (s *Syncer) handleRemoteChange(data any) {
	in, ok := data.(*wire.Inbound)
	if !ok {
		return
	}
	payload := &wire.RemoteChangePayload{}
	if err := in.DecodePayload(payload); err != nil {
		s.logger.Warn("decode remote change failed", zap.Error(err))
		return
	}
	if !s.matchesJoined(payload.ChatflowID) {
		return
	}
	if s.applier != nil {
		s.applier.ApplyRemoteChange(payload)
	}
}

func (s *Syncer) handleCursorMoved(data any) {
	in, ok := data.(*wire.Inbound)
	if !ok {
		return
	}
	payload := &wire.CursorMovedPayload{}
	if err := in.DecodePayload(payload); err != nil {
		s.logger.Warn("decode cursor failed", zap.Error(err))
		return
	}

	// 自己的光标回声不入视图。
	if payload.SessionID == s.conn.SessionID() {
		return
	}

	s.mu.Lock()
	if !s.joined || payload.ChatflowID != s.opts.ChatflowID {
		s.mu.Unlock()
		return
	}
	s.cursors[payload.SessionID] = Cursor{
		SessionID: payload.SessionID,
		X:         payload.X,
		Y:         payload.Y,
		Name:      payload.Name,
		Color:     payload.Color,
		UpdatedAt: s.now(),
	}
	count := len(s.cursors)
	s.mu.Unlock()

	metrics.ActiveRemoteCursors.Set(float64(count))
}

func (s *Syncer) handleSnapshot(data any) {
	in, ok := data.(*wire.Inbound)
	if !ok {
		return
	}
	payload := &wire.SnapshotSyncPayload{}
	if err := in.DecodePayload(payload); err != nil {
		s.logger.Warn("decode snapshot failed", zap.Error(err))
		return
	}
	if !s.matchesJoined(payload.ChatflowID) {
		return
	}

	if s.applier != nil {
		s.applier.ApplySnapshot(&payload.Snapshot)
	}

	// 快照落地后本地变更计数清零。
	s.mu.Lock()
	s.changeCount = 0
	s.mu.Unlock()

	metrics.SnapshotSyncs.Inc()
	s.logger.Debug("snapshot applied",
		zap.Int("nodes", len(payload.Snapshot.Nodes)),
		zap.Int("edges", len(payload.Snapshot.Edges)))
}

func (s *Syncer) handleNodePresence(data any) {
	in, ok := data.(*wire.Inbound)
	if !ok {
		return
	}
	payload := &wire.NodePresencePayload{}
	if err := in.DecodePayload(payload); err != nil {
		s.logger.Warn("decode node presence failed", zap.Error(err))
		return
	}
	if !s.matchesJoined(payload.ChatflowID) {
		return
	}
	if s.onNodePresence != nil {
		s.onNodePresence(payload)
	}
}

// handleReconnected 在连接（重新）建立后补发加入消息并请求快照，
// 把断线期间丢失的远端变更一次性补齐。
func (s *Syncer) handleReconnected(data any) {
	s.mu.Lock()
	joined := s.joined
	opts := s.opts
	s.mu.Unlock()

	if !joined {
		return
	}
	s.logger.Info("connection restored, rejoining", zap.String("chatflowId", opts.ChatflowID))
	s.sendJoin(opts)
	s.RequestSnapshotSync()
}

func (s *Syncer) matchesJoined(chatflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined && chatflowID == s.opts.ChatflowID
}

// sweep 清理过期的远端光标，返回清理后的数量。
func (s *Syncer) sweep(now time.Time) int {
	s.mu.Lock()
	for id, cursor := range s.cursors {
		if now.Sub(cursor.UpdatedAt) >= s.cfg.CursorTTL {
			delete(s.cursors, id)
		}
	}
	count := len(s.cursors)
	s.mu.Unlock()

	metrics.ActiveRemoteCursors.Set(float64(count))
	return count
}

// startLoops 启动兜底快照同步与光标清理协程，只会生效一次。
func (s *Syncer) startLoops() {
	s.loopOnce.Do(func() {
		conc.Spawn(s.resyncLoop)
		conc.Spawn(s.sweepLoop)
	})
}

func (s *Syncer) resyncLoop() {
	ticker := time.NewTicker(s.cfg.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.Joined() && s.conn.IsConnected() {
				s.RequestSnapshotSync()
			}
		}
	}
}

func (s *Syncer) sweepLoop() {
	ticker := time.NewTicker(s.cfg.CursorSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(s.now())
		}
	}
}
