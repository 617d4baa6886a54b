package activity

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/flowsync-go/internal/collab/wire"
	"github.com/lk2023060901/flowsync-go/pkg/log"
	"github.com/lk2023060901/flowsync-go/pkg/util/conc"
)

// Config 描述活跃度监控的阈值参数。
type Config struct {
	// IdleThreshold 为无输入多久后进入 idle。
	IdleThreshold time.Duration `mapstructure:"idleThreshold"`

	// AwayThreshold 为无输入多久后进入 away。
	AwayThreshold time.Duration `mapstructure:"awayThreshold"`

	// EvalInterval 为状态评估的周期。
	EvalInterval time.Duration `mapstructure:"evalInterval"`

	// TouchThrottle 为输入上报的节流窗口，窗口内的重复输入会被忽略。
	TouchThrottle time.Duration `mapstructure:"touchThrottle"`
}

func (c *Config) fillDefaults() {
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = time.Minute
	}
	if c.AwayThreshold <= 0 {
		c.AwayThreshold = 5 * time.Minute
	}
	if c.EvalInterval <= 0 {
		c.EvalInterval = 5 * time.Second
	}
	if c.TouchThrottle <= 0 {
		c.TouchThrottle = time.Second
	}
}

// Option 用于定制监控器，主要面向测试。
type Option func(*Monitor)

// WithNow 替换时间源。
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// changeEntry 包装一个回调，使同一函数可以被重复注册并独立退订。
type changeEntry struct {
	fn func(wire.Status)
}

// Monitor 跟踪本端用户的活跃状态。
//
// 约定：
//   - 状态机只有 active / idle / away 三态，依据最近一次输入时间推导；
//   - 界面不可见时强制为 away，恢复可见视作一次输入；
//   - 状态不变时不通知回调（幂等迁移）。
type Monitor struct {
	cfg Config
	now func() time.Time

	mu           sync.Mutex
	status       wire.Status
	lastActivity time.Time
	lastTouch    time.Time
	visible      bool
	entries      []*changeEntry

	stopOnce sync.Once
	stop     chan struct{}
	started  bool
}

// NewMonitor 创建一个活跃度监控器，初始状态为 active。
func NewMonitor(cfg Config, opts ...Option) *Monitor {
	cfg.fillDefaults()

	m := &Monitor{
		cfg:     cfg,
		now:     time.Now,
		status:  wire.StatusActive,
		visible: true,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastActivity = m.now()
	return m
}

// Status 返回当前活跃状态。
func (m *Monitor) Status() wire.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnChange 注册状态变更回调，返回对应的退订闭包。
func (m *Monitor) OnChange(fn func(wire.Status)) func() {
	if fn == nil {
		return func() {}
	}

	entry := &changeEntry{fn: fn}
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, e := range m.entries {
				if e == entry {
					m.entries = append(m.entries[:i:i], m.entries[i+1:]...)
					break
				}
			}
		})
	}
}

// Touch 记录一次用户输入。
//
// 节流窗口内的重复调用被忽略；界面不可见时输入不改变 away 状态。
func (m *Monitor) Touch() {
	now := m.now()

	m.mu.Lock()
	if !m.lastTouch.IsZero() && now.Sub(m.lastTouch) < m.cfg.TouchThrottle {
		m.mu.Unlock()
		return
	}
	m.lastTouch = now
	m.lastActivity = now

	var notify []func(wire.Status)
	var next wire.Status
	if m.visible && m.status != wire.StatusActive {
		next = wire.StatusActive
		notify = m.transitionLocked(next)
	}
	m.mu.Unlock()

	for _, fn := range notify {
		fn(next)
	}
}

// SetVisible 通知界面可见性变化。
//
// 不可见立即视为 away；恢复可见视作一次输入并重新评估。
func (m *Monitor) SetVisible(visible bool) {
	now := m.now()

	m.mu.Lock()
	m.visible = visible

	var notify []func(wire.Status)
	var next wire.Status
	if !visible {
		next = wire.StatusAway
		notify = m.transitionLocked(next)
	} else {
		m.lastActivity = now
		next = m.deriveLocked(now)
		notify = m.transitionLocked(next)
	}
	m.mu.Unlock()

	for _, fn := range notify {
		fn(next)
	}
}

// Evaluate 立即执行一次状态评估，返回评估后的状态。
func (m *Monitor) Evaluate() wire.Status {
	return m.evaluate(m.now())
}

func (m *Monitor) evaluate(now time.Time) wire.Status {
	m.mu.Lock()
	next := m.deriveLocked(now)
	notify := m.transitionLocked(next)
	m.mu.Unlock()

	for _, fn := range notify {
		fn(next)
	}
	return next
}

// deriveLocked 依据最近输入时间推导应处的状态。
func (m *Monitor) deriveLocked(now time.Time) wire.Status {
	if !m.visible {
		return wire.StatusAway
	}
	elapsed := now.Sub(m.lastActivity)
	switch {
	case elapsed >= m.cfg.AwayThreshold:
		return wire.StatusAway
	case elapsed >= m.cfg.IdleThreshold:
		return wire.StatusIdle
	default:
		return wire.StatusActive
	}
}

// transitionLocked 执行状态迁移，返回需要通知的回调；状态不变时返回 nil。
func (m *Monitor) transitionLocked(next wire.Status) []func(wire.Status) {
	if next == m.status {
		return nil
	}
	log.Debug("activity status changed",
		zap.String("from", string(m.status)),
		zap.String("to", string(next)))
	m.status = next

	notify := make([]func(wire.Status), 0, len(m.entries))
	for _, e := range m.entries {
		notify = append(notify, e.fn)
	}
	return notify
}

// Start 启动周期评估，重复调用无效果。
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	conc.Spawn(func() {
		ticker := time.NewTicker(m.cfg.EvalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.evaluate(m.now())
			}
		}
	})
}

// Stop 停止周期评估，幂等。
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}
