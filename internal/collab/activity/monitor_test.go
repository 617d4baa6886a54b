package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/flowsync-go/internal/collab/wire"
)

// fakeClock 为手工推进的时间源。
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestMonitor(clock *fakeClock) *Monitor {
	return NewMonitor(Config{
		IdleThreshold: time.Minute,
		AwayThreshold: 5 * time.Minute,
		TouchThrottle: time.Second,
	}, WithNow(clock.now))
}

func TestStatusThresholds(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	assert.Equal(t, wire.StatusActive, m.Status())

	// 未到阈值。
	clock.advance(59 * time.Second)
	assert.Equal(t, wire.StatusActive, m.Evaluate())

	// 到达 idle 阈值。
	clock.advance(time.Second)
	assert.Equal(t, wire.StatusIdle, m.Evaluate())

	// 到达 away 阈值。
	clock.advance(4 * time.Minute)
	assert.Equal(t, wire.StatusAway, m.Evaluate())
}

func TestTouchRestoresActive(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	clock.advance(2 * time.Minute)
	require.Equal(t, wire.StatusIdle, m.Evaluate())

	m.Touch()
	assert.Equal(t, wire.StatusActive, m.Status())
}

func TestTouchThrottled(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	m.Touch()
	first := m.lastActivity

	// 节流窗口内的输入被忽略。
	clock.advance(500 * time.Millisecond)
	m.Touch()
	assert.Equal(t, first, m.lastActivity)

	// 窗口外的输入生效。
	clock.advance(600 * time.Millisecond)
	m.Touch()
	assert.Equal(t, clock.now(), m.lastActivity)
}

func TestVisibilityOverride(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	// 不可见立即进入 away，即便刚有输入。
	m.Touch()
	m.SetVisible(false)
	assert.Equal(t, wire.StatusAway, m.Status())

	// 不可见期间输入不改变状态。
	clock.advance(2 * time.Second)
	m.Touch()
	assert.Equal(t, wire.StatusAway, m.Status())
	assert.Equal(t, wire.StatusAway, m.Evaluate())

	// 恢复可见视作一次输入，回到 active。
	m.SetVisible(true)
	assert.Equal(t, wire.StatusActive, m.Status())
}

func TestOnChangeIdempotentTransitions(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	var changes []wire.Status
	unregister := m.OnChange(func(s wire.Status) {
		changes = append(changes, s)
	})

	// 状态不变时不通知。
	m.Evaluate()
	m.Evaluate()
	assert.Empty(t, changes)

	clock.advance(2 * time.Minute)
	m.Evaluate()
	m.Evaluate()
	require.Equal(t, []wire.Status{wire.StatusIdle}, changes)

	clock.advance(5 * time.Minute)
	m.Evaluate()
	require.Equal(t, []wire.Status{wire.StatusIdle, wire.StatusAway}, changes)

	// 退订后不再收到通知。
	unregister()
	unregister()
	m.Touch()
	assert.Equal(t, wire.StatusActive, m.Status())
	assert.Len(t, changes, 2)
}

func TestStartStop(t *testing.T) {
	m := NewMonitor(Config{EvalInterval: time.Millisecond})
	m.Start()
	m.Start()

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, wire.StatusActive, m.Status())

	m.Stop()
	m.Stop()
}
