package event

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lk2023060901/flowsync-go/pkg/log"
)

// Handler 为事件回调签名。
//
// 回调内不允许向外抛错：组件间的错误传播一律通过事件本身完成。
type Handler func(data any)

// handlerEntry 包装一个回调，使得同一函数可以被重复注册并独立退订。
type handlerEntry struct {
	fn Handler
}

// Bus 为进程内的类型化事件总线。
//
// 约定：
//   - 同一事件的回调按注册顺序同步执行；
//   - Subscribe 返回的退订闭包可以安全地多次调用；
//   - 回调中的 panic 会被捕获并记录，不影响其他回调。
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*handlerEntry
}

// NewBus 创建一个空的事件总线。
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]*handlerEntry),
	}
}

// Subscribe 注册一个事件回调，返回对应的退订闭包。
func (b *Bus) Subscribe(eventType string, h Handler) func() {
	if h == nil {
		return func() {}
	}

	entry := &handlerEntry{fn: h}

	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], entry)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.unsubscribe(eventType, entry)
		})
	}
}

func (b *Bus) unsubscribe(eventType string, entry *handlerEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.handlers[eventType]
	for i, e := range entries {
		if e == entry {
			b.handlers[eventType] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(b.handlers[eventType]) == 0 {
		delete(b.handlers, eventType)
	}
}

// Emit 同步分发一个事件。
//
// 回调执行顺序与注册顺序一致；分发期间新注册的回调不会收到本次事件。
func (b *Bus) Emit(eventType string, data any) {
	b.mu.RLock()
	entries := make([]*handlerEntry, len(b.handlers[eventType]))
	copy(entries, b.handlers[eventType])
	b.mu.RUnlock()

	for _, entry := range entries {
		b.safeCall(eventType, entry.fn, data)
	}
}

func (b *Bus) safeCall(eventType string, h Handler, data any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panicked",
				zap.String("event", eventType),
				zap.Any("panic", r))
		}
	}()
	h(data)
}

// Clear 移除全部回调。
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string][]*handlerEntry)
}

// Len 返回指定事件当前注册的回调数量，主要用于测试。
func (b *Bus) Len(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
