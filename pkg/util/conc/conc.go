// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conc

import (
	"runtime"
	"sync"

	ants "github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/lk2023060901/flowsync-go/pkg/log"
)

// Future 表示一个异步任务的结果占位。
type Future[T any] struct {
	ch    chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{
		ch: make(chan struct{}),
	}
}

// Await 阻塞等待任务完成并返回结果。
func (f *Future[T]) Await() (T, error) {
	<-f.ch
	return f.value, f.err
}

// Done 返回任务完成通知通道。
func (f *Future[T]) Done() <-chan struct{} {
	return f.ch
}

// Err 返回任务错误；任务未完成时阻塞。
func (f *Future[T]) Err() error {
	<-f.ch
	return f.err
}

// Pool 为基于 ants 的协程池封装。
type Pool struct {
	inner *ants.Pool
}

// NewPool 创建一个容量为 cap 的协程池。
//
// 说明：
//   - cap <= 0 时使用 CPU 核数的 2 倍；
//   - 任务 panic 会被捕获并记录日志，不会拖垮进程。
func NewPool(cap int) *Pool {
	if cap <= 0 {
		cap = runtime.NumCPU() * 2
	}
	pool, err := ants.NewPool(cap,
		ants.WithNonblocking(false),
		ants.WithPanicHandler(func(v any) {
			log.Error("conc pool panicked", zap.Any("panic", v))
		}),
	)
	if err != nil {
		// ants 仅在参数非法时返回错误，前面已兜底容量。
		panic(err)
	}
	return &Pool{inner: pool}
}

// Submit 向池中提交一个任务并返回对应的 Future。
func Submit[T any](pool *Pool, f func() (T, error)) *Future[T] {
	future := newFuture[T]()
	err := pool.inner.Submit(func() {
		defer close(future.ch)
		future.value, future.err = f()
	})
	if err != nil {
		future.err = err
		close(future.ch)
	}
	return future
}

// Release 释放池资源。
func (p *Pool) Release() {
	p.inner.Release()
}

var (
	defaultPool     *Pool
	defaultPoolOnce sync.Once
)

func getDefaultPool() *Pool {
	defaultPoolOnce.Do(func() {
		defaultPool = NewPool(0)
	})
	return defaultPool
}

// Go 在全局协程池中执行任务。
//
// 约定：
//   - 库内代码统一通过 Go / Spawn 启动协程，避免直接使用 go 关键字；
//   - Go 只用于会结束的短任务，常驻循环必须使用 Spawn。
func Go[T any](f func() (T, error)) *Future[T] {
	return Submit(getDefaultPool(), f)
}

// Spawn 在独立协程上执行 f，panic 会被捕获并记录。
//
// 常驻任务（读循环、定时轮询等）必须使用 Spawn 而非 Go：
// 全局池容量有限，常驻任务占住工作协程会让之后的 Go 提交方无限阻塞。
func Spawn(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("conc spawned task panicked", zap.Any("panic", r))
			}
		}()
		f()
	}()
}
