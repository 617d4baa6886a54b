// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lk2023060901/flowsync-go/pkg/log"
	"github.com/lk2023060901/flowsync-go/pkg/util/merr"
)

// config 描述一次重试执行的行为参数。
type config struct {
	attempts        uint64
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
}

func newDefaultConfig() *config {
	return &config{
		attempts:        3,
		initialInterval: 200 * time.Millisecond,
		maxInterval:     3 * time.Second,
		multiplier:      2.0,
	}
}

// Option 用于调整重试行为。
type Option func(*config)

// Attempts 设置最大尝试次数（含首次执行）。
func Attempts(n uint64) Option {
	return func(c *config) {
		c.attempts = n
	}
}

// InitialInterval 设置首次重试前的等待时间。
func InitialInterval(d time.Duration) Option {
	return func(c *config) {
		c.initialInterval = d
	}
}

// MaxInterval 设置重试等待时间的上限。
func MaxInterval(d time.Duration) Option {
	return func(c *config) {
		c.maxInterval = d
	}
}

// Do 使用指数退避重试执行指定函数。
//
// 行为：
//   - fn 返回 nil 时立即结束；
//   - fn 返回不可重试错误（merr.IsRetryableErr 为 false 且为本项目叶子错误）时立即结束；
//   - 超过最大尝试次数后返回最后一次错误。
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	c := newDefaultConfig()
	for _, opt := range opts {
		opt(c)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialInterval
	bo.MaxInterval = c.maxInterval
	bo.Multiplier = c.multiplier
	bo.MaxElapsedTime = 0

	attempt := uint64(0)
	wrapped := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if merr.IsCollabError(err) && !merr.IsRetryableErr(err) {
			// 不可重试错误直接终止。
			return backoff.Permanent(err)
		}
		if merr.IsCanceledOrTimeout(err) {
			return backoff.Permanent(err)
		}
		if attempt >= c.attempts {
			return backoff.Permanent(err)
		}
		log.Ctx(ctx).Warn("retry func failed",
			zap.Uint64("attempt", attempt),
			zap.Error(err))
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(bo, ctx))
}
