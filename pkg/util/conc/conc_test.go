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
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoFuture(t *testing.T) {
	f := Go(func() (int, error) {
		return 42, nil
	})
	v, err := f.Await()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestGoFutureError(t *testing.T) {
	f := Go(func() (any, error) {
		return nil, errors.New("boom")
	})
	assert.Error(t, f.Err())
}

func TestSpawnNotBoundByPool(t *testing.T) {
	pool := NewPool(1)
	defer pool.Release()

	stop := make(chan struct{})
	defer close(stop)

	// 常驻任务占满池容量。
	Submit(pool, func() (any, error) {
		<-stop
		return nil, nil
	})

	// Spawn 的任务不受池容量限制，必须立即得到调度。
	done := make(chan struct{})
	Spawn(func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("spawned task did not run while pool was saturated")
	}
}

func TestSpawnRecoversPanic(t *testing.T) {
	done := make(chan struct{})
	Spawn(func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking task did not finish")
	}
}
