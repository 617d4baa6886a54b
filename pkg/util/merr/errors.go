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

package merr

import (
	"fmt"
)

const (
	// CanceledCode 为 context.Canceled 对应的错误码。
	CanceledCode int32 = 10000
	// TimeoutCode 为 context.DeadlineExceeded 对应的错误码。
	TimeoutCode int32 = 10001
)

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Connection related
	ErrConnectionClosed    = newCollabError("connection closed", 1, true)
	ErrConnectionNotReady  = newCollabError("connection not ready", 2, true)
	ErrConnectionBlocked   = newCollabError("server at capacity", 3, true)
	ErrConnectionExhausted = newCollabError("max reconnect attempts reached", 4, false)
	ErrAuthFailed          = newCollabError("authentication failed", 5, false)
	ErrRateLimited         = newCollabError("rate limit exceeded", 6, true)

	// Health related
	ErrHealthUnavailable = newCollabError("health endpoint unavailable", 100, true)
	ErrVersionMismatch   = newCollabError("server version incompatible", 101, false)

	// Session related
	ErrSessionNotFound = newCollabError("session not found", 200, false)

	// Protocol related
	ErrMessageMalformed    = newCollabError("malformed message", 300, false)
	ErrMessageTypeUnknown  = newCollabError("unknown message type", 301, false)
	ErrMessageTypeReserved = newCollabError("reserved message type", 302, false)

	// Syncer related
	ErrNotJoined     = newCollabError("not joined to a document", 400, false)
	ErrAlreadyJoined = newCollabError("already joined to a document", 401, false)

	errUnexpected = newCollabError("unexpected error", 1001, false)
)

// collabError 为本项目统一的叶子错误类型。
//
// 约定：
//   - errCode 在项目内保持稳定，供日志与监控聚合使用；
//   - retriable 标记该错误是否适合由上层自动重试。
type collabError struct {
	msg       string
	retriable bool
	errCode   int32
}

func newCollabError(msg string, code int32, retriable bool) collabError {
	return collabError{
		msg:       msg,
		retriable: retriable,
		errCode:   code,
	}
}

func (e collabError) code() int32 {
	return e.errCode
}

func (e collabError) Error() string {
	return e.msg
}

// Is 按错误码判断两个 collabError 是否等价。
func (e collabError) Is(err error) bool {
	cause, ok := err.(collabError)
	if ok {
		return e.errCode == cause.errCode
	}
	return false
}

type errorField struct {
	name  string
	value any
}

func value(name string, value any) errorField {
	return errorField{
		name:  name,
		value: value,
	}
}

func (f errorField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}
