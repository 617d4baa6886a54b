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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case collabError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

// IsCollabError 判断给定错误是否为本项目定义的叶子错误。
func IsCollabError(err error) bool {
	_, ok := errors.Cause(err).(collabError)
	return ok
}

// IsRetryableErr 判断给定错误是否适合自动重试。
func IsRetryableErr(err error) bool {
	if err, ok := errors.Cause(err).(collabError); ok {
		return err.retriable
	}

	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

func wrapFields(err collabError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	return err
}

func wrapFieldsWithDesc(err collabError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	return err
}

// Connection related

func WrapErrConnectionClosed(reason string, msg ...string) error {
	err := wrapFields(ErrConnectionClosed, value("reason", reason))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrConnectionNotReady(state string, msg ...string) error {
	err := wrapFields(ErrConnectionNotReady, value("state", state))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrConnectionBlocked(retryAfter time.Duration, msg ...string) error {
	err := wrapFields(ErrConnectionBlocked, value("retryAfter", retryAfter))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrConnectionExhausted(attempts, maxAttempts int, msg ...string) error {
	err := wrapFields(ErrConnectionExhausted,
		value("attempts", attempts),
		value("maxAttempts", maxAttempts),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAuthFailed(code int, reason string, msg ...string) error {
	err := wrapFields(ErrAuthFailed, value("code", code), value("reason", reason))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrRateLimited(retryAfter time.Duration, msg ...string) error {
	err := wrapFields(ErrRateLimited, value("retryAfter", retryAfter))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Health related

func WrapErrHealthUnavailable(endpoint string, msg ...string) error {
	err := wrapFields(ErrHealthUnavailable, value("endpoint", endpoint))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrVersionMismatch(server, supported string, msg ...string) error {
	err := wrapFields(ErrVersionMismatch,
		value("server", server),
		value("supported", supported),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Session related

func WrapErrSessionNotFound(sessionID string, msg ...string) error {
	err := wrapFields(ErrSessionNotFound, value("sessionId", sessionID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Protocol related

func WrapErrMessageMalformed(desc string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrMessageMalformed, desc)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrMessageTypeUnknown(msgType string, msg ...string) error {
	err := wrapFields(ErrMessageTypeUnknown, value("type", msgType))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Syncer related

func WrapErrNotJoined(op string, msg ...string) error {
	err := wrapFields(ErrNotJoined, value("op", op))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAlreadyJoined(chatflowID string, msg ...string) error {
	err := wrapFields(ErrAlreadyJoined, value("chatflowId", chatflowID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}
