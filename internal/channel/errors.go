package channel

import (
	"errors"
	"fmt"
)

var (
	ErrConnectFailed    = errors.New("connect failed")
	ErrParseFailed      = errors.New("malformed frame")
	ErrNotReady         = errors.New("connection not ready")
	ErrEmptyMessage     = errors.New("empty message")
	ErrSendFailed       = errors.New("send failed")
	ErrAbnormalClosure  = errors.New("connection lost")
	ErrAuthDenied       = errors.New("authentication failed")
	ErrForbidden        = errors.New("not authorized to access this session")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrClosed           = errors.New("channel closed")
)

// Error is a channel failure. Kind is one of the sentinels above; Code is the
// websocket close code when one was received.
type Error struct {
	Kind error
	Code int
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Recoverable reports whether the channel will try again on its own.
func Recoverable(err error) bool {
	return errors.Is(err, ErrAbnormalClosure) || errors.Is(err, ErrConnectFailed)
}
