package credentials

import (
	"errors"
	"fmt"
)

var (
	ErrExpired       = errors.New("session expired")
	ErrInvalid       = errors.New("session invalid")
	ErrRefreshFailed = errors.New("credential refresh failed")
)

// AuthError carries one of ErrExpired, ErrInvalid or ErrRefreshFailed as Kind
// and the underlying failure as Err.
type AuthError struct {
	Kind error
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
