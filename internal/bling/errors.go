package bling

import (
	"errors"
	"fmt"
)

var (
	// ErrRetriesExhausted is wrapped by APIError when a fetch hits its attempt ceiling.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrAccountNotFound means no credential row exists for the account.
	ErrAccountNotFound = errors.New("account not found")
	// ErrRateLimited means the token endpoint kept answering 429.
	ErrRateLimited = errors.New("rate limited")
)

// AuthError reports a failure to obtain an access token. Permanent errors
// need a manual re-authorization upstream before the account works again.
type AuthError struct {
	Account    string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("bling auth %s", e.Account)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Permanent {
		msg += " (reauthorization required)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError reports a failed entity fetch.
type APIError struct {
	Endpoint   Endpoint
	EntityID   int64
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("bling GET %s/%d", e.Endpoint, e.EntityID)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Err }

// IsPermanentAuth reports whether err carries a permanent AuthError.
func IsPermanentAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Permanent
}
