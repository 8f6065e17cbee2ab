package relaysync

import (
	"context"
	"errors"
	"net"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrQueueFull      = errors.New("queue full")
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrClosed         = errors.New("engine closed")
	ErrNotImplemented = errors.New("not implemented")
	ErrUnknownKind    = errors.New("unknown event kind")
	ErrExpired        = errors.New("event expired")
)

// PermanentError marks a failure that can never succeed on retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent failure"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return err
	}
	return &PermanentError{Err: err}
}

// TemporaryError is implemented by collaborator errors that know their own retry class,
// e.g. source.HTTPError.
type TemporaryError interface {
	Temporary() bool
}

// IsRetryable reports whether err belongs to the transient class.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, ErrUnknownKind) || errors.Is(err, ErrExpired) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var temp TemporaryError
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}
