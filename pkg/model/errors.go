package model

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a search folder or persisted row does not exist
	ErrNotFound = errors.New("not found")
	// ErrCorrupt is returned when persisted criteria cannot be decoded or a restriction tree is malformed
	ErrCorrupt = errors.New("corrupt search criteria")
	// ErrCollision is returned when criteria already exist where a fresh create was expected
	ErrCollision = errors.New("search folder already exists")
	// ErrCanceled is returned when a rebuild or blocking call was canceled
	ErrCanceled = errors.New("operation canceled")
	// ErrUnavailable is returned when the object store or the result database failed
	ErrUnavailable = errors.New("backend unavailable")
	// ErrInvalidArgument is returned for criteria that can never be evaluated
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrQueueFull is returned when a change event was dropped because the event queue is at capacity
	ErrQueueFull = errors.New("event queue full")
	// ErrClosed is returned after the service has been stopped
	ErrClosed = errors.New("search folders closed")
)

// WrapError wraps storage errors to model errors.
// It converts context.Canceled and context.DeadlineExceeded to ErrCanceled.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return ErrCanceled
	}
	return err
}

// IsCanceled returns true if the error is due to context cancellation or deadline exceeded.
// It checks both direct context errors and wrapped errors (e.g., from MongoDB driver).
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrCanceled) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "context canceled") || strings.Contains(errStr, "context deadline exceeded")
}
