// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors used across the engine. Handlers decide what to do with a
// failed relay by classifying the error, not by inspecting strings.
var (
	// ErrNotAuthorized is returned by the gate for users outside the
	// allow-set (or inside the block-set). Dropped silently, logged only.
	ErrNotAuthorized = errors.New("sender is not authorized")

	// ErrRateLimited is returned when a user exceeds the fixed-window
	// budget for an action. Surfaced to the sender as a notice.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrNotFound indicates a mapping references a topic or record that no
	// longer exists externally. Triggers the purge-and-recreate path.
	ErrNotFound = errors.New("not found")

	// ErrQueueFull is returned by a bounded queue with the reject policy.
	ErrQueueFull = errors.New("processing queue is full")

	// ErrAlreadyHandled is returned when a revoke references a
	// cross-reference that was already invalidated.
	ErrAlreadyHandled = errors.New("already handled")
)

// ConfigError is a startup-time configuration failure: missing or placeholder
// credentials. It is the only fatal error class; the engine refuses to
// initialize rather than run partially.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// TransientError wraps a network or platform-side failure that is safe to
// retry or drop without crashing the consumer.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. A nil err returns nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable: an explicit TransientError or
// a context deadline from a timed-out external call.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

// ConversionError wraps a media transform failure. The router falls back to
// an alternate representation instead of failing the relay.
type ConversionError struct {
	SourceMime string
	TargetMime string
	Err        error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s to %s: %v", e.SourceMime, e.TargetMime, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}
