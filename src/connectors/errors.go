package connectors

import "fmt"

// AuthError reports a failed upstream authentication. It is fatal at
// startup: the process logs it and exits non-zero.
type AuthError struct {
	Service string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication with %s failed: %v", e.Service, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectError reports a failed connection or subscription attempt. The
// supervisor schedules a backoff retry.
type ConnectError struct {
	Resource string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Resource, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// StreamInterruptedError reports a network fault on an open stream. The
// stream never swallows the break: the last known cursor is carried so the
// supervisor can resume from it after backoff.
type StreamInterruptedError struct {
	Resource   string
	LastCursor string
	Err        error
}

func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("stream %s interrupted at cursor %q: %v", e.Resource, e.LastCursor, e.Err)
}

func (e *StreamInterruptedError) Unwrap() error { return e.Err }

// PublishError reports a failed sink publish. Temporary errors are retried
// with backoff; permanent ones mean the payload was rejected and the event
// is dropped with an alert.
type PublishError struct {
	Sink      string
	Temporary bool
	Err       error
}

func (e *PublishError) Error() string {
	k := "permanent"
	if e.Temporary {
		k = "transient"
	}
	return fmt.Sprintf("publish to %s failed (%s): %v", e.Sink, k, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Transient builds a retryable publish error.
func Transient(sink string, err error) *PublishError {
	return &PublishError{Sink: sink, Temporary: true, Err: err}
}

// Permanent builds a non-retryable publish error.
func Permanent(sink string, err error) *PublishError {
	return &PublishError{Sink: sink, Temporary: false, Err: err}
}
