package completion

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a completion failure.
type Kind int

const (
	// KindCompletion covers transport, HTTP, decoding and empty-reply
	// failures.
	KindCompletion Kind = iota + 1
	// KindTimeout means no complete reply arrived within the timeout.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindCompletion:
		return "completion_error"
	default:
		return "unknown"
	}
}

var (
	// ErrTimeout matches any *Error of KindTimeout via errors.Is.
	ErrTimeout = errors.New("completion: timed out")

	// ErrCompletion matches any *Error of KindCompletion via errors.Is.
	ErrCompletion = errors.New("completion: request failed")

	errEmptyReply = errors.New("empty reply")
	errTruncated  = errors.New("stream ended without a finish reason")
)

// Error is the typed failure returned by Client. Err carries the underlying
// cause for logging; it is never shown to chat users.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "completion: " + e.Kind.String()
	}
	return fmt.Sprintf("completion: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the package sentinels by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrCompletion:
		return e.Kind == KindCompletion
	}
	return false
}

// classify wraps err into an *Error. callCtx is the context bounded by the
// completion timeout; a deadline on it, or a network timeout, is a timeout.
func classify(callCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindCompletion, Err: err}
}
