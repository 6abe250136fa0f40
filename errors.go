package hubnet

import (
	"errors"
	"fmt"
)

// Configuration errors
var (
	ErrInvalidBufferSize    = errors.New("message buffer size must be greater than 100 bytes")
	ErrNilService           = errors.New("service is nil")
	ErrEmptyHubName         = errors.New("hub name is empty")
	ErrDuplicateHub         = errors.New("hub already registered")
	ErrRegistryFrozen       = errors.New("registry is frozen")
	ErrServerAlreadyRunning = errors.New("server already running")
)

// Per-message errors. These are reported to the observer and the
// connection keeps reading.
var (
	ErrDecode         = errors.New("invalid message format")
	ErrUnknownHub     = errors.New("unknown hub")
	ErrMissingMember  = errors.New("missing member")
	ErrArgumentCount  = errors.New("wrong number of arguments")
	ErrArgumentType   = errors.New("argument type mismatch")
	ErrPropertyArity  = errors.New("property set takes exactly one argument")
	ErrHandlerPanic   = errors.New("handler panicked")
	ErrNotAddressable = errors.New("target is not addressable")
)

// Connection errors
var (
	ErrMessageTooLarge  = errors.New("message exceeds buffer size")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrConnectionClosed = errors.New("client connection is closed")
	ErrContextCancelled = errors.New("client context cancelled")
	ErrFailedToEncode   = errors.New("failed to encode message")
	ErrClientNotFound   = errors.New("client not found")
)

// MissingMemberError is reported when a hub has no method or property
// matching the requested name.
type MissingMemberError struct {
	Hub    string
	Member string
}

func (e *MissingMemberError) Error() string {
	return fmt.Sprintf("%s: %s.%s", ErrMissingMember, e.Hub, e.Member)
}

// Is matches ErrMissingMember.
func (e *MissingMemberError) Is(target error) bool {
	return target == ErrMissingMember
}

// InvocationError wraps a failure raised by a hub member, either returned,
// delivered through an asynchronous result or recovered from a panic.
type InvocationError struct {
	Hub    string
	Method string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s.%s: %v", e.Hub, e.Method, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }
