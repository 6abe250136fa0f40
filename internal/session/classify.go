package session

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

// IsFatal reports whether a transport error is worth reporting. The remote
// end going away is an ordinary way for a connection to end; anything
// else is treated as fatal.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return false
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived):
		return false
	}
	return true
}

// isCancellation reports whether err comes from the shared cancellation
// signal rather than from the transport.
func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled)
}
