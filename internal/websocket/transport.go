package websocket

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/hubnet"
)

// Transport exposes a gorilla connection as the receive/write/close
// primitives consumed by the session loop.
//
// gorilla reassembles websocket frames and handles permessage-deflate
// itself, so fragments reported here are chunks of the message reader and
// OpCompressed is never set.
type Transport struct {
	client      *Client
	readTimeout time.Duration

	reader io.Reader
	opcode int
}

func newTransport(client *Client, readTimeout time.Duration) *Transport {
	return &Transport{client: client, readTimeout: readTimeout}
}

// Receive reads the next chunk of the current message into buf. A close
// frame from the peer is reported as an OpClose frame. Only the session
// goroutine may call Receive.
func (t *Transport) Receive(ctx context.Context, buf []byte) (hubnet.Frame, error) {
	conn := t.client.conn

	// Unblock the read when the shared cancellation signal fires.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if t.reader == nil {
		if t.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		}
		mt, r, err := conn.NextReader()
		if err != nil {
			return t.receiveError(err)
		}
		t.reader = r
		t.opcode = hubnet.OpBinary
		if mt == websocket.TextMessage {
			t.opcode = hubnet.OpText
		}
	}

	n, err := t.reader.Read(buf)
	switch {
	case errors.Is(err, io.EOF):
		t.reader = nil
		return hubnet.Frame{Opcode: t.opcode, EndOfMessage: true, Count: n}, nil
	case err != nil:
		t.reader = nil
		return t.receiveError(err)
	}
	return hubnet.Frame{Opcode: t.opcode, Count: n}, nil
}

func (t *Transport) receiveError(err error) (hubnet.Frame, error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
		// The peer sent a close frame; gorilla has already answered it.
		return hubnet.Frame{Opcode: hubnet.OpClose, EndOfMessage: true}, nil
	}
	return hubnet.Frame{}, err
}

// Write queues a complete message on the client's write pump.
func (t *Transport) Write(ctx context.Context, messageType int, data []byte) error {
	return t.client.enqueue(ctx, outbound{messageType: messageType, data: data})
}

// Close closes the connection with a websocket close code.
func (t *Transport) Close(ctx context.Context, code int, reason string) error {
	return t.client.CloseWithCode(ctx, code, reason)
}
