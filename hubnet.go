package hubnet

import "context"

// Opcode bits reported by a Transport for every received fragment.
const (
	// OpText marks a fragment of a UTF-8 text message.
	OpText = 0x01
	// OpBinary marks a fragment of a binary message.
	OpBinary = 0x02
	// OpClose marks a close frame from the remote end.
	OpClose = 0x08
	// OpCompressed is the RSV1 extension bit set on deflated payloads.
	OpCompressed = 0x40
)

// Frame describes the outcome of a single Transport.Receive call.
type Frame struct {
	// Opcode carries the OpText, OpBinary, OpClose and OpCompressed bits.
	Opcode int
	// EndOfMessage is true when the fragment is the last one of its message.
	EndOfMessage bool
	// Count is the number of bytes written into the receive buffer.
	Count int
}

// IsClose reports whether the remote end requested the connection to close.
func (f Frame) IsClose() bool { return f.Opcode&OpClose != 0 }

// IsText reports whether the message is text encoded.
func (f Frame) IsText() bool { return f.Opcode&OpText != 0 }

// IsCompressed reports whether the message payload is deflated.
func (f Frame) IsCompressed() bool { return f.Opcode&OpCompressed != 0 }

// Transport is the primitive duplex channel of an established connection.
//
// Receive fills buf with the next fragment of the current message and
// blocks until data arrives or ctx is cancelled. Write queues one complete
// message of the given websocket message type. Close terminates the
// channel with a websocket close code.
type Transport interface {
	Receive(ctx context.Context, buf []byte) (Frame, error)
	Write(ctx context.Context, messageType int, data []byte) error
	Close(ctx context.Context, code int, reason string) error
}

// Message is one decoded invocation: call Method on the service registered
// as Hub with Arguments.
//
// Wire form (JSON shown, CBOR uses the same keys):
//
//	{"hub": "Echo", "method": "ping", "arguments": ["hi"]}
type Message struct {
	Hub       string `json:"hub"`
	Method    string `json:"method"`
	Arguments []any  `json:"arguments,omitempty"`
}

type clientKey struct{}

// WithClient returns a copy of ctx carrying client.
func WithClient(ctx context.Context, client Client) context.Context {
	return context.WithValue(ctx, clientKey{}, client)
}

// ClientFromContext returns the client whose message is being handled.
// Hub methods taking a context.Context use it to address the caller.
func ClientFromContext(ctx context.Context) (Client, bool) {
	c, ok := ctx.Value(clientKey{}).(Client)
	return c, ok
}

// Awaiter is implemented by asynchronous handler results. The connection
// loop waits for Await to return before reading the next message.
type Awaiter interface {
	Await(ctx context.Context) error
}

// WebsocketServer hosts hubs behind a websocket endpoint.
//
// Example usage:
//
//	import "github.com/luciancaetano/hubnet/ws"
//
//	server, err := ws.New(ws.NewConfig(":8080", ws.WithCheckOrigin(ws.AllOrigins())))
//	server.AddService(&Echo{})
//	server.Start(ctx)
type WebsocketServer interface {
	// Start freezes the service registry and begins accepting connections.
	//
	// Returns an error if the server is already running or if there's a problem
	// binding to the network address.
	Start(ctx context.Context) error

	// Stop cancels every connection loop, closes all clients and shuts the
	// HTTP listener down.
	Stop(ctx context.Context) error

	// AddService registers service under its type name.
	//
	// Services must be registered before Start; the registry is read-only
	// while connections are served.
	AddService(service any) error

	// AddNamedService registers service under an explicit hub name.
	// Hub names are matched case-insensitively.
	AddNamedService(name string, service any) error

	// Broadcast pushes msg to every connected client.
	//
	// This is server-initiated traffic; the protocol has no replies.
	Broadcast(ctx context.Context, msg Message) error

	// ClientCount returns the number of connected clients.
	ClientCount() int
}

// Client represents a connected WebSocket client.
//
// Each client has a unique identifier and maintains its own connection state.
// The client's context is automatically cancelled when the connection closes.
type Client interface {
	// ID returns a unique identifier for the connected client.
	//
	// The ID is automatically generated when the client connects and remains
	// constant for the lifetime of the connection.
	ID() string

	// RemoteAddr returns the client's remote network address.
	RemoteAddr() string

	// Context returns the client's lifecycle context.
	//
	// This context is automatically cancelled when the connection closes.
	Context() context.Context

	// Send encodes msg with the configured serializer and queues it for
	// delivery.
	//
	// Returns an error if the connection is closed or the context is cancelled.
	Send(ctx context.Context, msg Message) error

	// Close closes the client connection gracefully.
	//
	// This is equivalent to calling CloseWithCode with websocket.CloseNormalClosure.
	Close(ctx context.Context) error

	// CloseWithCode closes the connection with a specific WebSocket close code and optional reason.
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive returns true if the connection is still active.
	IsAlive() bool
}

// Observer holds the connection lifecycle hooks. Nil hooks are no-ops.
//
// Hooks run on the connection's goroutine. A panicking hook is a bug in
// the caller and is not recovered.
type Observer struct {
	// OnConnected fires once, before the first receive.
	OnConnected func(client Client)
	// OnDisconnected fires exactly once, after the loop exits for any reason.
	OnDisconnected func(client Client)
	// OnError fires once per reported failure. By default errors are dropped.
	OnError func(client Client, err error)
}

// Connected fires OnConnected.
func (o Observer) Connected(client Client) {
	if o.OnConnected != nil {
		o.OnConnected(client)
	}
}

// Disconnected fires OnDisconnected.
func (o Observer) Disconnected(client Client) {
	if o.OnDisconnected != nil {
		o.OnDisconnected(client)
	}
}

// Error fires OnError.
func (o Observer) Error(client Client, err error) {
	if o.OnError != nil {
		o.OnError(client, err)
	}
}
