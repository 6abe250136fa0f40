// Package hubnet hosts named hubs behind a websocket endpoint and lets
// clients invoke their methods or set their properties by name.
//
// A client sends a message naming a hub, a member and positional arguments.
// The server resolves the member once per (hub, method) pair, converts the
// arguments and calls it. The protocol is one-way: nothing is sent back for
// a call. Servers push their own traffic with Client.Send and Broadcast.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/hubnet"
//	    "github.com/luciancaetano/hubnet/ws"
//	)
//
//	type Chat struct{ Room string }
//
//	func (c *Chat) Say(ctx context.Context, user, text string) error { ... }
//
//	server, err := ws.New(ws.NewConfig(":8080",
//	    ws.WithCheckOrigin(ws.AllOrigins()),
//	    ws.WithObserver(hubnet.Observer{
//	        OnError: func(c hubnet.Client, err error) { slog.Warn("hub error", "error", err) },
//	    }),
//	))
//	server.AddService(&Chat{})
//	server.Start(ctx)
//
// # Message Format
//
// Text frames carry JSON, binary frames carry CBOR:
//
//	{"hub": "chat", "method": "say", "arguments": ["ana", "hello"]}
//
// Hub and member names are matched case-insensitively. A binary frame may
// also carry the compressed bit (0x40), in which case the payload is
// deflated before decoding.
//
// # Resolution
//
// Among the members with a matching name, overloads are narrowed by
// argument count and then, when no argument is null, by exact argument
// type. A single survivor is called. With no method left, a property of
// that name is set from the only argument. The name lookup, including a
// failed one, is cached for the lifetime of the server; choosing among
// overloads happens on every call.
//
// Hubs are described either by reflection (AddService, AddNamedService) or
// by an explicit table built with ws.NewBuilder.
//
// # Errors
//
// Decode failures, unknown hubs or members, argument mismatches and errors
// or panics raised by a handler are reported to Observer.OnError and the
// connection keeps going. A message larger than the buffer (close 1009),
// an exceeded rate limit (close 1008) and transport failures end the
// connection. Cancellation and a vanished peer end it silently.
//
// # Ordering
//
// Messages of one connection are handled one at a time, in arrival order.
// A handler that returns an Awaiter or a chan error delays the next read
// until it completes.
package hubnet
