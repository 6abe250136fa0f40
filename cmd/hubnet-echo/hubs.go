package main

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/luciancaetano/hubnet"
	"github.com/luciancaetano/hubnet/ws"
)

var errNoCaller = errors.New("no calling client")

// Echo sends every text back to its caller, prefixed.
type Echo struct {
	mu     sync.RWMutex
	prefix string
}

func (e *Echo) echo(ctx context.Context, text string) error {
	client, ok := hubnet.ClientFromContext(ctx)
	if !ok {
		return errNoCaller
	}
	e.mu.RLock()
	prefix := e.prefix
	e.mu.RUnlock()
	return client.Send(ctx, hubnet.Message{Hub: "echo", Method: "echoed", Arguments: []any{prefix + text}})
}

func (e *Echo) setPrefix(prefix string) {
	e.mu.Lock()
	e.prefix = prefix
	e.mu.Unlock()
}

// echoTable declares the Echo hub explicitly: "echo" with one or two
// texts, and a settable "prefix".
func echoTable() (*ws.Table, error) {
	return ws.NewBuilder("Echo").
		Method("Echo", ws.Func1(func(ctx context.Context, e *Echo, text string) error {
			return e.echo(ctx, text)
		})).
		Method("Echo", ws.Func2(func(ctx context.Context, e *Echo, a, b string) error {
			return e.echo(ctx, a+" "+b)
		})).
		Property("Prefix", ws.Setter((*Echo).setPrefix)).
		Build()
}

type chatUser struct {
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Chat is a single room. Its members are discovered by reflection.
type Chat struct {
	server *ws.Server
	mu     sync.RWMutex
	users  map[string]*chatUser
}

func NewChat() *Chat {
	return &Chat{users: make(map[string]*chatUser)}
}

// Join names the caller and announces it to the room.
func (c *Chat) Join(ctx context.Context, name string) error {
	client, ok := hubnet.ClientFromContext(ctx)
	if !ok {
		return errNoCaller
	}
	c.mu.Lock()
	c.users[client.ID()] = &chatUser{Name: name, JoinedAt: time.Now()}
	c.mu.Unlock()

	slog.Info("user joined", "client_id", client.ID(), "name", name)
	return c.server.Broadcast(ctx, hubnet.Message{Hub: "chat", Method: "joined", Arguments: []any{name}})
}

// Say relays text to everyone, attributed to the caller.
func (c *Chat) Say(ctx context.Context, text string) error {
	client, ok := hubnet.ClientFromContext(ctx)
	if !ok {
		return errNoCaller
	}
	c.mu.RLock()
	user, joined := c.users[client.ID()]
	c.mu.RUnlock()

	name := "Guest_" + client.ID()[:8]
	if joined {
		name = user.Name
	}
	return c.server.Broadcast(ctx, hubnet.Message{Hub: "chat", Method: "message", Arguments: []any{name, text}})
}

// Users sends the sorted list of joined names to the caller.
func (c *Chat) Users(ctx context.Context) error {
	client, ok := hubnet.ClientFromContext(ctx)
	if !ok {
		return errNoCaller
	}
	c.mu.RLock()
	names := make([]any, 0, len(c.users))
	for _, u := range c.users {
		names = append(names, u.Name)
	}
	c.mu.RUnlock()

	sort.Slice(names, func(i, j int) bool { return names[i].(string) < names[j].(string) })
	return client.Send(ctx, hubnet.Message{Hub: "chat", Method: "users", Arguments: names})
}

// leave is not exported so clients cannot call it.
func (c *Chat) leave(client hubnet.Client) {
	c.mu.Lock()
	user, ok := c.users[client.ID()]
	delete(c.users, client.ID())
	c.mu.Unlock()

	if ok {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.server.Broadcast(ctx, hubnet.Message{Hub: "chat", Method: "left", Arguments: []any{user.Name}})
	}
}
