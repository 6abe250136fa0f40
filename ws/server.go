package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/luciancaetano/hubnet"
	"github.com/luciancaetano/hubnet/internal/hub"
	"github.com/luciancaetano/hubnet/internal/protocol"
	"github.com/luciancaetano/hubnet/internal/websocket"
)

type Server = websocket.Server
type ServerConfig = websocket.ServerConfig
type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn

// Table is an explicit member table for a hub, built with NewBuilder.
type Table = hub.Table
type Builder = hub.Builder
type Callable = hub.Callable
type Property = hub.Property

// Serializer converts messages to and from their wire form.
type Serializer = protocol.Serializer

// Option configures a ServerConfig.
type Option func(*ServerConfig)

// New creates a server hosting hubs behind a websocket endpoint.
//
// Example:
//
//	server, err := ws.New(ws.NewConfig(":8080",
//	    ws.WithCheckOrigin(ws.AllOrigins()),
//	    ws.WithObserver(hubnet.Observer{OnError: logErr}),
//	))
//	server.AddService(&Chat{})
//	server.Start(ctx)
func New(cfg *ServerConfig) (*Server, error) {
	return websocket.New(cfg)
}

// NewConfig returns a default configuration for addr with opts applied.
func NewConfig(addr string, opts ...Option) *ServerConfig {
	cfg := websocket.DefaultServerConfig(addr)
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithPath sets the websocket route.
func WithPath(path string) Option {
	return func(c *ServerConfig) { c.Path = path }
}

// WithBufferSize sets the largest accepted message in bytes. It must be
// greater than 100.
func WithBufferSize(size int) Option {
	return func(c *ServerConfig) { c.MessageBufferSize = size }
}

// WithCompression negotiates permessage-deflate and compresses outbound
// messages.
func WithCompression(enabled bool) Option {
	return func(c *ServerConfig) { c.CompressSentMessages = enabled }
}

func WithRateLimit(cfg *RateLimitConfig) Option {
	return func(c *ServerConfig) { c.RateLimitConfig = cfg }
}

func WithCheckOrigin(fn CheckOriginFn) Option {
	return func(c *ServerConfig) { c.CheckOrigin = fn }
}

func WithReadTimeout(d time.Duration) Option {
	return func(c *ServerConfig) { c.ReadTimeout = d }
}

// WithBaseContext sets the cancellation signal shared by all connections.
func WithBaseContext(ctx context.Context) Option {
	return func(c *ServerConfig) { c.BaseContext = ctx }
}

func WithObserver(o hubnet.Observer) Option {
	return func(c *ServerConfig) { c.Observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *ServerConfig) { c.Logger = l }
}

// WithSerializers replaces the text and binary serializers. A nil
// argument keeps the default.
func WithSerializers(text, binary Serializer) Option {
	return func(c *ServerConfig) {
		if text != nil {
			c.TextSerializer = text
		}
		if binary != nil {
			c.BinarySerializer = binary
		}
	}
}

// WithBinaryPush makes Send and Broadcast use the binary serializer.
func WithBinaryPush(enabled bool) Option {
	return func(c *ServerConfig) { c.SendBinary = enabled }
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}

// NewBuilder starts an explicit member table for a hub type.
func NewBuilder(typeName string) *Builder {
	return hub.NewBuilder(typeName)
}

func Func0[T any](fn func(ctx context.Context, target T) error) Callable {
	return hub.Func0(fn)
}

func Func1[T, A any](fn func(ctx context.Context, target T, a A) error) Callable {
	return hub.Func1(fn)
}

func Func2[T, A, B any](fn func(ctx context.Context, target T, a A, b B) error) Callable {
	return hub.Func2(fn)
}

func Func3[T, A, B, C any](fn func(ctx context.Context, target T, a A, b B, c C) error) Callable {
	return hub.Func3(fn)
}

// Setter builds a property whose value is assigned by set.
func Setter[T, V any](set func(target T, v V)) Property {
	return hub.Setter(set)
}

// Reflect builds a member table from the exported methods and fields of
// instance.
func Reflect(instance any) (*Table, error) {
	return hub.Reflect(instance)
}
