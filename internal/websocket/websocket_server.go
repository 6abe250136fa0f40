package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/hubnet"
	"github.com/luciancaetano/hubnet/internal/hub"
	"github.com/luciancaetano/hubnet/internal/protocol"
	"github.com/luciancaetano/hubnet/internal/session"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// ServerConfig holds every recognized server option.
type ServerConfig struct {
	Addr string
	// Path is the websocket route. Default "/ws".
	Path            string
	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn

	// MessageBufferSize is the largest message accepted, in bytes. It must
	// be greater than 100. Default 2,000,000.
	MessageBufferSize int
	// CompressSentMessages negotiates permessage-deflate and compresses
	// outbound messages.
	CompressSentMessages bool
	// ReadTimeout bounds the wait for the next message. Pongs extend it.
	ReadTimeout time.Duration

	// BaseContext is the cancellation signal shared by every connection.
	// Cancelling it ends all loops; Stop cancels it too.
	BaseContext context.Context

	// TextSerializer decodes text frames, BinarySerializer binary frames.
	// Defaults: JSON and CBOR.
	TextSerializer   protocol.Serializer
	BinarySerializer protocol.Serializer
	// SendBinary selects the binary serializer for Send and Broadcast.
	SendBinary bool

	Observer hubnet.Observer
	Logger   *slog.Logger
}

// RateLimitConfig defines rate limiting configuration for clients
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// DefaultServerConfig returns a configuration with every default filled in.
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:              addr,
		Path:              "/ws",
		RateLimitConfig:   DefaultRateLimitConfig(),
		MessageBufferSize: session.DefaultBufferSize,
		ReadTimeout:       60 * time.Second,
		BaseContext:       context.Background(),
	}
}

// Validate reports invalid option values.
func (c *ServerConfig) Validate() error {
	if c.MessageBufferSize <= session.MinBufferSize {
		return fmt.Errorf("%w: %d", hubnet.ErrInvalidBufferSize, c.MessageBufferSize)
	}
	if c.RateLimitConfig != nil && c.RateLimitConfig.Enabled && (c.RateLimitConfig.MessagesPerSecond <= 0 || c.RateLimitConfig.Burst <= 0) {
		return fmt.Errorf("rate limit: rate and burst must be positive")
	}
	return nil
}

// Server implements the WebsocketServer interface
type Server struct {
	cfg      *ServerConfig
	server   *http.Server
	clients  sync.Map // map[string]*Client
	registry *hub.Registry
	resolver *hub.Resolver
	codec    *protocol.Codec
	session  *session.Config
	log      *slog.Logger

	mu       sync.RWMutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
	upgrader websocket.Upgrader
}

// New creates a new WebSocket server instance with the specified configuration.
//
// Zero-valued fields of cfg take their defaults. An invalid configuration
// is returned as an error.
func New(cfg *ServerConfig) (*Server, error) {
	defaults := DefaultServerConfig(cfg.Addr)
	if cfg.Path == "" {
		cfg.Path = defaults.Path
	}
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = defaults.RateLimitConfig
	}
	if cfg.MessageBufferSize == 0 {
		cfg.MessageBufferSize = defaults.MessageBufferSize
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = defaults.BaseContext
	}
	if cfg.TextSerializer == nil {
		cfg.TextSerializer = protocol.JSON{}
	}
	if cfg.BinarySerializer == nil {
		bin, err := protocol.NewCBOR()
		if err != nil {
			return nil, err
		}
		cfg.BinarySerializer = bin
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		registry: hub.NewRegistry(),
		resolver: hub.NewResolver(),
		codec:    protocol.NewCodec(cfg.TextSerializer, cfg.BinarySerializer, cfg.SendBinary),
		log:      cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			CheckOrigin:       cfg.CheckOrigin,
			EnableCompression: cfg.CompressSentMessages,
		},
	}
	s.session = &session.Config{
		BufferSize: cfg.MessageBufferSize,
		Registry:   s.registry,
		Resolver:   s.resolver,
		Codec:      s.codec,
		Observer:   cfg.Observer,
		Logger:     cfg.Logger,
	}
	return s, nil
}

// AddService registers service under its type name.
func (s *Server) AddService(service any) error {
	return s.registry.Add(service)
}

// AddNamedService registers service under name.
func (s *Server) AddNamedService(name string, service any) error {
	return s.registry.AddNamed(name, service)
}

// AddTable registers service under name with an explicit member table.
func (s *Server) AddTable(name string, service any, table *hub.Table) error {
	return s.registry.AddTable(name, service, table)
}

// Handler freezes the registry and returns the websocket HTTP handler.
// Use it to mount the endpoint on an existing mux instead of calling Start.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepare()
	return http.HandlerFunc(s.handleWebSocket)
}

// prepare must be called with s.mu held. A context cancelled by Stop is
// replaced so the server can serve again.
func (s *Server) prepare() {
	s.registry.Freeze()
	if s.ctx == nil || s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(s.cfg.BaseContext)
	}
}

// Start starts the WebSocket server
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return hubnet.ErrServerAlreadyRunning
	}
	s.running = true
	s.prepare()
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)

	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: mux,
	}
	s.server = srv

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		// Reset running state without calling Stop to avoid deadlock
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		// Context cancelled, stop the server
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		// Server started successfully, no immediate errors
		s.log.Info("hubnet server started", "addr", s.cfg.Addr, "path", s.cfg.Path, "hubs", s.registry.Len())
		return nil
	}
}

// Stop cancels every connection loop, closes all clients and shuts the
// listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	// Close all client connections
	s.clients.Range(func(key, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			client.Close(ctx)
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if wasRunning && s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleWebSocket handles incoming WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Not a valid websocket request", http.StatusBadRequest)
		return
	}

	// Stop cancels under the write lock, so no session is added once it
	// has started waiting.
	s.mu.RLock()
	ctx := s.ctx
	if ctx == nil || ctx.Err() != nil {
		s.mu.RUnlock()
		http.Error(w, "Server is not accepting connections", http.StatusServiceUnavailable)
		return
	}
	s.sessions.Add(1)
	s.mu.RUnlock()

	header := http.Header{}
	header.Set("X-Content-Type-Options", "nosniff")
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade has already written the error response
		s.sessions.Done()
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, r.RemoteAddr, s.codec, s.cfg.CompressSentMessages, s.cfg.RateLimitConfig)
	s.clients.Store(client.ID(), client)

	go s.handleClient(ctx, client)
}

// handleClient runs the session loop of a connected client
func (s *Server) handleClient(ctx context.Context, client *Client) {
	defer s.sessions.Done()
	defer func() {
		s.clients.Delete(client.ID())
		client.Close(context.Background())
	}()

	// Set pong handler to reset read deadline on pong
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	s.log.Info("client connected", "client_id", client.ID(), "remote_addr", client.RemoteAddr())
	transport := newTransport(client, s.cfg.ReadTimeout)
	err := session.New(s.session, transport, client, client.rateLimiter).Run(ctx)
	s.log.Info("client disconnected", "client_id", client.ID(), "remote_addr", client.RemoteAddr(), "error", err)
}

// GetClient returns a client by ID
func (s *Server) GetClient(id string) (*Client, bool) {
	if client, ok := s.clients.Load(id); ok {
		return client.(*Client), true
	}
	return nil, false
}

// SendToClient pushes msg to a specific client
func (s *Server) SendToClient(ctx context.Context, clientID string, msg hubnet.Message) error {
	client, ok := s.GetClient(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", hubnet.ErrClientNotFound, clientID)
	}

	return client.Send(ctx, msg)
}

// Broadcast pushes msg to all connected clients. The message is encoded
// once.
func (s *Server) Broadcast(ctx context.Context, msg hubnet.Message) error {
	mt, data, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}
	s.clients.Range(func(key, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			if err := client.enqueue(ctx, outbound{messageType: mt, data: data}); err != nil {
				s.log.Debug("broadcast skipped client", "client_id", client.ID(), "error", err)
			}
		}
		return true
	})
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	n := 0
	s.clients.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

var _ hubnet.WebsocketServer = (*Server)(nil)
var _ hubnet.Client = (*Client)(nil)
var _ hubnet.Transport = (*Transport)(nil)
