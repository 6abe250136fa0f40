package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/hubnet"
	"github.com/luciancaetano/hubnet/internal/hub"
	"github.com/luciancaetano/hubnet/internal/protocol"
)

const (
	// MinBufferSize is the floor for Config.BufferSize; sizes at or below it
	// are rejected.
	MinBufferSize = 100
	// DefaultBufferSize is the receive buffer size used when none is set.
	DefaultBufferSize = 2000000
)

// Config is shared by every session of a server.
type Config struct {
	BufferSize int
	Registry   *hub.Registry
	Resolver   *hub.Resolver
	Codec      *protocol.Codec
	Observer   hubnet.Observer
	Logger     *slog.Logger
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.BufferSize <= MinBufferSize {
		return fmt.Errorf("%w: %d", hubnet.ErrInvalidBufferSize, c.BufferSize)
	}
	if c.Registry == nil || c.Resolver == nil || c.Codec == nil {
		return errors.New("session: registry, resolver and codec are required")
	}
	return nil
}

// Session runs the message loop of one connection.
type Session struct {
	cfg       *Config
	transport hubnet.Transport
	client    hubnet.Client
	limiter   *rate.Limiter
	log       *slog.Logger

	// buf holds one message plus a guard byte used to detect overflow.
	buf []byte
}

// New creates a session for an accepted connection. limiter may be nil.
func New(cfg *Config, transport hubnet.Transport, client hubnet.Client, limiter *rate.Limiter) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:       cfg,
		transport: transport,
		client:    client,
		limiter:   limiter,
		log:       log.With("client_id", client.ID(), "remote_addr", client.RemoteAddr()),
		buf:       make([]byte, cfg.BufferSize+1),
	}
}

// Run fires the connected hook, reads and dispatches messages until the
// connection ends, then fires the disconnected hook. ctx is the shared
// cancellation signal.
//
// Run returns nil when the connection ended normally (close frame,
// cancellation, remote end gone) and the fatal error otherwise.
func (s *Session) Run(ctx context.Context) error {
	s.cfg.Observer.Connected(s.client)
	defer s.cfg.Observer.Disconnected(s.client)

	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, n, err := s.readMessage(ctx)
		if err != nil {
			return s.terminate(ctx, err)
		}
		if ctx.Err() != nil {
			return nil
		}
		if frame.IsClose() {
			s.log.Debug("close frame received")
			return nil
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.log.Warn("rate limit exceeded")
			s.report(hubnet.ErrRateLimited)
			s.transport.Close(context.Background(), websocket.ClosePolicyViolation, "Rate limit exceeded")
			return hubnet.ErrRateLimited
		}

		s.handle(ctx, s.buf[:n], frame)
	}
}

// readMessage receives fragments until the end of a message. The returned
// frame carries the opcode of the first fragment, since continuation
// fragments do not repeat the text and compression bits.
func (s *Session) readMessage(ctx context.Context) (hubnet.Frame, int, error) {
	var (
		first  hubnet.Frame
		cursor int
		seen   bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return hubnet.Frame{}, 0, err
		}

		frame, err := s.transport.Receive(ctx, s.buf[cursor:])
		if err != nil {
			return hubnet.Frame{}, 0, err
		}
		if frame.Count < 0 || frame.Count > len(s.buf)-cursor {
			return hubnet.Frame{}, 0, fmt.Errorf("transport reported %d bytes for a %d byte segment", frame.Count, len(s.buf)-cursor)
		}
		cursor += frame.Count

		if frame.IsClose() {
			return frame, 0, nil
		}
		if !seen {
			first, seen = frame, true
		}
		if cursor > s.cfg.BufferSize {
			return hubnet.Frame{}, 0, hubnet.ErrMessageTooLarge
		}
		if frame.EndOfMessage {
			return first, cursor, nil
		}
	}
}

// terminate decides how a receive failure ends the loop.
func (s *Session) terminate(ctx context.Context, err error) error {
	switch {
	case isCancellation(ctx, err):
		s.log.Debug("connection cancelled")
		return nil
	case errors.Is(err, hubnet.ErrMessageTooLarge):
		s.log.Warn("message too large", "limit", s.cfg.BufferSize)
		s.report(err)
		s.transport.Close(context.Background(), websocket.CloseMessageTooBig, "Message too large")
		return err
	case IsFatal(err):
		s.log.Warn("transport failed", "error", err)
		s.report(err)
		return err
	default:
		s.log.Debug("remote end gone", "error", err)
		return nil
	}
}

// handle decodes, resolves and dispatches one message. Every failure is
// reported and contained.
func (s *Session) handle(ctx context.Context, data []byte, frame hubnet.Frame) {
	msg, err := s.cfg.Codec.Decode(data, frame.IsText(), frame.IsCompressed())
	if err != nil {
		s.log.Debug("decode failed", "error", err)
		s.report(err)
		return
	}

	svc, ok := s.cfg.Registry.Lookup(msg.Hub)
	if !ok {
		err := fmt.Errorf("%w: %q", hubnet.ErrUnknownHub, msg.Hub)
		s.log.Debug("unknown hub", "hub", msg.Hub, "method", msg.Method)
		s.report(err)
		return
	}

	target := s.cfg.Resolver.Resolve(svc, msg.Method, msg.Arguments)
	if err := dispatch(hubnet.WithClient(ctx, s.client), svc, target, msg); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return
		}
		s.log.Debug("dispatch failed", "hub", msg.Hub, "method", msg.Method, "error", err)
		s.report(err)
	}
}

func (s *Session) report(err error) {
	s.cfg.Observer.Error(s.client, err)
}
