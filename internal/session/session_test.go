package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/hubnet"
	"github.com/luciancaetano/hubnet/internal/hub"
	"github.com/luciancaetano/hubnet/internal/protocol"
)

// step is one scripted Receive result. before runs ahead of delivery.
type step struct {
	data   []byte
	opcode int
	eom    bool
	err    error
	before func()
}

// fakeTransport replays steps and then blocks until ctx is cancelled.
type fakeTransport struct {
	mu        sync.Mutex
	steps     []step
	pending   []byte
	pendingOp int
	receives  int
	closeCode int
	written   [][]byte
}

func (f *fakeTransport) Receive(ctx context.Context, buf []byte) (hubnet.Frame, error) {
	f.mu.Lock()
	f.receives++

	// deliver leftovers of a fragment larger than the buffer segment
	if len(f.pending) > 0 {
		n := copy(buf, f.pending)
		f.pending = f.pending[n:]
		op := f.pendingOp
		f.mu.Unlock()
		return hubnet.Frame{Opcode: op, EndOfMessage: len(f.pending) == 0, Count: n}, nil
	}

	if len(f.steps) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return hubnet.Frame{}, ctx.Err()
	}
	st := f.steps[0]
	f.steps = f.steps[1:]
	f.mu.Unlock()

	if st.before != nil {
		st.before()
	}
	if st.err != nil {
		return hubnet.Frame{}, st.err
	}

	n := copy(buf, st.data)
	if n < len(st.data) {
		f.mu.Lock()
		f.pending = st.data[n:]
		f.pendingOp = st.opcode
		f.mu.Unlock()
		return hubnet.Frame{Opcode: st.opcode, Count: n}, nil
	}
	return hubnet.Frame{Opcode: st.opcode, EndOfMessage: st.eom, Count: n}, nil
}

func (f *fakeTransport) Write(ctx context.Context, messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeTransport) Close(ctx context.Context, code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCode = code
	return nil
}

type fakeClient struct{}

func (fakeClient) ID() string                                         { return "client-1" }
func (fakeClient) RemoteAddr() string                                 { return "127.0.0.1:9999" }
func (fakeClient) Context() context.Context                           { return context.Background() }
func (fakeClient) Send(ctx context.Context, msg hubnet.Message) error { return nil }
func (fakeClient) Close(ctx context.Context) error                    { return nil }
func (fakeClient) CloseWithCode(ctx context.Context, code int, reason string) error {
	return nil
}
func (fakeClient) IsAlive() bool { return true }

type Echo struct {
	mu    sync.Mutex
	calls []string
	Topic string
}

func (e *Echo) record(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, s)
}

func (e *Echo) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *Echo) Ping(arg string) { e.record("ping:" + arg) }

func (e *Echo) Whoami(ctx context.Context) {
	if c, ok := hubnet.ClientFromContext(ctx); ok {
		e.record("caller:" + c.ID())
	}
}

func (e *Echo) Fail() error { return errors.New("handler failed") }

func (e *Echo) Explode() { panic("exploded") }

func (e *Echo) Slow(arg string) hubnet.Awaiter {
	return awaitFunc(func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		e.record("slow:" + arg)
		return nil
	})
}

func (e *Echo) SlowFail() <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- errors.New("async failure") }()
	return ch
}

type awaitFunc func(ctx context.Context) error

func (f awaitFunc) Await(ctx context.Context) error { return f(ctx) }

// recorder collects observer calls.
type recorder struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	errs         []error
}

func (r *recorder) observer() hubnet.Observer {
	return hubnet.Observer{
		OnConnected: func(hubnet.Client) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected++
		},
		OnDisconnected: func(hubnet.Client) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnected++
		},
		OnError: func(_ hubnet.Client, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

type harness struct {
	echo      *Echo
	rec       *recorder
	cfg       *Config
	transport *fakeTransport
}

func newHarness(t *testing.T, bufferSize int, steps ...step) *harness {
	t.Helper()

	echo := &Echo{}
	reg := hub.NewRegistry()
	require.NoError(t, reg.Add(echo))
	reg.Freeze()

	bin, err := protocol.NewCBOR()
	require.NoError(t, err)

	rec := &recorder{}
	cfg := &Config{
		BufferSize: bufferSize,
		Registry:   reg,
		Resolver:   hub.NewResolver(),
		Codec:      protocol.NewCodec(protocol.JSON{}, bin, false),
		Observer:   rec.observer(),
	}
	require.NoError(t, cfg.Validate())

	return &harness{echo: echo, rec: rec, cfg: cfg, transport: &fakeTransport{steps: steps}}
}

func (h *harness) run(ctx context.Context, limiter *rate.Limiter) error {
	return New(h.cfg, h.transport, fakeClient{}, limiter).Run(ctx)
}

func text(s string) step {
	return step{data: []byte(s), opcode: hubnet.OpText, eom: true}
}

func call(method string, args ...string) step {
	quoted := ""
	for i, a := range args {
		if i > 0 {
			quoted += ","
		}
		quoted += fmt.Sprintf("%q", a)
	}
	return text(fmt.Sprintf(`{"hub":"Echo","method":%q,"arguments":[%s]}`, method, quoted))
}

func closeFrame() step {
	return step{opcode: hubnet.OpClose, eom: true}
}

// TestRunCaseInsensitiveDispatch tests that "ping" reaches Ping
func TestRunCaseInsensitiveDispatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultBufferSize, call("ping", "hi"), closeFrame())
	require.NoError(t, h.run(context.Background(), nil))

	assert.Equal(t, []string{"ping:hi"}, h.echo.Calls())
	assert.Empty(t, h.rec.errors())
	assert.Equal(t, 1, h.rec.connected)
	assert.Equal(t, 1, h.rec.disconnected)
}

func TestRunHandlerSeesCaller(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultBufferSize, call("whoami"), closeFrame())
	require.NoError(t, h.run(context.Background(), nil))

	assert.Equal(t, []string{"caller:client-1"}, h.echo.Calls())
}

// TestRunFragmentedMessage tests reassembly across fragments
func TestRunFragmentedMessage(t *testing.T) {
	t.Parallel()

	payload := `{"hub":"Echo","method":"Ping","arguments":["fragmented"]}`
	h := newHarness(t, DefaultBufferSize,
		step{data: []byte(payload[:10]), opcode: hubnet.OpText},
		step{data: nil, opcode: hubnet.OpText},
		step{data: []byte(payload[10:30]), opcode: 0},
		step{data: []byte(payload[30:]), opcode: 0, eom: true},
		call("ping", "next"),
		closeFrame(),
	)
	require.NoError(t, h.run(context.Background(), nil))

	assert.Equal(t, []string{"ping:fragmented", "ping:next"}, h.echo.Calls())
	assert.Empty(t, h.rec.errors())
}

// TestRunMessageFillsBuffer tests a message exactly as large as the buffer
func TestRunMessageFillsBuffer(t *testing.T) {
	t.Parallel()

	arg := strings.Repeat("x", 100)
	payload := `{"hub":"Echo","method":"Ping","arguments":["` + arg + `"]}`
	h := newHarness(t, len(payload), text(payload), call("ping", "y"), closeFrame())
	require.NoError(t, h.run(context.Background(), nil))

	assert.Equal(t, []string{"ping:" + arg, "ping:y"}, h.echo.Calls())
	assert.Empty(t, h.rec.errors())
}

// TestRunCompressedMessage tests that deflated payloads dispatch like plain ones
func TestRunCompressedMessage(t *testing.T) {
	t.Parallel()

	deflated, err := protocol.Deflate([]byte(`{"hub":"Echo","method":"Ping","arguments":["zipped"]}`))
	require.NoError(t, err)

	h := newHarness(t, DefaultBufferSize,
		step{data: deflated, opcode: hubnet.OpText | hubnet.OpCompressed, eom: true},
		call("Ping", "plain"),
		closeFrame(),
	)
	require.NoError(t, h.run(context.Background(), nil))

	assert.Equal(t, []string{"ping:zipped", "ping:plain"}, h.echo.Calls())
	assert.Empty(t, h.rec.errors())
}

// TestRunContainedErrors tests that per-message failures are reported once and the loop continues
func TestRunContainedErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		bad     step
		wantErr error
	}{
		{name: "unknown hub", bad: text(`{"hub":"Missing","method":"Ping","arguments":["x"]}`), wantErr: hubnet.ErrUnknownHub},
		{name: "unknown method", bad: call("pong", "x"), wantErr: hubnet.ErrMissingMember},
		{name: "malformed payload", bad: text(`{"hub":`), wantErr: hubnet.ErrDecode},
		{name: "handler error", bad: call("Fail"), wantErr: nil},
		{name: "handler panic", bad: call("Explode"), wantErr: hubnet.ErrHandlerPanic},
		{name: "async failure", bad: call("SlowFail"), wantErr: nil},
		{name: "wrong argument count", bad: call("Ping", "a", "b"), wantErr: hubnet.ErrArgumentCount},
		{name: "property with two values", bad: call("topic", "a", "b"), wantErr: hubnet.ErrPropertyArity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, DefaultBufferSize, tt.bad, call("ping", "after"), closeFrame())
			require.NoError(t, h.run(context.Background(), nil))

			errs := h.rec.errors()
			require.Len(t, errs, 1)
			if tt.wantErr != nil {
				assert.ErrorIs(t, errs[0], tt.wantErr)
			}
			assert.Equal(t, []string{"ping:after"}, h.echo.Calls())
			assert.Equal(t, 1, h.rec.disconnected)
		})
	}
}

// TestRunHandlerErrorType tests the reported error for a failing handler
func TestRunHandlerErrorType(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultBufferSize, call("fail"), closeFrame())
	require.NoError(t, h.run(context.Background(), nil))

	errs := h.rec.errors()
	require.Len(t, errs, 1)
	var invErr *hubnet.InvocationError
	require.ErrorAs(t, errs[0], &invErr)
	assert.Equal(t, "Echo", invErr.Hub)
	assert.Equal(t, "Fail", invErr.Method)
	assert.EqualError(t, invErr.Err, "handler failed")
}

// TestRunPropertySet tests the property fallback through the loop
func TestRunPropertySet(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultBufferSize, call("topic", "news"), closeFrame())
	require.NoError(t, h.run(context.Background(), nil))

	assert.Empty(t, h.rec.errors())
	assert.Equal(t, "news", h.echo.Topic)
}

// TestRunAwaitsAsyncResults tests that invocations never overlap
func TestRunAwaitsAsyncResults(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultBufferSize, call("slow", "first"), call("ping", "second"), closeFrame())
	require.NoError(t, h.run(context.Background(), nil))

	assert.Equal(t, []string{"slow:first", "ping:second"}, h.echo.Calls())
}

// TestRunCloseFrame tests that a close frame ends the loop silently
func TestRunCloseFrame(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultBufferSize, closeFrame(), call("ping", "never"))
	require.NoError(t, h.run(context.Background(), nil))

	assert.Empty(t, h.echo.Calls())
	assert.Empty(t, h.rec.errors())
	assert.Equal(t, 1, h.rec.disconnected)
}

// TestRunCancellation tests cancellation between two receives
func TestRunCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := call("ping", "one")
	second := call("ping", "two")
	second.before = cancel

	h := newHarness(t, DefaultBufferSize, first, second)
	require.NoError(t, h.run(ctx, nil))

	assert.Equal(t, []string{"ping:one"}, h.echo.Calls())
	assert.Empty(t, h.rec.errors())
	assert.Equal(t, 1, h.rec.disconnected)
}

// TestRunCancellationWhileBlocked tests cancellation of a pending receive
func TestRunCancellationWhileBlocked(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, DefaultBufferSize, call("ping", "one"))

	done := make(chan error, 1)
	go func() { done <- h.run(ctx, nil) }()

	require.Eventually(t, func() bool { return len(h.echo.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after cancellation")
	}
	assert.Empty(t, h.rec.errors())
	assert.Equal(t, 1, h.rec.disconnected)
}

// TestRunAlreadyCancelled tests that no receive happens after cancellation
func TestRunAlreadyCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := newHarness(t, DefaultBufferSize, call("ping", "one"))
	require.NoError(t, h.run(ctx, nil))

	assert.Zero(t, h.transport.receives)
	assert.Equal(t, 1, h.rec.connected)
	assert.Equal(t, 1, h.rec.disconnected)
}

// TestRunTransportErrors tests classification of receive failures
func TestRunTransportErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantFatal bool
	}{
		{name: "connection reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), wantFatal: false},
		{name: "eof", err: io.EOF, wantFatal: false},
		{name: "closed conn", err: net.ErrClosed, wantFatal: false},
		{name: "going away", err: &websocket.CloseError{Code: websocket.CloseGoingAway}, wantFatal: false},
		{name: "cancelled", err: context.Canceled, wantFatal: false},
		{name: "unknown", err: errors.New("kaboom"), wantFatal: true},
		{name: "protocol error", err: &websocket.CloseError{Code: websocket.CloseProtocolError}, wantFatal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, DefaultBufferSize, call("ping", "before"), step{err: tt.err})
			err := h.run(context.Background(), nil)

			assert.Equal(t, []string{"ping:before"}, h.echo.Calls())
			assert.Equal(t, 1, h.rec.disconnected)
			if tt.wantFatal {
				assert.ErrorIs(t, err, tt.err)
				require.Len(t, h.rec.errors(), 1)
				assert.ErrorIs(t, h.rec.errors()[0], tt.err)
				return
			}
			assert.NoError(t, err)
			assert.Empty(t, h.rec.errors())
		})
	}
}

// TestRunMessageTooLarge tests that an oversized message fails the connection
func TestRunMessageTooLarge(t *testing.T) {
	t.Parallel()

	big := `{"hub":"Echo","method":"Ping","arguments":["` + string(make([]byte, 200)) + `"]}`
	h := newHarness(t, 128,
		step{data: []byte(big[:100]), opcode: hubnet.OpText},
		step{data: []byte(big[100:]), opcode: 0, eom: true},
		call("ping", "never"),
	)
	err := h.run(context.Background(), nil)

	assert.ErrorIs(t, err, hubnet.ErrMessageTooLarge)
	require.Len(t, h.rec.errors(), 1)
	assert.ErrorIs(t, h.rec.errors()[0], hubnet.ErrMessageTooLarge)
	assert.Equal(t, websocket.CloseMessageTooBig, h.transport.closeCode)
	assert.Empty(t, h.echo.Calls())
	assert.Equal(t, 1, h.rec.disconnected)
}

// TestRunRateLimited tests the per-connection limiter
func TestRunRateLimited(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultBufferSize, call("ping", "one"), call("ping", "two"))
	err := h.run(context.Background(), rate.NewLimiter(rate.Every(time.Hour), 1))

	assert.ErrorIs(t, err, hubnet.ErrRateLimited)
	assert.Equal(t, []string{"ping:one"}, h.echo.Calls())
	require.Len(t, h.rec.errors(), 1)
	assert.Equal(t, websocket.ClosePolicyViolation, h.transport.closeCode)
}

// TestRunObserverDefaults tests that a zero Observer is safe
func TestRunObserverDefaults(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultBufferSize, call("nope"), closeFrame())
	h.cfg.Observer = hubnet.Observer{}
	assert.NoError(t, h.run(context.Background(), nil))
}

// TestConfigValidate tests the buffer size floor
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultBufferSize)

	cfg := *h.cfg
	cfg.BufferSize = MinBufferSize
	assert.ErrorIs(t, cfg.Validate(), hubnet.ErrInvalidBufferSize)

	cfg.BufferSize = MinBufferSize + 1
	assert.NoError(t, cfg.Validate())

	cfg.Codec = nil
	assert.Error(t, cfg.Validate())
}

// TestIsFatal tests the transport error classifier
func TestIsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "reset", err: syscall.ECONNRESET, want: false},
		{name: "aborted", err: &net.OpError{Op: "read", Err: syscall.ECONNABORTED}, want: false},
		{name: "broken pipe", err: fmt.Errorf("write: %w", syscall.EPIPE), want: false},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: false},
		{name: "abnormal closure", err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, want: false},
		{name: "normal closure", err: &websocket.CloseError{Code: websocket.CloseNormalClosure}, want: false},
		{name: "policy violation", err: &websocket.CloseError{Code: websocket.ClosePolicyViolation}, want: true},
		{name: "timeout", err: &net.OpError{Op: "read", Err: errors.New("i/o timeout")}, want: true},
		{name: "other", err: errors.New("boom"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}
