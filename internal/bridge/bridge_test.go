package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shhac/grotto-bridge/internal/logging"
	"github.com/shhac/grotto-bridge/internal/registry"
	"github.com/shhac/grotto-bridge/internal/testutil"
)

const frameTimeout = 5 * time.Second

var errPeerGone = errors.New("peer gone")

// memTunnel is an in-memory Tunnel. The test plays the client through
// send, next and hangup.
type memTunnel struct {
	in  chan []byte
	out chan []byte

	closed    chan struct{}
	closeOnce sync.Once
	gone      chan struct{}
	goneOnce  sync.Once

	mu     sync.Mutex
	reason string
}

func newMemTunnel() *memTunnel {
	return &memTunnel{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
		gone:   make(chan struct{}),
	}
}

func (m *memTunnel) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-m.gone:
		return nil, errPeerGone
	case <-m.closed:
		return nil, errors.New("tunnel closed")
	default:
	}
	select {
	case f := <-m.in:
		return f, nil
	case <-m.gone:
		return nil, errPeerGone
	case <-m.closed:
		return nil, errors.New("tunnel closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *memTunnel) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case <-m.gone:
		return errPeerGone
	case <-m.closed:
		return errors.New("tunnel closed")
	default:
	}
	select {
	case m.out <- append([]byte(nil), frame...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memTunnel) Close(reason string) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.reason = reason
		m.mu.Unlock()
		close(m.closed)
	})
	return nil
}

func (m *memTunnel) hangup() { m.goneOnce.Do(func() { close(m.gone) }) }

func (m *memTunnel) send(frame string) { m.in <- []byte(frame) }

func (m *memTunnel) next(t *testing.T) string {
	t.Helper()
	select {
	case f := <-m.out:
		return string(f)
	case <-time.After(frameTimeout):
		t.Fatal("timed out waiting for a frame")
		return ""
	}
}

// nextTyped reads the next frame as a typed error or system frame.
func (m *memTunnel) nextTyped(t *testing.T) typedFrame {
	t.Helper()
	var f typedFrame
	raw := m.next(t)
	require.NoError(t, json.Unmarshal([]byte(raw), &f), raw)
	require.NotEmpty(t, f.Type, "not a typed frame: %s", raw)
	return f
}

func (m *memTunnel) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-m.closed:
	case <-time.After(frameTimeout):
		t.Fatal("tunnel was not closed")
	}
}

func (m *memTunnel) requireNoFrame(t *testing.T) {
	t.Helper()
	select {
	case f := <-m.out:
		t.Fatalf("unexpected frame: %s", f)
	default:
	}
}

type fixture struct {
	target  *testutil.Target
	manager *Manager
}

func newFixture(t *testing.T, cfg ManagerConfig) *fixture {
	t.Helper()
	target := testutil.StartTarget(t)

	reg := registry.New(logging.NewNopLogger())
	_, err := reg.Register(context.Background(), testutil.Sources())
	require.NoError(t, err)

	if cfg.Session.DialTimeout == 0 {
		cfg.Session.DialTimeout = 5 * time.Second
	}
	return &fixture{target: target, manager: NewManager(reg, cfg, logging.NewNopLogger())}
}

// open starts a session on a fresh tunnel. Serve's completion is reported
// on the returned channel.
func (f *fixture) open(t *testing.T) (*memTunnel, <-chan struct{}) {
	t.Helper()
	tun := newMemTunnel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.manager.Serve(context.Background(), tun)
	}()
	t.Cleanup(func() {
		tun.hangup()
		<-done
	})
	return tun, done
}

// init sends the init frame and consumes the connected notice.
func (f *fixture) init(t *testing.T, tun *memTunnel, method string) {
	t.Helper()
	tun.send(`{"target":"` + f.target.Addr + `","service":"` + testutil.StubService + `","method":"` + method + `"}`)
	notice := tun.nextTyped(t)
	require.Equal(t, "system", notice.Type, notice.Content)
	assert.Equal(t, "connected to "+f.target.Addr, notice.Content)
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(frameTimeout):
		t.Fatal("session did not finish")
	}
}

func TestSession_UnaryEcho(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	tun, done := f.open(t)
	f.init(t, tun, "Echo")

	tun.send(`{"msg":"hi"}`)
	assert.JSONEq(t, `{"msg":"hi"}`, tun.next(t))

	tun.waitClosed(t)
	waitDone(t, done)
	tun.requireNoFrame(t)
}

func TestSession_UnaryEndIsRejected(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	tun, _ := f.open(t)
	f.init(t, tun, "Echo")

	tun.send(EndSentinel)
	frame := tun.nextTyped(t)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Content, "Protocol Violation")

	// The session is still waiting for its request
	tun.send(`{"msg":"still here"}`)
	assert.JSONEq(t, `{"msg":"still here"}`, tun.next(t))
	tun.waitClosed(t)
}

func TestSession_UnarySchemaMismatchIsTerminal(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	tun, done := f.open(t)
	f.init(t, tun, "Echo")

	tun.send(`{"msg":42}`)
	frame := tun.nextTyped(t)
	assert.Equal(t, "error", frame.Type)
	assert.Equal(t, "Schema Mismatch: msg: expected string, got number", frame.Content)
	waitDone(t, done)
	tun.requireNoFrame(t)
}

func TestSession_UpstreamError(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	tun, done := f.open(t)
	f.init(t, tun, "Fail")

	tun.send(`{"code":5,"message":"no such order"}`)
	frame := tun.nextTyped(t)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Content, "NotFound")
	assert.Contains(t, frame.Content, "no such order")
	waitDone(t, done)
}

func TestSession_ServerStreamOrder(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	tun, done := f.open(t)
	f.init(t, tun, "Count")

	tun.send(`{"n":4,"tag":"t"}`)
	assert.JSONEq(t, `{"tag":"t"}`, tun.next(t))
	for i := 1; i < 4; i++ {
		var resp struct {
			Index int    `json:"index"`
			Tag   string `json:"tag"`
		}
		require.NoError(t, json.Unmarshal([]byte(tun.next(t)), &resp))
		assert.Equal(t, i, resp.Index)
		assert.Equal(t, "t", resp.Tag)
	}
	assert.Equal(t, typedFrame{Type: "system", Content: "stream completed"}, tun.nextTyped(t))
	waitDone(t, done)
	tun.requireNoFrame(t)
}

func TestSession_ServerStreamEndAndSecondRequest(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	tun, _ := f.open(t)
	f.init(t, tun, "Slow")

	tun.send(`{"msg":"first"}`)
	assert.JSONEq(t, `{"msg":"first"}`, tun.next(t))

	tun.send(EndSentinel)
	frame := tun.nextTyped(t)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Content, "not accepted by a server-stream call")

	tun.send(`{"msg":"second"}`)
	frame = tun.nextTyped(t)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Content, "already has a request")
}

// waitStarted blocks until the target has begun handling method.
func (f *fixture) waitStarted(t *testing.T, method string) {
	t.Helper()
	timeout := time.After(frameTimeout)
	for {
		select {
		case got := <-f.target.Started():
			if got == method {
				return
			}
		case <-timeout:
			t.Fatalf("target never started %s", method)
		}
	}
}

func (f *fixture) waitCancelled(t *testing.T, method string) {
	t.Helper()
	select {
	case got := <-f.target.Cancelled():
		assert.Equal(t, method, got)
	case <-time.After(frameTimeout):
		t.Fatalf("upstream %s was not cancelled", method)
	}
}

func TestSession_HangupCancelsCall(t *testing.T) {
	tests := []struct {
		method string
		frames []string
		echo   string
	}{
		{method: "Hold", frames: []string{`{"msg":"x"}`}},
		{method: "Slow", frames: []string{`{"msg":"x"}`}, echo: `{"msg":"x"}`},
		{method: "Sum", frames: []string{`{"n":1}`, `{"n":2}`}},
		{method: "Chat", frames: []string{`{"text":"x"}`}, echo: `{"text":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			f := newFixture(t, ManagerConfig{})
			tun, done := f.open(t)
			f.init(t, tun, tt.method)

			for _, frame := range tt.frames {
				tun.send(frame)
			}
			if tt.echo != "" {
				assert.JSONEq(t, tt.echo, tun.next(t))
			}
			f.waitStarted(t, tt.method)

			tun.hangup()
			f.waitCancelled(t, tt.method)
			waitDone(t, done)
			tun.requireNoFrame(t)
		})
	}
}

// flood pushes count large chat frames until the tunnel goes away and
// reports how many were taken.
func flood(tun *memTunnel, count int) *atomic.Int64 {
	frame := []byte(`{"text":"` + strings.Repeat("x", 64<<10) + `"}`)
	var pushed atomic.Int64
	go func() {
		for range count {
			select {
			case tun.in <- frame:
				pushed.Add(1)
			case <-tun.gone:
				return
			case <-tun.closed:
				return
			}
		}
	}()
	return &pushed
}

func TestSession_HangupWhileSendBlocked(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	tun, done := f.open(t)
	f.init(t, tun, "Stall")
	f.waitStarted(t, "Stall")

	// Far more than the HTTP/2 windows let through, so sends block on an
	// upstream that never reads while the rest waits in the session.
	const total = 600
	pushed := flood(tun, total)
	require.Eventually(t, func() bool {
		return pushed.Load() == total && len(tun.in) == 0
	}, 15*time.Second, 10*time.Millisecond, "session stopped reading the tunnel")

	assert.Equal(t, StateBidiOpen.String(), f.manager.Sessions()[0].State)
	select {
	case method := <-f.target.Cancelled():
		t.Fatalf("%s cancelled before hangup", method)
	default:
	}

	tun.hangup()
	f.waitCancelled(t, "Stall")
	waitDone(t, done)
}

func TestSession_PendingLimit(t *testing.T) {
	f := newFixture(t, ManagerConfig{Session: Options{MaxPendingBytes: 1 << 20}})
	tun, done := f.open(t)
	f.init(t, tun, "Stall")
	f.waitStarted(t, "Stall")

	flood(tun, 600)
	frame := tun.nextTyped(t)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Content, "upstream is not accepting requests")

	f.waitCancelled(t, "Stall")
	tun.waitClosed(t)
	waitDone(t, done)
}

func TestInbox(t *testing.T) {
	q := newInbox(8)
	assert.True(t, q.push([]byte("abcd")))
	assert.True(t, q.push([]byte("efgh")))
	assert.False(t, q.push([]byte("i")), "over the limit")
	assert.Equal(t, 8, q.pending())

	frame, ok := q.pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, "abcd", string(frame))
	assert.True(t, q.push([]byte("ijkl")))

	q.close()
	for _, want := range []string{"efgh", "ijkl"} {
		frame, ok := q.pop(context.Background())
		require.True(t, ok)
		assert.Equal(t, want, string(frame))
	}
	_, ok = q.pop(context.Background())
	assert.False(t, ok, "closed and drained")

	// One frame is accepted even when it alone exceeds the limit
	assert.True(t, newInbox(2).push([]byte("oversized")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok = newInbox(0).pop(ctx)
	assert.False(t, ok)
}

func TestSession_HangupDuringDial(t *testing.T) {
	// Accepts TCP but never speaks HTTP/2, so the dial waits for its timeout
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })

	f := newFixture(t, ManagerConfig{Session: Options{DialTimeout: time.Minute}})
	tun, done := f.open(t)
	tun.send(`{"target":"` + lis.Addr().String() + `","service":"Stub","method":"Echo"}`)
	require.Eventually(t, func() bool {
		sessions := f.manager.Sessions()
		return len(sessions) == 1 && sessions[0].State == StateResolving.String()
	}, frameTimeout, 10*time.Millisecond)

	tun.hangup()
	waitDone(t, done)
	tun.requireNoFrame(t)
}

func TestSession_UnarySecondRequestWhileWaiting(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	tun, done := f.open(t)
	f.init(t, tun, "Hold")

	tun.send(`{"msg":"first"}`)
	f.waitStarted(t, "Hold")
	tun.send(`{"msg":"second"}`)
	frame := tun.nextTyped(t)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Content, "unary call already has a request")
	assert.Equal(t, StateUnaryWait.String(), f.manager.Sessions()[0].State)

	f.target.Release()
	assert.JSONEq(t, `{"msg":"first"}`, tun.next(t))
	waitDone(t, done)
	tun.requireNoFrame(t)
}

func TestSession_ClientStreamDataAfterEnd(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	tun, done := f.open(t)
	f.init(t, tun, "HeldSum")

	tun.send(`{"n":2}`)
	tun.send(EndSentinel)
	tun.send(`{"n":3}`)
	frame := tun.nextTyped(t)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Content, "already ended")

	tun.send(`{"end":true}`)
	frame = tun.nextTyped(t)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Content, "already ended")

	select {
	case <-tun.closed:
		t.Fatal("tunnel closed on a rejected frame")
	default:
	}
	assert.Equal(t, StateClientAccumulating.String(), f.manager.Sessions()[0].State)

	f.target.Release()
	assert.JSONEq(t, `{"sum":2}`, tun.next(t))
	waitDone(t, done)
	tun.requireNoFrame(t)
}

func TestSession_ClientStreamSum(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	tun, done := f.open(t)
	f.init(t, tun, "Sum")

	tun.send(`{"n":1}`)
	tun.send(`{"n":"two"}`)
	frame := tun.nextTyped(t)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Content, "n: expected integer, got string")

	tun.send(`{"n":2}`)
	tun.send(`{"n":3}`)
	tun.send(EndSentinel)
	assert.JSONEq(t, `{"sum":6}`, tun.next(t))

	waitDone(t, done)
	tun.requireNoFrame(t)
}

func TestSession_ClientStreamEndForms(t *testing.T) {
	for _, end := range []string{`"__END__"`, `{"end":true}`, " __END__\n"} {
		t.Run(end, func(t *testing.T) {
			f := newFixture(t, ManagerConfig{})
			tun, done := f.open(t)
			f.init(t, tun, "Sum")

			tun.send(`{"n":5}`)
			tun.send(end)
			assert.JSONEq(t, `{"sum":5}`, tun.next(t))
			waitDone(t, done)
		})
	}
}

func TestSession_BidiUpstreamCompletesFirst(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	tun, done := f.open(t)
	f.init(t, tun, "Chat")

	tun.send(`{"text":"a"}`)
	assert.JSONEq(t, `{"text":"a"}`, tun.next(t))
	tun.send(`{"text":"b"}`)
	assert.JSONEq(t, `{"text":"b"}`, tun.next(t))

	tun.send(`{"text":"bye"}`)
	assert.Equal(t, typedFrame{Type: "system", Content: "upstream completed"}, tun.nextTyped(t))
	assert.Equal(t, StateBidiOpen.String(), f.manager.Sessions()[0].State)

	tun.send(EndSentinel)
	assert.Equal(t, typedFrame{Type: "system", Content: "stream completed"}, tun.nextTyped(t))
	waitDone(t, done)
}

func TestSession_BidiClientEndsFirst(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	tun, done := f.open(t)
	f.init(t, tun, "Chat")

	tun.send(`{"text":"a"}`)
	assert.JSONEq(t, `{"text":"a"}`, tun.next(t))
	tun.send(EndSentinel)

	tun.send(`{"text":"late"}`)
	frame := tun.nextTyped(t)
	// The upstream may complete before the late frame is read.
	if frame.Type == "error" {
		assert.Contains(t, frame.Content, "already ended")
		frame = tun.nextTyped(t)
	}
	assert.Equal(t, typedFrame{Type: "system", Content: "stream completed"}, frame)
	waitDone(t, done)
}

func TestSession_SecondInitIsRejected(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	tun, _ := f.open(t)
	f.init(t, tun, "Sum")

	tun.send(`{"target":"` + f.target.Addr + `","service":"Stub","method":"Echo"}`)
	frame := tun.nextTyped(t)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Content, "already bound to bridgetest.v1.Stub.Sum")

	tun.send(`{"n":7}`)
	tun.send(EndSentinel)
	assert.JSONEq(t, `{"sum":7}`, tun.next(t))
}

func TestSession_InitFailures(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		content string
	}{
		{"not an object", `{"msg":"hi"`, "first frame must be an init object"},
		{"sentinel", EndSentinel, "first frame must be an init object"},
		{"missing target", `{"service":"Stub","method":"Echo"}`, "init requires a target"},
		{"missing method", `{"target":"localhost:1","service":"Stub"}`, "init requires a service and a method"},
		{"unknown service", `{"target":"localhost:1","service":"Nope","method":"Echo"}`, `service "Nope" not found`},
		{"unknown method", `{"target":"localhost:1","service":"Stub","method":"Nope"}`, `method "Nope" not found`},
		{"unreachable", `{"target":"127.0.0.1:1","service":"Stub","method":"Echo"}`, "Failed to Dial Target"},
		{"bad auth", `{"target":"127.0.0.1:1","service":"Stub","method":"Echo","auth":{"type":"bearer"}}`, "Authentication Failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, ManagerConfig{})
			tun, done := f.open(t)

			tun.send(tt.frame)
			frame := tun.nextTyped(t)
			assert.Equal(t, "error", frame.Type)
			assert.Contains(t, frame.Content, tt.content)
			tun.waitClosed(t)
			waitDone(t, done)
			tun.requireNoFrame(t)
		})
	}
}

func TestSession_ModeHintDoesNotOverrideDescriptor(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	tun, done := f.open(t)

	tun.send(`{"target":"` + f.target.Addr + `","service":"Stub","method":"Echo","mode":"bidi"}`)
	require.Equal(t, "system", tun.nextTyped(t).Type)
	tun.send(`{"msg":"unary anyway"}`)
	assert.JSONEq(t, `{"msg":"unary anyway"}`, tun.next(t))
	waitDone(t, done)
}

func TestSession_MetadataAndAuth(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	tun, _ := f.open(t)

	tun.send(`{"target":"` + f.target.Addr + `","service":"Stub","method":"Whoami",` +
		`"metadata":{"X-Tenant":"acme"},"auth":{"type":"bearer","token":"tok"}}`)
	require.Equal(t, "system", tun.nextTyped(t).Type)
	tun.send(`{}`)
	assert.JSONEq(t, `{"authorization":"Bearer tok","metadata":{"x-tenant":"acme"}}`, tun.next(t))
}

func TestManager_CloseSession(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	tun, done := f.open(t)
	f.init(t, tun, "Chat")

	sessions := f.manager.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "Chat", sessions[0].Method)
	assert.Equal(t, "bidi", sessions[0].Shape)
	assert.Equal(t, f.target.Addr, sessions[0].Target)

	require.NoError(t, f.manager.Close(sessions[0].ID))
	assert.Equal(t, typedFrame{Type: "system", Content: "closed"}, tun.nextTyped(t))
	waitDone(t, done)
	tun.requireNoFrame(t)
	assert.Empty(t, f.manager.Sessions())

	assert.Error(t, f.manager.Close(sessions[0].ID))
}

func TestManager_SessionLimit(t *testing.T) {
	f := newFixture(t, ManagerConfig{MaxSessions: 1})
	first, _ := f.open(t)
	f.init(t, first, "Chat")

	second := newMemTunnel()
	err := f.manager.Serve(context.Background(), second)
	require.ErrorIs(t, err, ErrTooManySessions)
	frame := second.nextTyped(t)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Content, "too many concurrent sessions")
	second.waitClosed(t)
}

func TestManager_Shutdown(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	a, doneA := f.open(t)
	b, doneB := f.open(t)
	f.init(t, a, "Chat")
	f.init(t, b, "Sum")

	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	require.NoError(t, f.manager.Shutdown(ctx))

	waitDone(t, doneA)
	waitDone(t, doneB)
	assert.Equal(t, "closed", a.nextTyped(t).Content)
	assert.Equal(t, "closed", b.nextTyped(t).Content)
	assert.Empty(t, f.manager.Sessions())
}

func TestClassifyFrame(t *testing.T) {
	target := testutil.StartTarget(t)
	sum := target.Method("Sum").Input()

	assert.Equal(t, frameEnd, classifyFrame([]byte(EndSentinel), sum))
	assert.Equal(t, frameEnd, classifyFrame([]byte(`"__END__"`), sum))
	assert.Equal(t, frameEnd, classifyFrame([]byte(`{"end":true}`), sum))
	assert.Equal(t, frameData, classifyFrame([]byte(`{"end":false}`), sum))
	assert.Equal(t, frameData, classifyFrame([]byte(`{"n":1}`), sum))
	assert.Equal(t, frameData, classifyFrame([]byte(`not json`), sum))
	assert.Equal(t, frameInit, classifyFrame([]byte(`{"target":"a:1","service":"S","method":"M"}`), sum))
}

func TestSessionLimiter(t *testing.T) {
	l := newSessionLimiter(2)
	assert.True(t, l.Acquire())
	assert.True(t, l.Acquire())
	assert.False(t, l.Acquire())
	l.Release()
	assert.True(t, l.Acquire())

	unlimited := newSessionLimiter(0)
	for i := 0; i < 10; i++ {
		assert.True(t, unlimited.Acquire())
	}
}
