// Package bridge turns one JSON-framed tunnel into one gRPC call.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/shhac/grotto-bridge/internal/domain"
	apperrors "github.com/shhac/grotto-bridge/internal/errors"
	"github.com/shhac/grotto-bridge/internal/grpc"
	"github.com/shhac/grotto-bridge/internal/telemetry"
)

// Tunnel is a bidirectional channel of whole frames.
type Tunnel interface {
	// ReadFrame blocks until the next frame arrives, ctx ends, or the
	// tunnel closes.
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close(reason string) error
}

// Resolver finds the descriptor of a method.
type Resolver interface {
	Lookup(service, method string) (protoreflect.MethodDescriptor, error)
}

// State is the lifecycle state of a session. It only moves forward.
type State int

const (
	StateAwaitingInit State = iota
	StateResolving
	StateUnaryWait
	StateServerStreaming
	StateClientAccumulating
	StateBidiOpen
	StateClosing
	StateClosed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateAwaitingInit:
		return "AWAITING_INIT"
	case StateResolving:
		return "RESOLVING"
	case StateUnaryWait:
		return "UNARY_WAIT"
	case StateServerStreaming:
		return "SERVER_STREAMING"
	case StateClientAccumulating:
		return "CLIENT_ACCUMULATING"
	case StateBidiOpen:
		return "BIDI_OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Options tune how sessions open their calls.
type Options struct {
	DialTimeout time.Duration
	// MaxPendingBytes bounds the requests held while the call is not
	// accepting them. Zero means DefaultMaxPendingBytes.
	MaxPendingBytes int
}

// Info is a point-in-time view of a session.
type Info struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Target    string    `json:"target,omitempty"`
	Service   string    `json:"service,omitempty"`
	Method    string    `json:"method,omitempty"`
	Shape     string    `json:"shape,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Session bridges one tunnel to at most one call.
//
// A reader goroutine owns the tunnel's inbound side and aborts the session
// as soon as the tunnel goes away. Serve dispatches the frames it hands
// over: the init, then requests to the call. Relay goroutines emit
// responses. All of them serialize state changes and writes to the tunnel
// through mu.
type Session struct {
	id        string
	tunnel    Tunnel
	resolver  Resolver
	opts      Options
	logger    *slog.Logger
	startedAt time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	spanCtx context.Context
	group   errgroup.Group

	mu        sync.Mutex
	state     State
	init      domain.Init
	call      *grpc.Call
	machine   machine
	callStart time.Time
	framesIn  int
	framesOut int

	aborted      atomic.Bool
	closeOnce    sync.Once
	shutdownOnce sync.Once
	onDone       func()
	done         chan struct{}
}

func newSession(ctx context.Context, id string, tunnel Tunnel, resolver Resolver, opts Options, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		id:        id,
		tunnel:    tunnel,
		resolver:  resolver,
		opts:      opts,
		logger:    logger.With(slog.String("session", id)),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		spanCtx:   ctx,
		done:      make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed once Serve has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session for listings.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:        s.id,
		State:     s.state.String(),
		Target:    s.init.Target,
		Service:   s.init.Service,
		Method:    s.init.Method,
		StartedAt: s.startedAt,
	}
	if s.call != nil {
		info.Shape = s.call.Shape().String()
	}
	return info
}

// Serve runs the session until the tunnel closes or the call completes.
// It returns after every relay goroutine has exited and the call and the
// tunnel are released.
func (s *Session) Serve() {
	defer close(s.done)
	if s.onDone != nil {
		defer s.onDone()
	}

	spanCtx, span := telemetry.StartSpan(s.ctx, "bridge.session", telemetry.AttrSessionID.String(s.id))
	s.spanCtx = spanCtx
	defer span.End()

	s.logger.Debug("session started")
	frames := newInbox(s.opts.MaxPendingBytes)
	s.group.Go(func() error {
		s.readTunnel(frames)
		return nil
	})
	s.dispatch(frames)

	s.cancel()
	_ = s.group.Wait()
	s.shutdown()
}

// readTunnel reads until the tunnel or the session ends. It never waits on
// the dispatcher, so a hangup aborts the session and cancels the call even
// while a send is blocked upstream.
func (s *Session) readTunnel(frames *inbox) {
	defer frames.close()
	for {
		raw, err := s.tunnel.ReadFrame(s.ctx)
		if err != nil {
			if s.State() < StateClosing {
				s.abort(err)
			}
			return
		}
		s.mu.Lock()
		s.framesIn++
		s.mu.Unlock()

		if !frames.push(raw) {
			s.fail(apperrors.Newf(apperrors.KindInternal, "bridge",
				"upstream is not accepting requests (more than %d bytes pending)", frames.max))
			return
		}
	}
}

// dispatch handles frames in arrival order until the session closes.
func (s *Session) dispatch(frames *inbox) {
	for {
		raw, ok := frames.pop(s.ctx)
		if !ok {
			return
		}
		s.handleFrame(raw)
		if s.State() >= StateClosing {
			return
		}
	}
}

// handleFrame dispatches one inbound frame. It runs on the dispatcher only,
// so call and machine are stable here once set.
func (s *Session) handleFrame(raw []byte) {
	switch state := s.State(); {
	case state == StateAwaitingInit:
		metricFramesReceived.WithLabelValues(frameInit.String()).Inc()
		s.handleInit(raw)
		return
	case state >= StateClosing:
		return
	}

	kind := classifyFrame(raw, s.call.Method().Input())
	metricFramesReceived.WithLabelValues(kind.String()).Inc()
	switch kind {
	case frameInit:
		s.reject(violation("session is already bound to %s", s.call.Method().FullName()))
	case frameEnd:
		s.machine.onEnd()
	default:
		s.machine.onData(raw)
	}
}

func (s *Session) handleInit(raw []byte) {
	var init domain.Init
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' || json.Unmarshal(trimmed, &init) != nil {
		s.fail(violation("first frame must be an init object"))
		return
	}
	init.Target = strings.TrimSpace(init.Target)

	s.mu.Lock()
	s.init = init
	s.setStateLocked(StateResolving)
	s.mu.Unlock()

	if init.Target == "" {
		s.fail(violation("init requires a target"))
		return
	}
	if init.Service == "" || init.Method == "" {
		s.fail(violation("init requires a service and a method"))
		return
	}

	telemetry.SetAttributes(s.spanCtx,
		telemetry.AttrTarget.String(init.Target),
		telemetry.AttrMethod.String(init.Service+"/"+init.Method),
	)

	md, err := s.resolver.Lookup(init.Service, init.Method)
	if err != nil {
		s.fail(err)
		return
	}

	shape := domain.ShapeOf(md.IsStreamingClient(), md.IsStreamingServer())
	if init.Mode != "" {
		if hint, ok := domain.ParseShape(init.Mode); !ok || hint != shape {
			s.logger.Warn("mode hint disagrees with method descriptor",
				slog.String("mode", init.Mode),
				slog.String("shape", shape.String()),
				slog.String("method", string(md.FullName())),
			)
		}
	}

	call, err := grpc.Open(s.ctx, init.Target, md, grpc.CallOptions{
		Metadata:    init.Metadata,
		Auth:        init.Auth,
		DialTimeout: s.opts.DialTimeout,
		OnState:     s.onConnState,
	}, s.logger)
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		_ = call.Close()
		return
	}
	s.call = call
	s.callStart = time.Now()
	s.machine = newMachine(s, call)
	s.mu.Unlock()

	metricSessionsTotal.WithLabelValues(shape.String()).Inc()
	telemetry.SetAttributes(s.spanCtx, telemetry.AttrShape.String(shape.String()))
	telemetry.AddEvent(s.spanCtx, "call.opened")
	s.logger.Info("call opened",
		slog.String("target", init.Target),
		slog.String("method", string(md.FullName())),
		slog.String("shape", shape.String()),
	)

	if err := s.machine.start(); err != nil {
		s.fail(err)
	}
}

func (s *Session) onConnState(state grpc.ConnectionState, message string) {
	if state == grpc.StateConnected {
		s.emit("system", systemFrame(message))
	}
}

// setStateLocked moves the state forward. Backward moves are ignored.
func (s *Session) setStateLocked(next State) {
	if next <= s.state {
		return
	}
	s.logger.Debug("session state", slog.String("from", s.state.String()), slog.String("to", next.String()))
	s.state = next
}

func (s *Session) transition(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(next)
}

// emitLocked writes one frame unless the session is closing. A failed
// write means the peer is gone, which aborts the session.
func (s *Session) emitLocked(kind string, frame []byte) bool {
	if s.state >= StateClosing || s.aborted.Load() {
		return false
	}
	if err := s.tunnel.WriteFrame(s.ctx, frame); err != nil {
		s.logger.Debug("tunnel write failed", slog.String("error", err.Error()))
		s.aborted.Store(true)
		s.cancel()
		s.setStateLocked(StateClosed)
		return false
	}
	s.framesOut++
	metricFramesSent.WithLabelValues(kind).Inc()
	return true
}

func (s *Session) emit(kind string, frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitLocked(kind, frame)
}

// reject reports a transient error. The session stays in its state.
func (s *Session) reject(err error) {
	c := apperrors.Classify(err)
	metricSessionErrors.WithLabelValues(c.Kind.String()).Inc()
	telemetry.AddEvent(s.spanCtx, "frame.rejected", telemetry.AttrErrorKind.String(c.Kind.String()))
	s.logger.Debug("frame rejected", slog.String("kind", c.Kind.String()), slog.String("error", err.Error()))
	s.emit("error", errorFrame(c.Content()))
}

// fail reports a terminal error and closes the session.
func (s *Session) fail(err error) {
	c := apperrors.Classify(err)
	if s.finish("error", errorFrame(c.Content())) {
		metricSessionErrors.WithLabelValues(c.Kind.String()).Inc()
		telemetry.SetAttributes(s.spanCtx, telemetry.AttrErrorKind.String(c.Kind.String()))
		telemetry.RecordError(s.spanCtx, err)
		s.logger.Info("session failed", slog.String("kind", c.Kind.String()), slog.String("error", err.Error()))
	}
}

// finish emits the last frame, if any, and moves to CLOSING. It reports
// whether this call did the transition.
func (s *Session) finish(kind string, frame []byte) bool {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return false
	}
	if frame != nil {
		s.emitLocked(kind, frame)
	}
	s.setStateLocked(StateClosing)
	s.mu.Unlock()

	s.closeTunnel("session complete")
	s.cancel()
	return true
}

// abort handles a tunnel that closed under the session: the call is
// cancelled and nothing more is written.
func (s *Session) abort(err error) {
	s.aborted.Store(true)
	s.cancel()
	s.transition(StateClosed)
	s.logger.Debug("tunnel closed by peer", slog.String("error", err.Error()))
}

// Close ends the session from the server side with a "closed" notice.
func (s *Session) Close() {
	s.finish("system", systemFrame(noticeClosed))
}

func (s *Session) closeTunnel(reason string) {
	s.closeOnce.Do(func() {
		if err := s.tunnel.Close(reason); err != nil {
			s.logger.Debug("tunnel close", slog.String("error", err.Error()))
		}
	})
}

func (s *Session) shutdown() {
	s.shutdownOnce.Do(func() {
		s.cancel()
		s.closeTunnel("session complete")

		s.mu.Lock()
		call := s.call
		callStart := s.callStart
		framesIn, framesOut := s.framesIn, s.framesOut
		s.setStateLocked(StateClosed)
		s.mu.Unlock()

		if call != nil {
			_ = call.Close()
			metricCallDuration.WithLabelValues(call.Shape().String()).Observe(time.Since(callStart).Seconds())
		}
		telemetry.SetAttributes(s.spanCtx,
			telemetry.AttrFramesIn.Int(framesIn),
			telemetry.AttrFramesOut.Int(framesOut),
		)
		s.logger.Debug("session closed", slog.Int("frames_in", framesIn), slog.Int("frames_out", framesOut))
	})
}

func violation(format string, args ...any) error {
	return apperrors.Newf(apperrors.KindProtocolViolation, "bridge", format, args...)
}
