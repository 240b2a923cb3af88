package bridge

import (
	"errors"
	"io"

	"github.com/shhac/grotto-bridge/internal/domain"
	apperrors "github.com/shhac/grotto-bridge/internal/errors"
	"github.com/shhac/grotto-bridge/internal/grpc"
)

// machine drives one call shape. start runs once the call is open; onData
// and onEnd are called by the dispatcher for each inbound frame.
type machine interface {
	start() error
	onData(raw []byte)
	onEnd()
}

func newMachine(s *Session, call *grpc.Call) machine {
	switch call.Shape() {
	case domain.ShapeServerStream:
		return &serverStreamMachine{s: s, call: call}
	case domain.ShapeClientStream:
		return &clientStreamMachine{s: s, call: call}
	case domain.ShapeBidi:
		return &bidiMachine{s: s, call: call}
	default:
		return &unaryMachine{s: s, call: call}
	}
}

func endNotAllowed(shape domain.Shape) error {
	return violation("%s is not accepted by a %s call", EndSentinel, shape)
}

type unaryMachine struct {
	s    *Session
	call *grpc.Call
	sent bool
}

func (m *unaryMachine) start() error {
	m.s.transition(StateUnaryWait)
	return nil
}

func (m *unaryMachine) onData(raw []byte) {
	if m.sent {
		m.s.reject(violation("unary call already has a request"))
		return
	}
	m.sent = true
	m.s.group.Go(func() error {
		resp, err := m.call.Unary(raw)
		if err != nil {
			m.s.fail(err)
			return nil
		}
		m.s.finish("data", resp)
		return nil
	})
}

func (m *unaryMachine) onEnd() { m.s.reject(endNotAllowed(domain.ShapeUnary)) }

type serverStreamMachine struct {
	s    *Session
	call *grpc.Call
	sent bool
}

func (m *serverStreamMachine) start() error {
	m.s.transition(StateServerStreaming)
	return nil
}

func (m *serverStreamMachine) onData(raw []byte) {
	if m.sent {
		m.s.reject(violation("server-stream call already has a request"))
		return
	}
	m.sent = true

	stream, err := m.call.ServerStream(raw)
	if err != nil {
		m.s.fail(err)
		return
	}
	m.s.group.Go(func() error {
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				m.s.finish("system", systemFrame(noticeStreamCompleted))
				return nil
			}
			if err != nil {
				m.s.fail(err)
				return nil
			}
			if !m.s.emit("data", resp) {
				return nil
			}
		}
	})
}

func (m *serverStreamMachine) onEnd() { m.s.reject(endNotAllowed(domain.ShapeServerStream)) }

type clientStreamMachine struct {
	s      *Session
	call   *grpc.Call
	stream *grpc.ClientStreamHandle
	ended  bool
}

func (m *clientStreamMachine) start() error {
	stream, err := m.call.ClientStream()
	if err != nil {
		return err
	}
	m.stream = stream
	m.s.transition(StateClientAccumulating)

	// Result returns early when the upstream fails before the client ends
	// its input, which makes that failure the terminal frame.
	m.s.group.Go(func() error {
		resp, err := stream.Result()
		if err != nil {
			m.s.fail(err)
			return nil
		}
		m.s.finish("data", resp)
		return nil
	})
	return nil
}

func (m *clientStreamMachine) onData(raw []byte) {
	if m.ended {
		m.s.reject(violation("input already ended with %s", EndSentinel))
		return
	}
	sendFrame(m.s, m.stream.Send, raw)
}

func (m *clientStreamMachine) onEnd() {
	if m.ended {
		m.s.reject(violation("input already ended with %s", EndSentinel))
		return
	}
	m.ended = true
	if err := m.stream.CloseSend(); err != nil && !errors.Is(err, io.EOF) {
		m.s.fail(err)
	}
}

type bidiMachine struct {
	s      *Session
	call   *grpc.Call
	stream *grpc.BidiStreamHandle
	ended  bool

	// guarded by s.mu
	sendClosed   bool
	upstreamDone bool
}

func (m *bidiMachine) start() error {
	stream, err := m.call.BidiStream()
	if err != nil {
		return err
	}
	m.stream = stream
	m.s.transition(StateBidiOpen)

	m.s.group.Go(func() error {
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				m.upstreamCompleted()
				return nil
			}
			if err != nil {
				m.s.fail(err)
				return nil
			}
			if !m.s.emit("data", resp) {
				return nil
			}
		}
	})
	return nil
}

func (m *bidiMachine) upstreamCompleted() {
	m.s.mu.Lock()
	m.upstreamDone = true
	if !m.sendClosed {
		m.s.emitLocked("system", systemFrame(noticeUpstreamCompleted))
		m.s.mu.Unlock()
		return
	}
	m.s.mu.Unlock()
	m.s.finish("system", systemFrame(noticeStreamCompleted))
}

func (m *bidiMachine) onData(raw []byte) {
	if m.ended {
		m.s.reject(violation("input already ended with %s", EndSentinel))
		return
	}
	sendFrame(m.s, m.stream.Send, raw)
}

func (m *bidiMachine) onEnd() {
	if m.ended {
		m.s.reject(violation("input already ended with %s", EndSentinel))
		return
	}
	m.ended = true
	m.s.mu.Lock()
	m.sendClosed = true
	m.s.mu.Unlock()

	if err := m.stream.CloseSend(); err != nil && !errors.Is(err, io.EOF) {
		m.s.fail(err)
		return
	}

	m.s.mu.Lock()
	done := m.upstreamDone
	m.s.mu.Unlock()
	if done {
		m.s.finish("system", systemFrame(noticeStreamCompleted))
	}
}

// sendFrame forwards one request on a streaming call. A request that does
// not match the schema is dropped with a transient error.
func sendFrame(s *Session, send func([]byte) error, raw []byte) {
	err := send(raw)
	if err == nil {
		return
	}
	var validationErr apperrors.ValidationError
	switch {
	case errors.As(err, &validationErr):
		s.reject(err)
	case errors.Is(err, io.EOF):
		// The upstream ended. Its status arrives on the receive side.
		if s.call.Shape() == domain.ShapeBidi {
			s.reject(violation("upstream has completed"))
		}
	default:
		s.fail(err)
	}
}
