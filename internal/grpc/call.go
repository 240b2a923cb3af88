package grpc

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shhac/grotto-bridge/internal/domain"
	apperrors "github.com/shhac/grotto-bridge/internal/errors"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// CallOptions are the transport options of one call.
type CallOptions struct {
	Metadata    map[string]string
	Auth        *domain.Auth
	DialTimeout time.Duration
	// OnState observes connection state changes, e.g. to report readiness.
	OnState func(state ConnectionState, message string)
}

// Call is a single RPC against a target. It owns its connection, which
// Close releases. The RPC itself may be started at most once.
type Call struct {
	target string
	method protoreflect.MethodDescriptor
	shape  domain.Shape

	ctx     context.Context
	conns   *ConnectionManager
	invoker *Invoker
	logger  *slog.Logger

	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to target with the transport options of opts. It returns
// the ready connection and a context that carries opts.Metadata.
func Dial(ctx context.Context, target string, opts CallOptions, logger *slog.Logger) (*ConnectionManager, context.Context, error) {
	cfg, err := domain.ParseTarget(target)
	if err != nil {
		return nil, nil, apperrors.New(apperrors.KindConnect, "grpc.Dial", err)
	}
	if err := opts.Auth.Validate(); err != nil {
		return nil, nil, apperrors.New(apperrors.KindAuth, "grpc.Dial", err)
	}
	cfg.Timeout = opts.DialTimeout

	conns := NewConnectionManager(logger.With(slog.String("target", cfg.Address)))
	if opts.OnState != nil {
		conns.SetStateCallback(opts.OnState)
	}
	if err := conns.Connect(ctx, cfg, opts.Auth); err != nil {
		return nil, nil, err
	}

	hasAuth := opts.Auth.Header() != ""
	callCtx, dropped := outgoingContext(ctx, opts.Metadata, hasAuth)
	if dropped {
		logger.Warn("authorization metadata ignored, auth credentials take precedence")
	}
	return conns, callCtx, nil
}

// outgoingContext attaches metadata to ctx. Keys are lower-cased as gRPC
// requires; empty keys are dropped. With skipAuthorization the
// authorization key is left out, and dropped reports whether it was set.
func outgoingContext(ctx context.Context, values map[string]string, skipAuthorization bool) (_ context.Context, dropped bool) {
	md := metadata.MD{}
	for k, v := range values {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		if skipAuthorization && key == "authorization" {
			dropped = true
			continue
		}
		md.Append(key, v)
	}
	if md.Len() == 0 {
		return ctx, dropped
	}
	return metadata.NewOutgoingContext(ctx, md), dropped
}

// Open connects to target and prepares a call of method. It returns once
// the connection is ready. Metadata is fixed for the life of the call.
func Open(ctx context.Context, target string, method protoreflect.MethodDescriptor, opts CallOptions, logger *slog.Logger) (*Call, error) {
	logger = logger.With(slog.String("method", string(method.FullName())))
	conns, callCtx, err := Dial(ctx, target, opts, logger)
	if err != nil {
		return nil, err
	}

	return &Call{
		target:  target,
		method:  method,
		shape:   domain.ShapeOf(method.IsStreamingClient(), method.IsStreamingServer()),
		ctx:     callCtx,
		conns:   conns,
		invoker: NewInvoker(conns.Conn(), logger),
		logger:  logger,
	}, nil
}

// Target returns the target the call was opened against.
func (c *Call) Target() string { return c.target }

// Method returns the descriptor of the called method.
func (c *Call) Method() protoreflect.MethodDescriptor { return c.method }

// Shape returns the streaming shape of the method.
func (c *Call) Shape() domain.Shape { return c.shape }

// start claims the single RPC of the call for the given shape.
func (c *Call) start(op string, want domain.Shape) error {
	if c.shape != want {
		return apperrors.Newf(apperrors.KindProtocolViolation, op,
			"%s is a %s method, not %s", c.method.FullName(), c.shape, want)
	}
	if !c.started.CompareAndSwap(false, true) {
		return apperrors.New(apperrors.KindProtocolViolation, op, apperrors.ErrCallStarted)
	}
	return nil
}

// Unary performs a unary RPC.
func (c *Call) Unary(jsonRequest []byte) ([]byte, error) {
	if err := c.start("grpc.Unary", domain.ShapeUnary); err != nil {
		return nil, err
	}
	return c.invoker.InvokeUnary(c.ctx, c.method, jsonRequest)
}

// ServerStream starts a server streaming RPC.
func (c *Call) ServerStream(jsonRequest []byte) (*ServerStreamHandle, error) {
	if err := c.start("grpc.ServerStream", domain.ShapeServerStream); err != nil {
		return nil, err
	}
	return c.invoker.InvokeServerStream(c.ctx, c.method, jsonRequest)
}

// ClientStream starts a client streaming RPC.
func (c *Call) ClientStream() (*ClientStreamHandle, error) {
	if err := c.start("grpc.ClientStream", domain.ShapeClientStream); err != nil {
		return nil, err
	}
	return c.invoker.InvokeClientStream(c.ctx, c.method)
}

// BidiStream starts a bidirectional streaming RPC.
func (c *Call) BidiStream() (*BidiStreamHandle, error) {
	if err := c.start("grpc.BidiStream", domain.ShapeBidi); err != nil {
		return nil, err
	}
	return c.invoker.InvokeBidiStream(c.ctx, c.method)
}

// Close releases the connection. It is safe to call more than once.
func (c *Call) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conns.Disconnect()
	})
	return c.closeErr
}
