package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/shhac/grotto-bridge/internal/schema"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Invoker handles dynamic gRPC invocations using descriptor-driven message
// types. It supports every RPC shape without requiring generated code.
// Request and response bodies are JSON; metadata travels on the context.
type Invoker struct {
	conn   grpc.ClientConnInterface
	logger *slog.Logger
}

// NewInvoker creates a new dynamic gRPC invoker for the given connection.
func NewInvoker(conn grpc.ClientConnInterface, logger *slog.Logger) *Invoker {
	return &Invoker{
		conn:   conn,
		logger: logger,
	}
}

// fullMethod returns the RPC path, e.g. "/pkg.Service/Method".
func fullMethod(md protoreflect.MethodDescriptor) string {
	return fmt.Sprintf("/%s/%s", md.Parent().FullName(), md.Name())
}

func streamDesc(md protoreflect.MethodDescriptor) *grpc.StreamDesc {
	return &grpc.StreamDesc{
		StreamName:    string(md.Name()),
		ServerStreams: md.IsStreamingServer(),
		ClientStreams: md.IsStreamingClient(),
	}
}

// decodeRequest builds the input message of md from JSON. Failures are
// errors.ValidationError values naming the offending field.
func (i *Invoker) decodeRequest(md protoreflect.MethodDescriptor, jsonRequest []byte) (*dynamicpb.Message, error) {
	req, err := schema.Decode(md.Input(), jsonRequest)
	if err != nil {
		i.logger.Debug("request does not match input schema",
			slog.String("method", string(md.FullName())),
			slog.Any("error", err),
		)
		return nil, err
	}
	return req, nil
}

// InvokeUnary calls a unary RPC method and returns the JSON response.
func (i *Invoker) InvokeUnary(ctx context.Context, md protoreflect.MethodDescriptor, jsonRequest []byte) ([]byte, error) {
	methodName := string(md.FullName())
	i.logger.Debug("invoking unary RPC",
		slog.String("method", methodName),
		slog.String("request", truncateForLog(string(jsonRequest))),
	)

	req, err := i.decodeRequest(md, jsonRequest)
	if err != nil {
		return nil, err
	}

	resp := dynamicpb.NewMessage(md.Output())
	if err := i.conn.Invoke(ctx, fullMethod(md), req, resp); err != nil {
		i.logger.Debug("RPC invocation failed",
			slog.String("method", methodName),
			slog.Any("error", err),
		)
		return nil, err
	}

	out, err := schema.Encode(resp)
	if err != nil {
		return nil, err
	}
	i.logger.Debug("unary RPC completed",
		slog.String("method", methodName),
		slog.String("response", truncateForLog(string(out))),
	)
	return out, nil
}

// ServerStreamHandle yields the responses of a server streaming RPC.
type ServerStreamHandle struct {
	stream grpc.ClientStream
	method protoreflect.MethodDescriptor
	logger *slog.Logger
	count  int
}

// Recv returns the next response. It returns io.EOF after the last one.
func (h *ServerStreamHandle) Recv() ([]byte, error) {
	return recvJSON(h.stream, h.method, h.logger, &h.count)
}

// InvokeServerStream starts a server streaming RPC with a single request.
func (i *Invoker) InvokeServerStream(ctx context.Context, md protoreflect.MethodDescriptor, jsonRequest []byte) (*ServerStreamHandle, error) {
	methodName := string(md.FullName())
	i.logger.Debug("invoking server streaming RPC",
		slog.String("method", methodName),
		slog.String("request", truncateForLog(string(jsonRequest))),
	)

	req, err := i.decodeRequest(md, jsonRequest)
	if err != nil {
		return nil, err
	}

	stream, err := i.conn.NewStream(ctx, streamDesc(md), fullMethod(md))
	if err != nil {
		i.logger.Debug("failed to start server stream",
			slog.String("method", methodName),
			slog.Any("error", err),
		)
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	// io.EOF from SendMsg means the RPC already ended; its status is
	// reported by the first Recv.
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	return &ServerStreamHandle{stream: stream, method: md, logger: i.logger}, nil
}

// ClientStreamHandle represents an active client streaming RPC.
type ClientStreamHandle struct {
	stream grpc.ClientStream
	method protoreflect.MethodDescriptor
	invoke *Invoker
}

// Send forwards one JSON request. A request that does not match the input
// schema is rejected before anything is sent. io.EOF means the upstream has
// already ended the RPC; Result reports why.
func (h *ClientStreamHandle) Send(jsonRequest []byte) error {
	return sendJSON(h.invoke, h.stream, h.method, jsonRequest)
}

// CloseSend signals that no more requests will be sent.
func (h *ClientStreamHandle) CloseSend() error {
	h.invoke.logger.Debug("closing client stream", slog.String("method", string(h.method.FullName())))
	return h.stream.CloseSend()
}

// Result blocks until the single response arrives or the RPC fails. It may
// be called before CloseSend so that early upstream failures surface.
func (h *ClientStreamHandle) Result() ([]byte, error) {
	resp := dynamicpb.NewMessage(h.method.Output())
	if err := h.stream.RecvMsg(resp); err != nil {
		h.invoke.logger.Debug("client stream failed",
			slog.String("method", string(h.method.FullName())),
			slog.Any("error", err),
		)
		return nil, err
	}
	out, err := schema.Encode(resp)
	if err != nil {
		return nil, err
	}
	h.invoke.logger.Debug("client stream completed",
		slog.String("method", string(h.method.FullName())),
		slog.String("response", truncateForLog(string(out))),
	)
	return out, nil
}

// InvokeClientStream starts a client streaming RPC.
func (i *Invoker) InvokeClientStream(ctx context.Context, md protoreflect.MethodDescriptor) (*ClientStreamHandle, error) {
	i.logger.Debug("invoking client streaming RPC", slog.String("method", string(md.FullName())))

	stream, err := i.conn.NewStream(ctx, streamDesc(md), fullMethod(md))
	if err != nil {
		return nil, err
	}
	return &ClientStreamHandle{stream: stream, method: md, invoke: i}, nil
}

// BidiStreamHandle represents an active bidirectional streaming RPC. Send
// and CloseSend may run concurrently with Recv, but not with each other.
type BidiStreamHandle struct {
	stream grpc.ClientStream
	method protoreflect.MethodDescriptor
	invoke *Invoker
	count  int
}

// Send forwards one JSON request. See ClientStreamHandle.Send.
func (h *BidiStreamHandle) Send(jsonRequest []byte) error {
	return sendJSON(h.invoke, h.stream, h.method, jsonRequest)
}

// CloseSend half-closes the stream. Responses keep arriving.
func (h *BidiStreamHandle) CloseSend() error {
	h.invoke.logger.Debug("closing bidi send direction", slog.String("method", string(h.method.FullName())))
	return h.stream.CloseSend()
}

// Recv returns the next response. It returns io.EOF when the upstream
// finishes successfully.
func (h *BidiStreamHandle) Recv() ([]byte, error) {
	return recvJSON(h.stream, h.method, h.invoke.logger, &h.count)
}

// InvokeBidiStream starts a bidirectional streaming RPC.
func (i *Invoker) InvokeBidiStream(ctx context.Context, md protoreflect.MethodDescriptor) (*BidiStreamHandle, error) {
	i.logger.Debug("invoking bidi streaming RPC", slog.String("method", string(md.FullName())))

	stream, err := i.conn.NewStream(ctx, streamDesc(md), fullMethod(md))
	if err != nil {
		return nil, err
	}
	return &BidiStreamHandle{stream: stream, method: md, invoke: i}, nil
}

func sendJSON(i *Invoker, stream grpc.ClientStream, md protoreflect.MethodDescriptor, jsonRequest []byte) error {
	i.logger.Debug("sending stream message",
		slog.String("method", string(md.FullName())),
		slog.String("request", truncateForLog(string(jsonRequest))),
	)
	req, err := i.decodeRequest(md, jsonRequest)
	if err != nil {
		return err
	}
	return stream.SendMsg(req)
}

func recvJSON(stream grpc.ClientStream, md protoreflect.MethodDescriptor, logger *slog.Logger, count *int) ([]byte, error) {
	methodName := string(md.FullName())
	resp := dynamicpb.NewMessage(md.Output())
	if err := stream.RecvMsg(resp); err != nil {
		if errors.Is(err, io.EOF) {
			logger.Debug("stream completed",
				slog.String("method", methodName),
				slog.Int("message_count", *count),
			)
			return nil, io.EOF
		}
		logger.Debug("stream receive error",
			slog.String("method", methodName),
			slog.Int("message_count", *count),
			slog.Any("error", err),
		)
		return nil, err
	}

	out, err := schema.Encode(resp)
	if err != nil {
		return nil, err
	}
	*count++
	logger.Debug("received stream message",
		slog.String("method", methodName),
		slog.Int("message_num", *count),
		slog.String("response", truncateForLog(string(out))),
	)
	return out, nil
}
