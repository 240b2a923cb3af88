// Package testutil runs an in-process gRPC target for tests. The target is
// built from inline proto source and served through dynamic handlers, so
// no generated code is needed.
package testutil

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/shhac/grotto-bridge/internal/registry"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/dynamicpb"
)

// StubFile is the import path of the stub definition.
const StubFile = "bridgetest/v1/stub.proto"

// StubService is the full name of the stub service.
const StubService = "bridgetest.v1.Stub"

// StubProto defines the stub service:
//   - Echo returns msg unchanged
//   - Count streams n responses tagged with their index
//   - Sum adds every n it receives
//   - Chat echoes each message and ends when it sees text "bye"
//   - Fail returns the requested status, with BadRequest details for
//     INVALID_ARGUMENT
//   - Whoami reports the authorization values, comma-joined, and x- metadata
//   - Slow sends one response, then blocks until cancelled
//   - Hold echoes msg once Release is called
//   - HeldSum adds every n like Sum but replies only once Release is called
//   - Stall never reads its input and blocks until cancelled
const StubProto = `
syntax = "proto3";
package bridgetest.v1;

import "google/protobuf/timestamp.proto";

service Stub {
  rpc Echo(EchoRequest) returns (EchoResponse);
  rpc Count(CountRequest) returns (stream CountResponse);
  rpc Sum(stream SumRequest) returns (SumResponse);
  rpc Chat(stream ChatMessage) returns (stream ChatMessage);
  rpc Fail(FailRequest) returns (EchoResponse);
  rpc Whoami(EchoRequest) returns (WhoamiResponse);
  rpc Slow(EchoRequest) returns (stream EchoResponse);
  rpc Hold(EchoRequest) returns (EchoResponse);
  rpc HeldSum(stream SumRequest) returns (SumResponse);
  rpc Stall(stream ChatMessage) returns (stream ChatMessage);
}

message EchoRequest {
  string msg = 1;
  google.protobuf.Timestamp sent_at = 2;
}

message EchoResponse {
  string msg = 1;
  google.protobuf.Timestamp sent_at = 2;
}

message CountRequest {
  int32 n = 1;
  string tag = 2;
}

message CountResponse {
  int32 index = 1;
  string tag = 2;
}

message SumRequest {
  int32 n = 1;
}

message SumResponse {
  int32 sum = 1;
}

message ChatMessage {
  string text = 1;
}

message FailRequest {
  int32 code = 1;
  string message = 2;
}

message WhoamiResponse {
  string authorization = 1;
  map<string, string> metadata = 2;
}
`

// Sources returns the stub definition as an upload would carry it.
func Sources() map[string]string {
	return map[string]string{StubFile: StubProto}
}

type options struct {
	reflection bool
	authHeader string
}

// Option configures a Target.
type Option func(*options)

// WithoutReflection starts the target without the reflection service.
func WithoutReflection() Option {
	return func(o *options) { o.reflection = false }
}

// RequireAuthorization rejects calls whose authorization header differs
// from header with Unauthenticated.
func RequireAuthorization(header string) Option {
	return func(o *options) { o.authHeader = header }
}

// Target is a running stub server.
type Target struct {
	Addr    string
	Service protoreflect.ServiceDescriptor
	Files   []protoreflect.FileDescriptor

	server      *grpc.Server
	done        chan string
	started     chan string
	release     chan struct{}
	releaseOnce sync.Once
}

// StartTarget compiles the stub definition and serves it on a loopback port
// until the test ends.
func StartTarget(t testing.TB, opts ...Option) *Target {
	t.Helper()

	o := options{reflection: true}
	for _, opt := range opts {
		opt(&o)
	}

	files, err := registry.Compile(context.Background(), Sources())
	if err != nil {
		t.Fatalf("compile stub: %v", err)
	}
	services := registry.ServicesOf(files)
	if len(services) != 1 {
		t.Fatalf("expected one stub service, got %d", len(services))
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var serverOpts []grpc.ServerOption
	if o.authHeader != "" {
		serverOpts = append(serverOpts,
			grpc.UnaryInterceptor(func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
				if err := checkAuth(ctx, o.authHeader); err != nil {
					return nil, err
				}
				return handler(ctx, req)
			}),
			grpc.StreamInterceptor(func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
				if err := checkAuth(ss.Context(), o.authHeader); err != nil {
					return err
				}
				return handler(srv, ss)
			}),
		)
	}

	target := &Target{
		Addr:    lis.Addr().String(),
		Service: services[0],
		Files:   files,
		server:  grpc.NewServer(serverOpts...),
		done:    make(chan string, 16),
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
	target.register()

	if o.reflection {
		resolver := new(protoregistry.Files)
		for _, fd := range files {
			if err := resolver.RegisterFile(fd); err != nil {
				t.Fatalf("register stub file: %v", err)
			}
		}
		reflectionpb.RegisterServerReflectionServer(target.server, reflection.NewServerV1(reflection.ServerOptions{
			Services:           target.server,
			DescriptorResolver: resolver,
			ExtensionResolver:  protoregistry.GlobalTypes,
		}))
	}

	go func() {
		if err := target.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("stub target stopped: %v", err)
		}
	}()
	t.Cleanup(target.server.Stop)

	return target
}

// Method returns the descriptor of a stub method.
func (t *Target) Method(name string) protoreflect.MethodDescriptor {
	return t.Service.Methods().ByName(protoreflect.Name(name))
}

// Cancelled delivers the name of every stub method whose context was
// cancelled by the caller.
func (t *Target) Cancelled() <-chan string {
	return t.done
}

// Started delivers the name of every stub method as its handler begins.
func (t *Target) Started() <-chan string {
	return t.started
}

// Release lets Hold and HeldSum reply. Calls after the first do nothing.
func (t *Target) Release() {
	t.releaseOnce.Do(func() { close(t.release) })
}

// await blocks until Release or until ctx ends, which counts as a
// cancellation of method.
func (t *Target) await(ctx context.Context, method string) error {
	select {
	case <-t.release:
		return nil
	case <-ctx.Done():
		t.markCancelled(method)
		return ctx.Err()
	}
}

// recvFailed reports a receive error, marking method cancelled when the
// caller went away.
func (t *Target) recvFailed(stream grpc.ServerStream, method string, err error) error {
	if stream.Context().Err() != nil || status.Code(err) == codes.Canceled {
		t.markCancelled(method)
	}
	return err
}

func (t *Target) markCancelled(method string) {
	select {
	case t.done <- method:
	default:
	}
}

func (t *Target) markStarted(method string) {
	select {
	case t.started <- method:
	default:
	}
}

func checkAuth(ctx context.Context, want string) error {
	md, _ := metadata.FromIncomingContext(ctx)
	if got := md.Get("authorization"); len(got) == 0 || got[0] != want {
		return status.Error(codes.Unauthenticated, "invalid credentials")
	}
	return nil
}

func (t *Target) register() {
	methods := t.Service.Methods()
	var unary []grpc.MethodDesc
	var streams []grpc.StreamDesc
	for i := range methods.Len() {
		md := methods.Get(i)
		name := string(md.Name())
		if !md.IsStreamingClient() && !md.IsStreamingServer() {
			unary = append(unary, grpc.MethodDesc{
				MethodName: name,
				Handler:    t.unaryHandler(md),
			})
			continue
		}
		streams = append(streams, grpc.StreamDesc{
			StreamName:    name,
			Handler:       t.streamHandler(md),
			ServerStreams: md.IsStreamingServer(),
			ClientStreams: md.IsStreamingClient(),
		})
	}

	t.server.RegisterService(&grpc.ServiceDesc{
		ServiceName: StubService,
		HandlerType: (*interface{})(nil),
		Methods:     unary,
		Streams:     streams,
		Metadata:    StubFile,
	}, struct{}{})
}

func (t *Target) unaryHandler(md protoreflect.MethodDescriptor) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := dynamicpb.NewMessage(md.Input())
		if err := dec(req); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "failed to decode request: %v", err)
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return t.handleUnary(ctx, md, req.(*dynamicpb.Message))
		}
		if interceptor == nil {
			return handler(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + StubService + "/" + string(md.Name())}
		return interceptor(ctx, req, info, handler)
	}
}

func (t *Target) handleUnary(ctx context.Context, md protoreflect.MethodDescriptor, req *dynamicpb.Message) (any, error) {
	t.markStarted(string(md.Name()))
	resp := dynamicpb.NewMessage(md.Output())
	switch md.Name() {
	case "Echo":
		copyField(req, resp, "msg")
		copyField(req, resp, "sent_at")
		return resp, nil

	case "Hold":
		if err := t.await(ctx, "Hold"); err != nil {
			return nil, err
		}
		copyField(req, resp, "msg")
		return resp, nil

	case "Fail":
		code := codes.Code(getInt(req, "code"))
		st := status.New(code, getString(req, "message"))
		if code == codes.InvalidArgument {
			if detailed, err := st.WithDetails(&errdetails.BadRequest{
				FieldViolations: []*errdetails.BadRequest_FieldViolation{
					{Field: "msg", Description: "must not be empty"},
				},
			}); err == nil {
				st = detailed
			}
		}
		return nil, st.Err()

	case "Whoami":
		incoming, _ := metadata.FromIncomingContext(ctx)
		if auth := incoming.Get("authorization"); len(auth) > 0 {
			setString(resp, "authorization", strings.Join(auth, ","))
		}
		fd := resp.Descriptor().Fields().ByName("metadata")
		m := resp.Mutable(fd).Map()
		keys := make([]string, 0, len(incoming))
		for k := range incoming {
			if strings.HasPrefix(k, "x-") {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			m.Set(protoreflect.ValueOfString(k).MapKey(), protoreflect.ValueOfString(strings.Join(incoming.Get(k), ",")))
		}
		return resp, nil
	}
	return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", md.Name())
}

func (t *Target) streamHandler(md protoreflect.MethodDescriptor) func(srv any, stream grpc.ServerStream) error {
	return func(_ any, stream grpc.ServerStream) error {
		t.markStarted(string(md.Name()))
		switch md.Name() {
		case "Count":
			req := dynamicpb.NewMessage(md.Input())
			if err := stream.RecvMsg(req); err != nil {
				return err
			}
			n := getInt(req, "n")
			for i := int64(0); i < n; i++ {
				resp := dynamicpb.NewMessage(md.Output())
				setInt(resp, "index", i)
				copyField(req, resp, "tag")
				if err := stream.SendMsg(resp); err != nil {
					return err
				}
			}
			return nil

		case "Sum", "HeldSum":
			name := string(md.Name())
			var sum int64
			for {
				req := dynamicpb.NewMessage(md.Input())
				err := stream.RecvMsg(req)
				if err == io.EOF {
					break
				}
				if err != nil {
					return t.recvFailed(stream, name, err)
				}
				sum += getInt(req, "n")
			}
			if name == "HeldSum" {
				if err := t.await(stream.Context(), name); err != nil {
					return err
				}
			}
			resp := dynamicpb.NewMessage(md.Output())
			setInt(resp, "sum", sum)
			return stream.SendMsg(resp)

		case "Chat":
			for {
				msg := dynamicpb.NewMessage(md.Input())
				err := stream.RecvMsg(msg)
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return t.recvFailed(stream, "Chat", err)
				}
				if getString(msg, "text") == "bye" {
					return nil
				}
				if err := stream.SendMsg(msg); err != nil {
					return err
				}
			}

		case "Slow":
			req := dynamicpb.NewMessage(md.Input())
			if err := stream.RecvMsg(req); err != nil {
				return err
			}
			resp := dynamicpb.NewMessage(md.Output())
			copyField(req, resp, "msg")
			if err := stream.SendMsg(resp); err != nil {
				return err
			}
			<-stream.Context().Done()
			t.markCancelled("Slow")
			return stream.Context().Err()

		case "Stall":
			<-stream.Context().Done()
			t.markCancelled("Stall")
			return stream.Context().Err()
		}
		return status.Errorf(codes.Unimplemented, "method %s not implemented", md.Name())
	}
}

func copyField(from, to *dynamicpb.Message, name protoreflect.Name) {
	src := from.Descriptor().Fields().ByName(name)
	dst := to.Descriptor().Fields().ByName(name)
	if src == nil || dst == nil || !from.Has(src) {
		return
	}
	to.Set(dst, from.Get(src))
}

func getInt(msg *dynamicpb.Message, name protoreflect.Name) int64 {
	fd := msg.Descriptor().Fields().ByName(name)
	return msg.Get(fd).Int()
}

func setInt(msg *dynamicpb.Message, name protoreflect.Name, v int64) {
	fd := msg.Descriptor().Fields().ByName(name)
	msg.Set(fd, protoreflect.ValueOfInt32(int32(v)))
}

func getString(msg *dynamicpb.Message, name protoreflect.Name) string {
	fd := msg.Descriptor().Fields().ByName(name)
	return msg.Get(fd).String()
}

func setString(msg *dynamicpb.Message, name protoreflect.Name, v string) {
	fd := msg.Descriptor().Fields().ByName(name)
	msg.Set(fd, protoreflect.ValueOfString(v))
}
