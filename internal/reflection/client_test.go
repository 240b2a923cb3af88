package reflection

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/shhac/grotto-bridge/internal/errors"
	"github.com/shhac/grotto-bridge/internal/logging"
	"github.com/shhac/grotto-bridge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/types/descriptorpb"
)

func dial(t *testing.T, addr string) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServices(t *testing.T) {
	target := testutil.StartTarget(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	services, err := NewClient(dial(t, target.Addr), logging.NewNopLogger()).Services(ctx)
	require.NoError(t, err)
	require.Len(t, services, 1, "reflection service itself is skipped")

	sd := services[0]
	assert.Equal(t, testutil.StubService, string(sd.FullName()))
	assert.Equal(t, 10, sd.Methods().Len())

	chat := sd.Methods().ByName("Chat")
	require.NotNil(t, chat)
	assert.True(t, chat.IsStreamingClient())
	assert.True(t, chat.IsStreamingServer())

	sentAt := sd.Methods().ByName("Echo").Input().Fields().ByName("sent_at")
	require.NotNil(t, sentAt)
	assert.Equal(t, "google.protobuf.Timestamp", string(sentAt.Message().FullName()))
}

func TestServices_ReflectionUnavailable(t *testing.T) {
	target := testutil.StartTarget(t, testutil.WithoutReflection())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := NewClient(dial(t, target.Addr), logging.NewNopLogger()).Services(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrReflectionUnavailable)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestLenientResolve(t *testing.T) {
	target := testutil.StartTarget(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := NewClient(dial(t, target.Addr), logging.NewNopLogger())
	sd, err := c.lenientResolve(ctx, testutil.StubService)
	require.NoError(t, err)
	assert.Equal(t, testutil.StubService, string(sd.FullName()))
	assert.NotNil(t, sd.Methods().ByName("Sum"))

	_, err = c.lenientResolve(ctx, "no.such.Service")
	assert.Error(t, err)
}

func TestBuildLenient_UnresolvableReference(t *testing.T) {
	// The service references a message from a file the server never sent
	fd := &descriptorpb.FileDescriptorProto{
		Name:       strPtr("partial.proto"),
		Package:    strPtr("partial"),
		Syntax:     strPtr("proto3"),
		Dependency: []string{"missing/types.proto"},
		MessageType: []*descriptorpb.DescriptorProto{
			{Name: strPtr("Req")},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{
			{
				Name: strPtr("Partial"),
				Method: []*descriptorpb.MethodDescriptorProto{
					{Name: strPtr("Get"), InputType: strPtr(".partial.Req"), OutputType: strPtr(".missing.Resp")},
				},
			},
		},
	}

	_, strictErr := protodesc.NewFile(fd, nil)
	require.Error(t, strictErr)

	sd, err := buildLenient([]*descriptorpb.FileDescriptorProto{fd}, "partial.Partial", logging.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, "partial.Req", string(sd.Methods().ByName("Get").Input().FullName()))
}
