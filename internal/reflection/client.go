package reflection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jhump/protoreflect/grpcreflect"
	apperrors "github.com/shhac/grotto-bridge/internal/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"

	// Well-known types are registered in the global registry and serve as
	// the fallback for servers that return incomplete descriptors.
	_ "google.golang.org/protobuf/types/descriptorpb"
	_ "google.golang.org/protobuf/types/known/anypb"
	_ "google.golang.org/protobuf/types/known/apipb"
	_ "google.golang.org/protobuf/types/known/durationpb"
	_ "google.golang.org/protobuf/types/known/emptypb"
	_ "google.golang.org/protobuf/types/known/fieldmaskpb"
	_ "google.golang.org/protobuf/types/known/sourcecontextpb"
	_ "google.golang.org/protobuf/types/known/structpb"
	_ "google.golang.org/protobuf/types/known/timestamppb"
	_ "google.golang.org/protobuf/types/known/typepb"
	_ "google.golang.org/protobuf/types/known/wrapperspb"
)

// Client wraps gRPC reflection operations with permissive error handling.
// It auto-detects v1/v1alpha reflection protocols and handles malformed
// descriptors using fallback resolvers and a lenient raw-descriptor path.
type Client struct {
	conn   grpc.ClientConnInterface
	logger *slog.Logger
}

// NewClient creates a new reflection client for the given connection.
func NewClient(conn grpc.ClientConnInterface, logger *slog.Logger) *Client {
	return &Client{
		conn:   conn,
		logger: logger,
	}
}

func isReflectionService(name string) bool {
	return name == "grpc.reflection.v1alpha.ServerReflection" ||
		name == "grpc.reflection.v1.ServerReflection"
}

// Services returns the descriptors of all services the target exposes,
// except the reflection service itself. A service that cannot be resolved
// by either path is skipped with a warning.
func (c *Client) Services(ctx context.Context) ([]protoreflect.ServiceDescriptor, error) {
	c.logger.Debug("listing services via reflection")

	// Create reflection client with auto-detection of v1/v1alpha
	refClient := grpcreflect.NewClientAuto(ctx, c.conn)
	defer refClient.Reset()

	// Configure for permissive operation
	refClient.AllowFallbackResolver(
		protoregistry.GlobalFiles,
		protoregistry.GlobalTypes,
	)
	refClient.AllowMissingFileDescriptors()

	serviceNames, err := refClient.ListServices()
	if err != nil {
		if grpcreflect.IsElementNotFoundError(err) || status.Code(err) == codes.Unimplemented {
			return nil, apperrors.New(apperrors.KindNotFound, "reflection.Services",
				fmt.Errorf("%w: %w", apperrors.ErrReflectionUnavailable, err))
		}
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	var services []protoreflect.ServiceDescriptor
	for _, serviceName := range serviceNames {
		if isReflectionService(serviceName) {
			c.logger.Debug("skipping internal reflection service", slog.String("service", serviceName))
			continue
		}

		c.logger.Debug("resolving service", slog.String("service", serviceName))
		serviceDesc, err := refClient.ResolveService(serviceName)
		if err == nil {
			services = append(services, serviceDesc.UnwrapService())
			continue
		}

		c.logger.Warn("standard resolution failed, trying lenient resolve",
			slog.String("service", serviceName),
			slog.Any("error", err),
		)
		sd, lenientErr := c.lenientResolve(ctx, serviceName)
		if lenientErr != nil {
			c.logger.Warn("lenient resolution also failed",
				slog.String("service", serviceName),
				slog.Any("error", lenientErr),
			)
			continue
		}
		c.logger.Info("lenient resolution succeeded",
			slog.String("service", serviceName),
			slog.Int("methods", sd.Methods().Len()),
		)
		services = append(services, sd)
	}

	c.logger.Info("discovered services via reflection", slog.Int("service_count", len(services)))
	return services, nil
}
