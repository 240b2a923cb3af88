package reflection

import (
	"context"
	"fmt"
	"log/slog"

	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// lenientResolve uses the raw reflection protocol with protodesc.AllowUnresolvable
// to build a service descriptor even when some type dependencies can't be resolved.
func (c *Client) lenientResolve(ctx context.Context, serviceName string) (protoreflect.ServiceDescriptor, error) {
	stream, err := reflectionpb.NewServerReflectionClient(c.conn).ServerReflectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open reflection stream: %w", err)
	}
	defer stream.CloseSend()

	fetch := func(req *reflectionpb.ServerReflectionRequest) ([][]byte, error) {
		if err := stream.Send(req); err != nil {
			return nil, fmt.Errorf("failed to send reflection request: %w", err)
		}
		resp, err := stream.Recv()
		if err != nil {
			return nil, fmt.Errorf("failed to receive reflection response: %w", err)
		}
		if fdResp := resp.GetFileDescriptorResponse(); fdResp != nil {
			return fdResp.GetFileDescriptorProto(), nil
		}
		if errResp := resp.GetErrorResponse(); errResp != nil {
			return nil, fmt.Errorf("reflection error: %s", errResp.GetErrorMessage())
		}
		return nil, fmt.Errorf("unexpected reflection response type")
	}

	raw, err := fetch(&reflectionpb.ServerReflectionRequest{
		MessageRequest: &reflectionpb.ServerReflectionRequest_FileContainingSymbol{
			FileContainingSymbol: serviceName,
		},
	})
	if err != nil {
		return nil, err
	}

	var fdProtos []*descriptorpb.FileDescriptorProto
	seen := map[string]bool{}
	add := func(raw [][]byte) {
		for _, b := range raw {
			fd := &descriptorpb.FileDescriptorProto{}
			if err := proto.Unmarshal(b, fd); err != nil {
				c.logger.Warn("failed to unmarshal file descriptor in lenient resolve", slog.Any("error", err))
				continue
			}
			if !seen[fd.GetName()] {
				fdProtos = append(fdProtos, fd)
				seen[fd.GetName()] = true
			}
		}
	}
	add(raw)

	// Fetch dependencies that are neither returned nor available locally
	for i := 0; i < len(fdProtos); i++ {
		for _, dep := range fdProtos[i].GetDependency() {
			if seen[dep] {
				continue
			}
			if _, err := protoregistry.GlobalFiles.FindFileByPath(dep); err == nil {
				continue
			}
			depRaw, err := fetch(&reflectionpb.ServerReflectionRequest{
				MessageRequest: &reflectionpb.ServerReflectionRequest_FileByFilename{FileByFilename: dep},
			})
			if err != nil {
				c.logger.Debug("failed to fetch dependency file", slog.String("dep", dep), slog.Any("error", err))
				seen[dep] = true
				continue
			}
			add(depRaw)
		}
	}

	return buildLenient(ProcessDescriptors(fdProtos), serviceName, c.logger)
}

// buildLenient links file descriptors in dependency order, tolerating
// unresolvable references, and returns the named service.
func buildLenient(fdProtos []*descriptorpb.FileDescriptorProto, serviceName string, logger *slog.Logger) (protoreflect.ServiceDescriptor, error) {
	opts := protodesc.FileOptions{AllowUnresolvable: true}
	localFiles := new(protoregistry.Files)
	resolver := &combinedResolver{local: localFiles, global: protoregistry.GlobalFiles}

	remaining := append([]*descriptorpb.FileDescriptorProto(nil), fdProtos...)
	var serviceDesc protoreflect.ServiceDescriptor
	for len(remaining) > 0 {
		progress := false
		var next []*descriptorpb.FileDescriptorProto

		for _, fd := range remaining {
			if _, err := resolver.FindFileByPath(fd.GetName()); err == nil {
				progress = true
				continue
			}

			parsed, err := opts.New(fd, resolver)
			if err != nil {
				next = append(next, fd)
				continue
			}
			progress = true
			if err := localFiles.RegisterFile(parsed); err != nil {
				logger.Debug("failed to register lenient file",
					slog.String("file", fd.GetName()),
					slog.Any("error", err),
				)
				continue
			}

			services := parsed.Services()
			for i := range services.Len() {
				if string(services.Get(i).FullName()) == serviceName {
					serviceDesc = services.Get(i)
				}
			}
		}

		remaining = next
		if !progress {
			break
		}
	}

	if serviceDesc == nil {
		return nil, fmt.Errorf("service %s not found after lenient parsing", serviceName)
	}
	return serviceDesc, nil
}

// combinedResolver tries local files first, then falls back to the global registry.
type combinedResolver struct {
	local  *protoregistry.Files
	global *protoregistry.Files
}

func (r *combinedResolver) FindFileByPath(path string) (protoreflect.FileDescriptor, error) {
	if fd, err := r.local.FindFileByPath(path); err == nil {
		return fd, nil
	}
	return r.global.FindFileByPath(path)
}

func (r *combinedResolver) FindDescriptorByName(name protoreflect.FullName) (protoreflect.Descriptor, error) {
	if d, err := r.local.FindDescriptorByName(name); err == nil {
		return d, nil
	}
	return r.global.FindDescriptorByName(name)
}
