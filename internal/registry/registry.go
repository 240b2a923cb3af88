// Package registry holds the service descriptors the bridge can call. A
// registry is replaced wholesale on every successful load; readers always
// see one complete snapshot.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shhac/grotto-bridge/internal/domain"
	apperrors "github.com/shhac/grotto-bridge/internal/errors"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Snapshot is an immutable set of services loaded from one source.
type Snapshot struct {
	source   string
	loadedAt time.Time

	services []protoreflect.ServiceDescriptor
	byName   map[protoreflect.FullName]protoreflect.ServiceDescriptor
	bySimple map[protoreflect.Name][]protoreflect.ServiceDescriptor
}

// NewSnapshot indexes services. A set without services is a parse error.
func NewSnapshot(source string, services []protoreflect.ServiceDescriptor) (*Snapshot, error) {
	if len(services) == 0 {
		return nil, apperrors.Newf(apperrors.KindParse, "registry.NewSnapshot", "definition declares no services")
	}

	s := &Snapshot{
		source:   source,
		loadedAt: time.Now(),
		byName:   make(map[protoreflect.FullName]protoreflect.ServiceDescriptor, len(services)),
		bySimple: make(map[protoreflect.Name][]protoreflect.ServiceDescriptor, len(services)),
	}
	for _, sd := range services {
		if _, dup := s.byName[sd.FullName()]; dup {
			continue
		}
		s.services = append(s.services, sd)
		s.byName[sd.FullName()] = sd
		s.bySimple[sd.Name()] = append(s.bySimple[sd.Name()], sd)
	}
	return s, nil
}

// ServicesOf collects the services declared by files, in declaration order.
func ServicesOf(files []protoreflect.FileDescriptor) []protoreflect.ServiceDescriptor {
	var out []protoreflect.ServiceDescriptor
	for _, fd := range files {
		sds := fd.Services()
		for i := range sds.Len() {
			out = append(out, sds.Get(i))
		}
	}
	return out
}

// Source describes where the snapshot came from, e.g. "upload" or a target.
func (s *Snapshot) Source() string { return s.source }

// LoadedAt returns the time the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Len returns the number of services.
func (s *Snapshot) Len() int { return len(s.services) }

// Services returns the services and their methods in declaration order.
func (s *Snapshot) Services() []domain.Service {
	out := make([]domain.Service, 0, len(s.services))
	for _, sd := range s.services {
		out = append(out, convertService(sd))
	}
	return out
}

// Directory maps each service to its method names. The key is the simple
// service name unless two services share it, in which case the full name
// is used for both.
func (s *Snapshot) Directory() map[string][]string {
	out := make(map[string][]string, len(s.services))
	for _, sd := range s.services {
		key := string(sd.Name())
		if len(s.bySimple[sd.Name()]) > 1 {
			key = string(sd.FullName())
		}
		methods := sd.Methods()
		names := make([]string, 0, methods.Len())
		for i := range methods.Len() {
			names = append(names, string(methods.Get(i).Name()))
		}
		out[key] = names
	}
	return out
}

// Service resolves a service by full or unique simple name.
func (s *Snapshot) Service(name string) (protoreflect.ServiceDescriptor, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), ".")
	if sd, ok := s.byName[protoreflect.FullName(name)]; ok {
		return sd, nil
	}

	candidates := s.bySimple[protoreflect.Name(name)]
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return nil, apperrors.Newf(apperrors.KindNotFound, "registry.Lookup", "service %q not found", name)
	default:
		names := make([]string, 0, len(candidates))
		for _, sd := range candidates {
			names = append(names, string(sd.FullName()))
		}
		sort.Strings(names)
		return nil, apperrors.Newf(apperrors.KindNotFound, "registry.Lookup",
			"service %q is ambiguous, use one of: %s", name, strings.Join(names, ", "))
	}
}

// Lookup resolves a method of a service.
func (s *Snapshot) Lookup(service, method string) (protoreflect.MethodDescriptor, error) {
	sd, err := s.Service(service)
	if err != nil {
		return nil, err
	}
	md := sd.Methods().ByName(protoreflect.Name(strings.TrimSpace(method)))
	if md == nil {
		return nil, apperrors.Newf(apperrors.KindNotFound, "registry.Lookup",
			"method %q not found in service %s", method, sd.FullName())
	}
	return md, nil
}

func convertService(sd protoreflect.ServiceDescriptor) domain.Service {
	methods := sd.Methods()
	service := domain.Service{
		Name:     string(sd.Name()),
		FullName: string(sd.FullName()),
		Methods:  make([]domain.Method, 0, methods.Len()),
	}
	for i := range methods.Len() {
		md := methods.Get(i)
		service.Methods = append(service.Methods, domain.Method{
			Name:           string(md.Name()),
			FullName:       string(md.FullName()),
			InputType:      string(md.Input().FullName()),
			OutputType:     string(md.Output().FullName()),
			IsClientStream: md.IsStreamingClient(),
			IsServerStream: md.IsStreamingServer(),
		})
	}
	return service
}

// Registry is the process-wide holder of the current snapshot.
type Registry struct {
	current atomic.Pointer[Snapshot]
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Snapshot returns the current snapshot, or nil when nothing is loaded.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Replace swaps in a new snapshot.
func (r *Registry) Replace(s *Snapshot) {
	r.current.Store(s)
	r.logger.Info("registry replaced",
		slog.String("source", s.Source()),
		slog.Int("services", s.Len()),
	)
}

// Register compiles sources and replaces the current snapshot with the
// result. On failure the previous snapshot is left in place.
func (r *Registry) Register(ctx context.Context, sources map[string]string) (*Snapshot, error) {
	files, err := Compile(ctx, sources)
	if err != nil {
		r.logger.Warn("proto compilation failed", slog.Any("error", err))
		return nil, err
	}

	return r.Load("upload", ServicesOf(files))
}

// Load replaces the current snapshot with already-linked services, e.g.
// ones discovered through server reflection.
func (r *Registry) Load(source string, services []protoreflect.ServiceDescriptor) (*Snapshot, error) {
	snap, err := NewSnapshot(source, services)
	if err != nil {
		return nil, err
	}
	r.Replace(snap)
	return snap, nil
}

// Lookup resolves (service, method) against the current snapshot.
func (r *Registry) Lookup(service, method string) (protoreflect.MethodDescriptor, error) {
	snap := r.Snapshot()
	if snap == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "registry.Lookup", apperrors.ErrNoDescriptorLoaded)
	}
	return snap.Lookup(service, method)
}

// String summarizes the current snapshot for logs.
func (r *Registry) String() string {
	snap := r.Snapshot()
	if snap == nil {
		return "registry(empty)"
	}
	return fmt.Sprintf("registry(%s, %d services)", snap.Source(), snap.Len())
}
