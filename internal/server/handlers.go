package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shhac/grotto-bridge/internal/domain"
	apperrors "github.com/shhac/grotto-bridge/internal/errors"
	"github.com/shhac/grotto-bridge/internal/grpc"
	"github.com/shhac/grotto-bridge/internal/reflection"
	"github.com/shhac/grotto-bridge/internal/registry"
	"github.com/shhac/grotto-bridge/internal/schema"
	"github.com/shhac/grotto-bridge/internal/tunnel"
)

const protoFormField = "proto"

type loadResponse struct {
	Message  string              `json:"message"`
	Services map[string][]string `json:"services"`
}

func loaded(snap *registry.Snapshot, from string) loadResponse {
	return loadResponse{
		Message:  fmt.Sprintf("Loaded %d service(s) from %s", snap.Len(), from),
		Services: snap.Directory(),
	}
}

func (s *Server) handleUploadProto(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		respondError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File[protoFormField]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("no files in form field %q", protoFormField))
		return
	}

	sources := make(map[string]string, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read "+fh.Filename)
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read "+fh.Filename)
			return
		}
		if _, dup := sources[fh.Filename]; dup {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("file %q uploaded twice", fh.Filename))
			return
		}
		sources[fh.Filename] = string(data)
	}

	snap, err := s.registry.Register(r.Context(), sources)
	if err != nil {
		s.logger.Info("proto upload rejected", slog.Int("files", len(sources)), slog.Any("error", err))
		respondClassified(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, loaded(snap, fmt.Sprintf("%d file(s)", len(sources))))
}

type reflectRequest struct {
	Target   string            `json:"target"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Auth     *domain.Auth      `json:"auth,omitempty"`
}

func (s *Server) handleReflect(w http.ResponseWriter, r *http.Request) {
	var req reflectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Target) == "" {
		respondError(w, http.StatusBadRequest, "target is required")
		return
	}

	conns, ctx, err := grpc.Dial(r.Context(), req.Target, grpc.CallOptions{
		Metadata:    req.Metadata,
		Auth:        req.Auth,
		DialTimeout: s.cfg.DialTimeout,
	}, s.logger)
	if err != nil {
		respondClassified(w, http.StatusBadGateway, err)
		return
	}
	defer func() { _ = conns.Disconnect() }()

	services, err := reflection.NewClient(conns.Conn(), s.logger).Services(ctx)
	if err != nil {
		respondClassified(w, http.StatusBadGateway, err)
		return
	}
	snap, err := s.registry.Load(req.Target, services)
	if err != nil {
		respondClassified(w, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusOK, loaded(snap, "reflection on "+req.Target))
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	if snap == nil {
		respondError(w, http.StatusBadRequest, "No descriptor loaded")
		return
	}
	respondJSON(w, http.StatusOK, snap.Directory())
}

type methodView struct {
	Name       string `json:"name"`
	FullName   string `json:"fullName"`
	Shape      string `json:"shape"`
	InputType  string `json:"inputType"`
	OutputType string `json:"outputType"`
}

type serviceView struct {
	Name     string       `json:"name"`
	FullName string       `json:"fullName"`
	Methods  []methodView `json:"methods"`
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	if snap == nil {
		respondError(w, http.StatusBadRequest, "No descriptor loaded")
		return
	}

	services := snap.Services()
	views := make([]serviceView, 0, len(services))
	for _, svc := range services {
		view := serviceView{Name: svc.Name, FullName: svc.FullName, Methods: make([]methodView, 0, len(svc.Methods))}
		for _, m := range svc.Methods {
			view.Methods = append(view.Methods, methodView{
				Name:       m.Name,
				FullName:   m.FullName,
				Shape:      m.Shape().String(),
				InputType:  m.InputType,
				OutputType: m.OutputType,
			})
		}
		views = append(views, view)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"source":   snap.Source(),
		"loadedAt": snap.LoadedAt().UTC().Format(time.RFC3339),
		"services": views,
	})
}

func (s *Server) handleMethodSchema(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	method := chi.URLParam(r, "method")

	md, err := s.registry.Lookup(service, method)
	if err != nil {
		respondClassified(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"service": string(md.Parent().FullName()),
		"method":  string(md.Name()),
		"shape":   domain.ShapeOf(md.IsStreamingClient(), md.IsStreamingServer()).String(),
		"input":   schema.Describe(md.Input()),
		"output":  schema.Describe(md.Output()),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.Sessions()})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if err := s.sessions.Close(id); err != nil {
		respondClassified(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "session closed"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	tun, err := tunnel.Accept(w, r, s.cfg.Tunnel, s.logger)
	if err != nil {
		// Accept has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}
	_ = s.sessions.Serve(r.Context(), tun)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	services := 0
	if snap := s.registry.Snapshot(); snap != nil {
		services = snap.Len()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"services": services,
		"sessions": len(s.sessions.Sessions()),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondClassified reports err with its client-facing title. The status
// follows the error kind and falls back to def.
func respondClassified(w http.ResponseWriter, def int, err error) {
	c := apperrors.Classify(err)
	status := def
	switch c.Kind {
	case apperrors.KindParse, apperrors.KindSchemaMismatch, apperrors.KindProtocolViolation:
		status = http.StatusBadRequest
	case apperrors.KindNotFound:
		status = http.StatusNotFound
	case apperrors.KindConnect, apperrors.KindUpstream:
		status = http.StatusBadGateway
	case apperrors.KindAuth:
		status = http.StatusUnauthorized
	}
	respondJSON(w, status, map[string]string{"error": c.Content()})
}
