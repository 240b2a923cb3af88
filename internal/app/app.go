package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shhac/grotto-bridge/internal/bridge"
	"github.com/shhac/grotto-bridge/internal/logging"
	"github.com/shhac/grotto-bridge/internal/registry"
	"github.com/shhac/grotto-bridge/internal/server"
	"github.com/shhac/grotto-bridge/internal/telemetry"
	"github.com/shhac/grotto-bridge/internal/tunnel"
)

// Name is used for the log directory and trace resource.
const Name = "grotto-bridge"

// Version is set at build time.
var Version = "dev"

// App is the main application coordinator, responsible for wiring
// together all components and managing their lifecycle.
type App struct {
	config   *Config
	logger   *slog.Logger
	logFile  io.Closer
	registry *registry.Registry
	sessions *bridge.Manager
	server   *server.Server
	tracing  telemetry.ShutdownFunc
}

// New creates a new App instance with the given configuration.
// This performs all dependency injection and wiring.
func New(ctx context.Context, cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logFile, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("initializing grotto bridge",
		slog.String("listen", cfg.Listen),
		slog.Bool("debug", cfg.Debug),
		slog.Int("max_sessions", cfg.MaxSessions),
	)

	tracing, err := telemetry.Setup(telemetry.Config{
		Enabled:     cfg.Tracing,
		ServiceName: Name,
		Version:     Version,
	})
	if err != nil {
		closeQuietly(logFile)
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	reg := registry.New(logger)
	if len(cfg.ProtoFiles) > 0 {
		sources, err := ReadProtoFiles(cfg.ProtoRoot, cfg.ProtoFiles)
		if err == nil {
			_, err = reg.Register(ctx, sources)
		}
		if err != nil {
			_ = tracing(ctx)
			closeQuietly(logFile)
			return nil, fmt.Errorf("failed to load proto files: %w", err)
		}
	}

	sessions := bridge.NewManager(reg, bridge.ManagerConfig{
		MaxSessions: cfg.MaxSessions,
		Session:     bridge.Options{DialTimeout: cfg.DialTimeout},
	}, logger)

	srv := server.New(server.Config{
		Addr:           cfg.Listen,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
		DialTimeout:    cfg.DialTimeout,
		Tunnel: tunnel.Options{
			OriginPatterns: cfg.AllowedOrigins,
			ReadLimit:      cfg.MaxUploadBytes,
			PingInterval:   cfg.PingInterval,
		},
	}, reg, sessions, logger)

	logger.Info("application initialized successfully")

	return &App{
		config:   cfg,
		logger:   logger,
		logFile:  logFile,
		registry: reg,
		sessions: sessions,
		server:   srv,
		tracing:  tracing,
	}, nil
}

func newLogger(cfg *Config) (*slog.Logger, io.Closer, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}
	format, err := logging.ParseFormat(cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	var file io.Closer
	if path := cfg.Log.File; path != "" {
		if path == "default" {
			if path, err = logging.DefaultFilePath(Name); err != nil {
				return nil, nil, err
			}
		}
		f, err := logging.OpenFile(path)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stderr, f)
		file = f
	}

	return logging.New(logging.Config{
		Level:     level,
		Format:    format,
		Output:    out,
		AddSource: cfg.Debug,
	}), file, nil
}

// ReadProtoFiles reads paths into a source set. Each file is named by its
// path relative to root, or by its base name when root is empty.
func ReadProtoFiles(root string, paths []string) (map[string]string, error) {
	sources := make(map[string]string, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		name := filepath.Base(p)
		if root != "" {
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return nil, fmt.Errorf("%s is not under %s: %w", p, root, err)
			}
			name = rel
		}
		name = filepath.ToSlash(name)
		if _, dup := sources[name]; dup {
			return nil, fmt.Errorf("proto file %q given twice", name)
		}
		sources[name] = string(data)
	}
	return sources, nil
}

// Run serves HTTP until ctx ends, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting application")
	defer a.close()
	return a.server.ListenAndServe(ctx, a.config.ShutdownTimeout)
}

func (a *App) close() {
	if err := a.tracing(context.Background()); err != nil {
		a.logger.Warn("failed to flush traces", slog.Any("error", err))
	}
	a.logger.Info("application shutdown complete")
	closeQuietly(a.logFile)
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Registry returns the proto registry.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Sessions returns the session manager.
func (a *App) Sessions() *bridge.Manager {
	return a.sessions
}

// Server returns the HTTP server.
func (a *App) Server() *server.Server {
	return a.server
}
