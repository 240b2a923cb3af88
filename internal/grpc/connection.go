package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shhac/grotto-bridge/internal/domain"
	apperrors "github.com/shhac/grotto-bridge/internal/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/keepalive"
)

// DefaultDialTimeout bounds the wait for a connection to become ready.
const DefaultDialTimeout = 30 * time.Second

// ConnectionState represents the current state of the gRPC connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns a human-readable representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ConnectionManager manages the lifecycle of one gRPC client connection
type ConnectionManager struct {
	conn    *grpc.ClientConn
	state   ConnectionState
	address string
	logger  *slog.Logger
	mu      sync.RWMutex

	// Callbacks for state changes
	onStateChange func(state ConnectionState, message string)
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(logger *slog.Logger) *ConnectionManager {
	return &ConnectionManager{
		state:  StateDisconnected,
		logger: logger,
	}
}

// Connect dials cfg.Address and waits, bounded by cfg.Timeout, for the
// connection to become ready. A target that is refused or fails its TLS
// handshake fails immediately rather than waiting out the timeout. When
// auth is set its authorization header is attached to every RPC.
func (m *ConnectionManager) Connect(ctx context.Context, cfg domain.Connection, auth *domain.Auth) error {
	m.updateState(StateConnecting, "Connecting to "+cfg.Address)

	// Keepalive parameters for long-lived streams
	kaParams := keepalive.ClientParameters{
		Time:                10 * time.Second, // Ping every 10s
		Timeout:             3 * time.Second,  // Wait 3s for ping ack
		PermitWithoutStream: true,             // Keep alive even when idle
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(kaParams),
		grpc.WithTransportCredentials(transportCredentials(cfg)),
	}
	if cfg.UseTLS && cfg.TLS.SkipVerify {
		m.logger.Warn("using insecure TLS connection (skipping certificate verification)",
			slog.String("address", cfg.Address))
	}
	if header := auth.Header(); header != "" {
		if !cfg.UseTLS {
			m.logger.Warn("sending credentials over a plaintext connection",
				slog.String("address", cfg.Address))
		}
		opts = append(opts, grpc.WithPerRPCCredentials(authCredentials{header: header}))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		m.logger.Error("failed to create gRPC client",
			slog.String("address", cfg.Address),
			slog.Any("error", err),
		)
		m.updateState(StateError, "Failed to connect: "+err.Error())
		return apperrors.New(apperrors.KindConnect, "grpc.Connect", fmt.Errorf("%w: %w", apperrors.ErrConnectionFailed, err))
	}

	if err := waitReady(ctx, conn, cfg.Address, timeout); err != nil {
		_ = conn.Close()
		m.logger.Warn("gRPC connection not ready",
			slog.String("address", cfg.Address),
			slog.Any("error", err),
		)
		m.updateState(StateError, err.Error())
		return err
	}

	m.mu.Lock()
	if m.conn != nil {
		oldConn := m.conn
		go func() {
			if err := oldConn.Close(); err != nil {
				m.logger.Warn("failed to close old connection", slog.Any("error", err))
			}
		}()
	}
	m.conn = conn
	m.address = cfg.Address
	m.mu.Unlock()

	m.logger.Info("gRPC connection established",
		slog.String("address", cfg.Address),
		slog.Bool("tls", cfg.UseTLS),
	)
	m.updateState(StateConnected, "connected to "+cfg.Address)

	return nil
}

// waitReady blocks until conn is READY, fails, or ctx expires.
func waitReady(ctx context.Context, conn *grpc.ClientConn, address string, timeout time.Duration) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure:
			return apperrors.New(apperrors.KindConnect, "grpc.Connect",
				fmt.Errorf("%w: %s is unreachable", apperrors.ErrConnectionFailed, address))
		case connectivity.Shutdown:
			return apperrors.New(apperrors.KindConnect, "grpc.Connect",
				fmt.Errorf("%w: connection to %s was shut down", apperrors.ErrConnectionFailed, address))
		}
		if !conn.WaitForStateChange(ctx, state) {
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %s not ready after %s", apperrors.ErrTimeout, address, timeout)
			}
			return apperrors.New(apperrors.KindConnect, "grpc.Connect", err)
		}
	}
}

// Disconnect closes the gRPC connection
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	conn, addr := m.conn, m.address
	m.conn = nil
	m.address = ""
	m.mu.Unlock()

	if conn == nil {
		m.updateState(StateDisconnected, "Already disconnected")
		return nil
	}

	if err := conn.Close(); err != nil {
		m.logger.Error("failed to close connection",
			slog.String("address", addr),
			slog.Any("error", err),
		)
		m.updateState(StateError, "Failed to disconnect: "+err.Error())
		return err
	}

	m.logger.Debug("gRPC connection closed", slog.String("address", addr))
	m.updateState(StateDisconnected, "Disconnected")
	return nil
}

// Conn returns the current gRPC client connection
// Returns nil if not connected
func (m *ConnectionManager) Conn() *grpc.ClientConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// State returns the current connection state
func (m *ConnectionManager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Address returns the current connection address
func (m *ConnectionManager) Address() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.address
}

// SetStateCallback registers a callback function to be called on state changes
func (m *ConnectionManager) SetStateCallback(fn func(state ConnectionState, message string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// updateState updates the connection state and invokes the callback if set
func (m *ConnectionManager) updateState(state ConnectionState, message string) {
	m.mu.Lock()
	m.state = state
	callback := m.onStateChange
	m.mu.Unlock()

	m.logger.Debug("connection state changed",
		slog.String("state", state.String()),
		slog.String("message", message),
	)

	if callback != nil {
		callback(state, message)
	}
}
