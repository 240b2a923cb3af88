package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/shhac/grotto-bridge/internal/errors"
)

// ErrTooManySessions is returned by Serve when the session limit is reached.
var ErrTooManySessions = errors.New("too many concurrent sessions")

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// MaxSessions caps concurrent sessions; zero means unlimited.
	MaxSessions int
	Session     Options
}

// Manager tracks the open sessions of the process.
type Manager struct {
	resolver Resolver
	cfg      ManagerConfig
	limiter  *sessionLimiter
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager resolving methods through resolver.
func NewManager(resolver Resolver, cfg ManagerConfig, logger *slog.Logger) *Manager {
	return &Manager{
		resolver: resolver,
		cfg:      cfg,
		limiter:  newSessionLimiter(cfg.MaxSessions),
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Accept registers a session for tunnel. The caller runs it with
// Session.Serve, which releases its slot on return. Over the session limit
// the tunnel receives one error frame and is closed.
func (m *Manager) Accept(ctx context.Context, tunnel Tunnel) (*Session, error) {
	if !m.limiter.Acquire() {
		metricSessionsRejected.Inc()
		c := apperrors.Classify(apperrors.New(apperrors.KindInternal, "bridge.Accept",
			fmt.Errorf("%w (limit %d)", ErrTooManySessions, m.cfg.MaxSessions)))
		_ = tunnel.WriteFrame(ctx, errorFrame(c.Content()))
		_ = tunnel.Close("session limit reached")
		m.logger.Warn("session rejected", slog.Int("limit", m.cfg.MaxSessions))
		return nil, ErrTooManySessions
	}

	s := newSession(ctx, uuid.NewString(), tunnel, m.resolver, m.cfg.Session, m.logger)
	s.onDone = func() { m.release(s) }
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	metricSessionsActive.Inc()
	return s, nil
}

// Serve accepts tunnel and runs its session to completion.
func (m *Manager) Serve(ctx context.Context, tunnel Tunnel) error {
	s, err := m.Accept(ctx, tunnel)
	if err != nil {
		return err
	}
	s.Serve()
	return nil
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	m.limiter.Release()
	metricSessionsActive.Dec()
}

// Close ends one session with a "closed" notice.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return apperrors.Newf(apperrors.KindNotFound, "bridge.Close", "session %q not found", id)
	}
	s.Close()
	return nil
}

// Sessions lists the open sessions, oldest first.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Shutdown closes every session and waits for them to finish or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	for _, s := range list {
		s.Close()
	}
	for _, s := range list {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(list) > 0 {
		m.logger.Info("sessions closed", slog.Int("count", len(list)))
	}
	return nil
}
