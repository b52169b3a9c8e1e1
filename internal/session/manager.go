package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/keymutex"

	"github.com/arcadecast/arcadecast/internal/metrics"
	"github.com/arcadecast/arcadecast/internal/transport"
	"github.com/arcadecast/arcadecast/internal/util"
)

// ErrTooManySessions rejects an open beyond the configured session limit.
var ErrTooManySessions = errors.New("too many active sessions")

const joinTimeout = 5 * time.Second

// Manager is the transport handler: it opens a session per connection and
// routes connection events to it.
type Manager struct {
	cfg     Config
	opener  Opener
	metrics *metrics.Metrics
	logger  *slog.Logger

	// serializes open/replace per client id
	clientLock keymutex.KeyMutex

	mu       sync.Mutex
	sessions map[*transport.Conn]*Session
	pending  int
}

func NewManager(cfg Config, opener Opener, m *metrics.Metrics) *Manager {
	return &Manager{
		cfg:        cfg,
		opener:     opener,
		metrics:    m,
		logger:     util.GetLogger().With("component", "session_manager"),
		clientLock: keymutex.NewHashed(64),
		sessions:   make(map[*transport.Conn]*Session),
	}
}

// OnOpen starts a session for a new connection. A client id that already
// has a live session replaces it.
func (m *Manager) OnOpen(c *transport.Conn, params transport.Params) error {
	if params.ClientID != "" {
		m.clientLock.LockKey(params.ClientID)
		defer m.clientLock.UnlockKey(params.ClientID)

		if old := m.byClient(params.ClientID); old != nil {
			m.logger.Info("Replacing session for reconnecting client", "client", params.ClientID, "session", old.ID())
			old.Close(errors.New("replaced by new connection"))
			m.join(old)
		}
	}

	if err := m.reserve(); err != nil {
		m.metrics.SessionFailed()
		return err
	}

	sess := New(m.cfg, c, m.opener, params.Program, params.ClientID, m.metrics)
	err := sess.Start()

	m.mu.Lock()
	m.pending--
	if err == nil {
		m.sessions[c] = sess
	}
	m.mu.Unlock()

	if err != nil {
		m.metrics.SessionFailed()
		return err
	}
	return nil
}

// OnMessage routes a text frame to the connection's session.
func (m *Manager) OnMessage(c *transport.Conn, text string) {
	if sess := m.get(c); sess != nil {
		sess.HandleMessage(text)
	}
}

// OnClose tears the connection's session down and waits for its machine
// loop to finish.
func (m *Manager) OnClose(c *transport.Conn, reason error) {
	sess := m.get(c)
	if sess == nil {
		return
	}
	sess.Close(reason)
	m.join(sess)

	m.mu.Lock()
	delete(m.sessions, c)
	m.mu.Unlock()
}

// List returns a snapshot of every session, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session and waits for them to reach Closed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Close(errors.New("server shutting down"))
	}
	for _, s := range all {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxSessions > 0 && len(m.sessions)+m.pending >= m.cfg.MaxSessions {
		return errors.Wrapf(ErrTooManySessions, "limit %d", m.cfg.MaxSessions)
	}
	m.pending++
	return nil
}

func (m *Manager) get(c *transport.Conn) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[c]
}

func (m *Manager) byClient(clientID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ClientID() == clientID && s.State() < Closing {
			return s
		}
	}
	return nil
}

func (m *Manager) join(s *Session) {
	select {
	case <-s.Done():
	case <-time.After(joinTimeout):
		m.logger.Warn("Session did not stop in time", "session", s.ID())
	}
}
