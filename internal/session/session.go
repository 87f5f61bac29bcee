// Package session is the single source of truth for connected
// database sessions: SessionId -> ActiveSession behind an RWMutex.
// Each ActiveSession holds its own driver instance, created from the
// registry at connect time; the driver keeps its connection state
// itself and holds no reference back to the session.
package session

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/qoreforge/dbgateway/internal/driver"
	"github.com/qoreforge/dbgateway/internal/obs"
	"github.com/qoreforge/dbgateway/internal/sshtunnel"
	"github.com/qoreforge/dbgateway/internal/value"
)

// ActiveSession is one connected, authenticated session.
type ActiveSession struct {
	ID          value.SessionId
	Driver      driver.Driver
	Config      driver.ConnectionConfig
	DisplayName string
	ConnectedAt time.Time
	tunnel      *sshtunnel.Tunnel
}

// Manager owns the live SessionId -> ActiveSession map.
type Manager struct {
	registry *driver.Registry
	log      *obs.Logger

	mu       sync.RWMutex
	sessions map[value.SessionId]*ActiveSession
}

func NewManager(registry *driver.Registry, log *obs.Logger) *Manager {
	if log == nil {
		log = obs.NewDefault("session")
	}
	return &Manager{registry: registry, log: log, sessions: make(map[value.SessionId]*ActiveSession)}
}

const (
	testTimeout    = 10 * time.Second
	connectTimeout = 15 * time.Second
)

// openTunnel establishes cfg.SSH (when present) and returns a copy of
// cfg rewritten to point at the tunnel's local listener.
func openTunnel(cfg driver.ConnectionConfig) (driver.ConnectionConfig, *sshtunnel.Tunnel, error) {
	if cfg.SSH == nil {
		return cfg, nil, nil
	}
	t, err := sshtunnel.Open(cfg.SSH, cfg.Host, cfg.Port)
	if err != nil {
		return cfg, nil, err
	}
	host, port, err := splitHostPort(t.LocalAddr())
	if err != nil {
		t.Close()
		return cfg, nil, value.WrapError(value.ErrConnection, "parse tunnel local address", err)
	}
	rewritten := cfg
	rewritten.Host = host
	rewritten.Port = port
	return rewritten, t, nil
}

// TestConnection probes cfg without retaining anything: tunnel up if
// configured, driver probe, everything torn down again. Bounded by a
// 10s timeout so a dead host fails fast instead of hanging the UI.
func (m *Manager) TestConnection(ctx context.Context, cfg driver.ConnectionConfig) error {
	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	drv, err := m.registry.New(cfg.Driver)
	if err != nil {
		return value.WrapError(value.ErrValidation, "unknown driver", err)
	}
	probeCfg, tunnel, err := openTunnel(cfg)
	if err != nil {
		return err
	}
	if tunnel != nil {
		defer tunnel.Close()
	}
	if err := drv.TestConnection(ctx, probeCfg); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return value.WrapError(value.ErrTimeout, "connection test timed out", err)
		}
		return err
	}
	return nil
}

// Connect resolves the driver, opens an SSH tunnel first when cfg.SSH is
// set (rewriting cfg.Host/Port to the tunnel's local listener), then
// connects the driver and registers the resulting session. The
// handshake is bounded by a 15s timeout.
func (m *Manager) Connect(ctx context.Context, cfg driver.ConnectionConfig) (*ActiveSession, error) {
	m.log.WithField("config", cfg.Redacted()).Info("connecting session")

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	drv, err := m.registry.New(cfg.Driver)
	if err != nil {
		return nil, value.WrapError(value.ErrValidation, "unknown driver", err)
	}

	connectCfg, tunnel, err := openTunnel(cfg)
	if err != nil {
		return nil, err
	}

	if err := drv.Connect(ctx, connectCfg); err != nil {
		if tunnel != nil {
			tunnel.Close()
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, value.WrapError(value.ErrTimeout, "connection handshake timed out", err)
		}
		return nil, err
	}

	sess := &ActiveSession{
		ID:          value.NewSessionId(),
		Driver:      drv,
		Config:      cfg,
		DisplayName: displayName(cfg),
		ConnectedAt: time.Now(),
		tunnel:      tunnel,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.log.Session(sess.ID.String()).Info("session connected")
	return sess, nil
}

// Disconnect closes the driver connection (and any SSH tunnel) and
// removes the session from the map. Two-phase: the driver is
// disconnected before the session is forgotten, so a failed disconnect
// leaves the session visible for retry instead of silently vanishing.
func (m *Manager) Disconnect(ctx context.Context, id value.SessionId) error {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return value.NewError(value.ErrNotFound, "session not found")
	}

	if err := sess.Driver.Disconnect(ctx); err != nil {
		return err
	}
	if sess.tunnel != nil {
		_ = sess.tunnel.Close()
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.log.Session(id.String()).Info("session disconnected")
	return nil
}

func (m *Manager) Get(id value.SessionId) (*ActiveSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

func (m *Manager) List() []*ActiveSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ActiveSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// IsReadOnly reports the read-only flag recorded at connect time;
// unknown sessions are treated as read-only so a racing disconnect
// fails closed.
func (m *Manager) IsReadOnly(id value.SessionId) bool {
	sess, ok := m.Get(id)
	if !ok {
		return true
	}
	return sess.Config.ReadOnly
}

// Environment returns the environment tag recorded at connect time.
func (m *Manager) Environment(id value.SessionId) driver.Environment {
	sess, ok := m.Get(id)
	if !ok {
		return driver.EnvDevelopment
	}
	if sess.Config.Environment == "" {
		return driver.EnvDevelopment
	}
	return sess.Config.Environment
}

// IsProduction reports whether the session's environment tag is
// production.
func (m *Manager) IsProduction(id value.SessionId) bool {
	return m.Environment(id) == driver.EnvProduction
}

func displayName(cfg driver.ConnectionConfig) string {
	suffix := ""
	if cfg.SSH != nil {
		suffix = " (SSH)"
	}
	return cfg.User + "@" + cfg.Host + ":" + cfg.Database + suffix
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
