// Package manager routes storage.Client calls to one remote.Client per
// protocol.
//
// Drivers are registered up front as factories. The remote client for a
// protocol, with its own session cache and I/O pool, is only built the first
// time a connection of that protocol is used.
package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/marmos91/sharefs/internal/logger"
	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/session"
	"github.com/marmos91/sharefs/pkg/storage"
	"github.com/marmos91/sharefs/pkg/storage/proxy"
	"github.com/marmos91/sharefs/pkg/storage/remote"
)

// DriverFactory builds the driver for a protocol.
type DriverFactory func() (storage.Driver, error)

// Config configures a Manager.
type Config struct {
	// Remote is the template for every per-protocol client.
	Remote remote.Config

	// SessionMetrics returns the session cache metrics for a protocol (optional).
	SessionMetrics func(connection.Protocol) session.Metrics

	// TransferMetrics returns the handle metrics for a protocol (optional).
	TransferMetrics func(connection.Protocol) proxy.Metrics
}

// Manager implements storage.Client across protocols.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	factories map[connection.Protocol]DriverFactory
	clients   map[connection.Protocol]*remote.Client
	closed    bool
}

var _ storage.Client = (*Manager)(nil)

// New creates an empty Manager.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg,
		factories: make(map[connection.Protocol]DriverFactory),
		clients:   make(map[connection.Protocol]*remote.Client),
	}
}

// Register installs the driver factory for protocol. Registering the same
// protocol twice replaces the factory but not an already built client.
func (m *Manager) Register(protocol connection.Protocol, factory DriverFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[protocol] = factory
}

// RegisterDriver installs an already constructed driver for protocol.
func (m *Manager) RegisterDriver(protocol connection.Protocol, driver storage.Driver) {
	m.Register(protocol, func() (storage.Driver, error) { return driver, nil })
}

// Protocols lists the registered protocols in sorted order.
func (m *Manager) Protocols() []connection.Protocol {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]connection.Protocol, 0, len(m.factories))
	for p := range m.factories {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Client returns the remote client for protocol, building it on first use.
func (m *Manager) Client(protocol connection.Protocol) (*remote.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, storage.NewError(storage.CodeClosed, "client", string(protocol), session.ErrClosed)
	}
	if c, ok := m.clients[protocol]; ok {
		return c, nil
	}

	factory, ok := m.factories[protocol]
	if !ok {
		return nil, storage.NewError(storage.CodeNotSupported, "client", string(protocol),
			fmt.Errorf("no driver registered for protocol %q", protocol))
	}

	driver, err := factory()
	if err != nil {
		return nil, storage.NewError(storage.CodeInvalidArgument, "client", string(protocol),
			fmt.Errorf("create %s driver: %w", protocol, err))
	}

	cfg := m.cfg.Remote
	if m.cfg.SessionMetrics != nil {
		cfg.Session.Metrics = m.cfg.SessionMetrics(protocol)
	}
	if m.cfg.TransferMetrics != nil {
		cfg.TransferMetrics = m.cfg.TransferMetrics(protocol)
	}

	c := remote.New(driver, cfg)
	m.clients[protocol] = c
	logger.Debug("Manager: created %s client", protocol)
	return c, nil
}

// pair resolves the client shared by source and target.
func (m *Manager) pair(op string, source, target connection.Connection) (*remote.Client, error) {
	if source.Protocol != target.Protocol {
		return nil, storage.NewError(storage.CodeInvalidArgument, op, target.URI(),
			fmt.Errorf("cannot %s from %s to %s", op, source.Protocol, target.Protocol))
	}
	return m.Client(source.Protocol)
}

// ============================================================================
// storage.Client
// ============================================================================

func (m *Manager) CheckConnection(ctx context.Context, conn connection.Connection) storage.ConnectionResult {
	c, err := m.Client(conn.Protocol)
	if err != nil {
		return storage.Failure(err)
	}
	return c.CheckConnection(ctx, conn)
}

func (m *Manager) GetFile(ctx context.Context, conn connection.Connection, forced bool) (*storage.FileEntity, error) {
	c, err := m.Client(conn.Protocol)
	if err != nil {
		return nil, err
	}
	return c.GetFile(ctx, conn, forced)
}

func (m *Manager) GetChildren(ctx context.Context, conn connection.Connection, forced bool) ([]storage.FileEntity, error) {
	c, err := m.Client(conn.Protocol)
	if err != nil {
		return nil, err
	}
	return c.GetChildren(ctx, conn, forced)
}

func (m *Manager) CreateFile(ctx context.Context, conn connection.Connection, mimeType string) (*storage.FileEntity, error) {
	c, err := m.Client(conn.Protocol)
	if err != nil {
		return nil, err
	}
	return c.CreateFile(ctx, conn, mimeType)
}

func (m *Manager) CopyFile(ctx context.Context, source, target connection.Connection) (*storage.FileEntity, error) {
	c, err := m.pair("copy", source, target)
	if err != nil {
		return nil, err
	}
	return c.CopyFile(ctx, source, target)
}

func (m *Manager) RenameFile(ctx context.Context, source, target connection.Connection) (*storage.FileEntity, error) {
	c, err := m.pair("rename", source, target)
	if err != nil {
		return nil, err
	}
	return c.RenameFile(ctx, source, target)
}

func (m *Manager) DeleteFile(ctx context.Context, conn connection.Connection) (bool, error) {
	c, err := m.Client(conn.Protocol)
	if err != nil {
		return false, err
	}
	return c.DeleteFile(ctx, conn)
}

func (m *Manager) MoveFile(ctx context.Context, source, target connection.Connection) (*storage.FileEntity, error) {
	c, err := m.pair("move", source, target)
	if err != nil {
		return nil, err
	}
	return c.MoveFile(ctx, source, target)
}

func (m *Manager) GetFileDescriptor(ctx context.Context, conn connection.Connection, mode connection.AccessMode, onRelease func()) (storage.Handle, error) {
	c, err := m.Client(conn.Protocol)
	if err != nil {
		return nil, err
	}
	return c.GetFileDescriptor(ctx, conn, mode, onRelease)
}

// Close closes every client built so far. Later calls fail with CodeClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	clients := m.clients
	m.clients = make(map[connection.Protocol]*remote.Client)
	m.mu.Unlock()

	var errs []error
	for protocol, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s client: %w", protocol, err))
		}
	}
	return errors.Join(errs...)
}
