package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownDriver is returned when the configured driver name has no
// registered factory. This is a configuration error and should be fatal.
var ErrUnknownDriver = errors.New("mailbox store driver is not supported")

// Config selects and locates a storage driver. Components never read ambient
// configuration; everything arrives through this struct.
type Config struct {
	Driver string
	Path   string // file driver: base directory for <id>.json files
	DBPath string // sqlite driver: database file, empty for in-memory
}

// Factory builds a MessageStore from configuration.
type Factory func(ctx context.Context, cfg Config) (MessageStore, error)

// Manager resolves driver names to store constructors. The built-in drivers
// are "file" and "sqlite"; callers may register their own.
type Manager struct {
	factories map[string]Factory
}

func NewManager() *Manager {
	m := &Manager{factories: make(map[string]Factory)}
	m.Register("file", func(_ context.Context, cfg Config) (MessageStore, error) {
		return NewFileStore(cfg.Path)
	})
	m.Register("sqlite", func(ctx context.Context, cfg Config) (MessageStore, error) {
		s, err := OpenSQLite(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	})
	return m
}

// Register adds or replaces a driver factory.
func (m *Manager) Register(name string, factory Factory) {
	m.factories[name] = factory
}

// Open constructs the store named by cfg.Driver, failing fast on unknown
// driver names.
func (m *Manager) Open(ctx context.Context, cfg Config) (MessageStore, error) {
	factory, ok := m.factories[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	s, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %q store: %w", cfg.Driver, err)
	}
	return s, nil
}
