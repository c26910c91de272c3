package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Settings carries everything a factory needs to open an adapter. Each
// backend reads the subset that applies to it.
type Settings struct {
	// URL is the API base URL of a hosted backend.
	URL string

	// Token authenticates API requests.
	Token string

	// Container is the base id (NocoDB, Teable) or document id (Grist)
	// holding the journal tables.
	Container string

	// Path is the database file of the sqlite backend.
	Path string

	// BatchSize lowers the backend's batch cap. Zero keeps the backend
	// default.
	BatchSize int

	Retry RetryPolicy

	// BreakerFailures is the number of consecutive transport failures that
	// open the circuit breaker; BreakerOpenFor is how long it stays open.
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
}

// Factory opens an adapter for the given settings.
type Factory func(ctx context.Context, s Settings, logger *slog.Logger) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available by name. It panics on duplicate or
// nil registrations, which can only come from programming errors in init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("backend: Register factory is nil for " + name)
	}
	if _, dup := registry[name]; dup {
		panic("backend: Register called twice for " + name)
	}
	registry[name] = f
}

// Open creates the adapter registered under name.
func Open(ctx context.Context, name string, s Settings, logger *slog.Logger) (Adapter, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (available: %v)", name, Names())
	}
	if logger == nil {
		logger = slog.Default()
	}
	a, err := f(ctx, s, logger.With("backend", name))
	if err != nil {
		return nil, fmt.Errorf("opening backend %s: %w", name, err)
	}
	return a, nil
}

// Names lists the registered backends in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BatchSize returns the effective create batch size: the requested size
// clamped to the backend cap. Zero or negative requests use the cap.
func BatchSize(capMax, requested int) int {
	if capMax <= 0 {
		capMax = 1
	}
	if requested <= 0 || requested > capMax {
		return capMax
	}
	return requested
}
