package downloader

import (
	"errors"
	"fmt"
	"sync"

	"github.com/amaumene/fetcharr/internal/config"
	"github.com/amaumene/fetcharr/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrUnknownType is returned when no adapter factory is registered for a
// backend type.
var ErrUnknownType = errors.New("no adapter registered for backend type")

// Factory builds an adapter for one configured backend
type Factory func(cfg config.BackendConfig, logger *logrus.Logger) (Downloader, error)

// Registry maps backend types to adapter factories. It is populated once at
// process start and read-only afterwards; this is the only place a new
// backend type needs to be wired in. Constructed adapters are cached per
// backend name so per-cycle configuration re-reads don't re-authenticate.
type Registry struct {
	factories map[models.BackendType]Factory
	logger    *logrus.Logger

	mu    sync.Mutex
	cache map[string]cachedAdapter
}

type cachedAdapter struct {
	adapter Downloader
	cfg     config.BackendConfig
}

// NewRegistry creates an empty registry
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		factories: make(map[models.BackendType]Factory),
		cache:     make(map[string]cachedAdapter),
		logger:    logger,
	}
}

// Register wires a backend type to its adapter factory
func (r *Registry) Register(t models.BackendType, f Factory) {
	r.factories[t] = f
}

// Adapter returns the adapter for a backend configuration, building it on
// first use. A cached adapter is discarded when its connection settings
// changed since construction.
func (r *Registry) Adapter(cfg config.BackendConfig) (Downloader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache[cfg.Name]; ok {
		if cached.cfg == cfg {
			return cached.adapter, nil
		}
		r.logger.WithField("backend", cfg.Name).Debug("Backend configuration changed, rebuilding adapter")
		delete(r.cache, cfg.Name)
	}

	factory, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, cfg.Type)
	}

	adapter, err := factory(cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter for backend %s: %w", cfg.Name, err)
	}

	r.cache[cfg.Name] = cachedAdapter{adapter: adapter, cfg: cfg}
	return adapter, nil
}
