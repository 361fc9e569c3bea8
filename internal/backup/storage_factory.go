package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"

	apperrors "famsync/internal/errors"
	"famsync/internal/logging"
)

// StorageProviderFactory creates storage providers based on configuration
type StorageProviderFactory struct{}

// NewStorageProviderFactory creates a new storage provider factory
func NewStorageProviderFactory() *StorageProviderFactory {
	return &StorageProviderFactory{}
}

// CreateStorageProvider creates a storage provider based on the storage configuration
func (spf *StorageProviderFactory) CreateStorageProvider(ctx context.Context, config StorageConfig) (StorageProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid storage configuration", err)
	}

	switch config.Provider {
	case StorageProviderLocal:
		return NewLocalStorageProvider(config.Local)
	case StorageProviderMemory:
		return NewMemoryStorageProvider(), nil
	case StorageProviderS3:
		return NewS3StorageProvider(config.S3, config.Prefix)
	case StorageProviderAzure:
		return NewAzureStorageProvider(config.Azure, config.Prefix)
	case StorageProviderGCS:
		return NewGCSStorageProvider(ctx, config.GCS, config.Prefix)
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unsupported storage provider: %s", config.Provider), nil)
	}
}

// GetSupportedProviders returns a list of supported storage provider types
func (spf *StorageProviderFactory) GetSupportedProviders() []StorageProviderType {
	return []StorageProviderType{
		StorageProviderLocal,
		StorageProviderMemory,
		StorageProviderS3,
		StorageProviderAzure,
		StorageProviderGCS,
	}
}

// ProviderBuilder builds a provider from configuration; the factory is the default
type ProviderBuilder func(ctx context.Context, config StorageConfig) (StorageProvider, error)

// RemoteOptions configures a RemoteStore
type RemoteOptions struct {
	ProbeTimeout time.Duration
	ProbeTTL     time.Duration
	Clock        clock.Clock
	Logger       *logging.Logger
	Builder      ProviderBuilder
}

// RemoteStore holds the currently configured remote provider and caches
// the result of the last connectivity probe.
type RemoteStore struct {
	mu       sync.RWMutex
	provider StorageProvider

	probeTimeout time.Duration
	probeTTL     time.Duration
	clock        clock.Clock
	logger       *logging.Logger
	builder      ProviderBuilder

	probedAt time.Time
	probeErr error
	probed   bool
}

// NewRemoteStore creates a holder with no provider configured
func NewRemoteStore(opts RemoteOptions) *RemoteStore {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Builder == nil {
		opts.Builder = NewStorageProviderFactory().CreateStorageProvider
	}
	return &RemoteStore{
		probeTimeout: opts.ProbeTimeout,
		probeTTL:     opts.ProbeTTL,
		clock:        opts.Clock,
		logger:       logging.OrDefault(opts.Logger),
		builder:      opts.Builder,
	}
}

// Provider returns the configured provider or nil
func (rs *RemoteStore) Provider() StorageProvider {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.provider
}

// Timeout is the deadline applied to each remote call
func (rs *RemoteStore) Timeout() time.Duration {
	return rs.probeTimeout
}

// Set swaps in a provider without probing it
func (rs *RemoteStore) Set(provider StorageProvider) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.provider = provider
	rs.probed = false
}

// Configure builds a provider, probes it and swaps it in only when the probe succeeds.
// On failure the previous provider stays active.
func (rs *RemoteStore) Configure(ctx context.Context, config StorageConfig) error {
	provider, err := rs.builder(ctx, config)
	if err != nil {
		return err
	}
	if err := rs.probe(ctx, provider); err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.provider = provider
	rs.probed = true
	rs.probedAt = rs.clock.Now()
	rs.probeErr = nil
	return nil
}

// Online returns the provider when it answered a probe within the probe TTL.
// It returns an offline error when no provider is configured or the probe fails.
func (rs *RemoteStore) Online(ctx context.Context) (StorageProvider, error) {
	rs.mu.RLock()
	provider := rs.provider
	fresh := rs.probed && rs.probeTTL > 0 && rs.clock.Now().Sub(rs.probedAt) < rs.probeTTL
	cachedErr := rs.probeErr
	rs.mu.RUnlock()

	if provider == nil {
		return nil, apperrors.NewOfflineError("no remote store configured", nil)
	}
	if fresh {
		if cachedErr != nil {
			return nil, apperrors.NewOfflineError("remote store unreachable", cachedErr)
		}
		return provider, nil
	}

	err := rs.probe(ctx, provider)

	rs.mu.Lock()
	if rs.provider == provider {
		rs.probed = true
		rs.probedAt = rs.clock.Now()
		rs.probeErr = err
	}
	rs.mu.Unlock()

	if err != nil {
		return nil, apperrors.NewOfflineError("remote store unreachable", err)
	}
	return provider, nil
}

// Invalidate drops the cached probe result
func (rs *RemoteStore) Invalidate() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.probed = false
}

func (rs *RemoteStore) probe(ctx context.Context, provider StorageProvider) error {
	probeCtx, cancel := context.WithTimeout(ctx, rs.probeTimeout)
	defer cancel()

	start := rs.clock.Now()
	err := provider.HealthCheck(probeCtx)
	rs.logger.LogRemoteProbe(provider.Name(), err == nil, rs.clock.Now().Sub(start), err)
	return err
}
