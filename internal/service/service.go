package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"permstate/internal/cache"
	"permstate/internal/config"
	"permstate/internal/metrics"
	"permstate/internal/models"
	"permstate/internal/nats"
	"permstate/internal/permissions"
)

var (
	// ErrNameRequired is returned for an empty permission name
	ErrNameRequired = models.ErrNameRequired
	// ErrInvalidName is returned for a name that is not a valid key
	ErrInvalidName = models.ErrInvalidName
	// ErrInvalidState is returned when writing a state outside granted, denied, prompt
	ErrInvalidState = models.ErrInvalidState
)

// DefaultSnapshotTTL bounds how long a read is served from the snapshot cache
const DefaultSnapshotTTL = 30 * time.Second

// Store is the writable side of the permission platform
type Store interface {
	SetState(ctx context.Context, name string, state models.PermissionState) error
	Delete(ctx context.Context, name string) error
	Ready(ctx context.Context) error
	Close() error
}

// PermissionService answers permission reads from the snapshot cache or the
// live permission cache, and forwards admin writes to the platform
type PermissionService struct {
	states      *permissions.Cache
	snapshots   cache.MemoryCache
	store       Store
	snapshotTTL time.Duration
	logger      zerolog.Logger
}

// NewPermissionService creates a new permission service
func NewPermissionService(states *permissions.Cache, snapshots cache.MemoryCache, store Store, snapshotTTL time.Duration, logger zerolog.Logger) *PermissionService {
	if snapshotTTL <= 0 {
		snapshotTTL = DefaultSnapshotTTL
	}
	return &PermissionService{
		states:      states,
		snapshots:   snapshots,
		store:       store,
		snapshotTTL: snapshotTTL,
		logger:      logger.With().Str("component", "PermissionService").Logger(),
	}
}

// Ready checks whether the platform is reachable
func (s *PermissionService) Ready(ctx context.Context) error {
	return s.store.Ready(ctx)
}

// GetState returns the current state of a permission, checking the snapshot
// cache first. A snapshot is served until snapshotTTL even if the platform
// was written by someone other than this service.
func (s *PermissionService) GetState(ctx context.Context, name string) (models.Snapshot, error) {
	desc := models.Named(name)
	if err := desc.Validate(); err != nil {
		return models.Snapshot{}, err
	}
	key := desc.Key()

	if snap, found := s.snapshots.Get(key); found {
		return snap, nil
	}

	state, err := s.states.Current(ctx, desc)
	if err != nil {
		return models.Snapshot{}, err
	}
	return s.record(key, state), nil
}

// GetMultipleStates reads several permissions. Names are deduplicated by key;
// the first failure aborts the batch.
func (s *PermissionService) GetMultipleStates(ctx context.Context, names []string) (map[string]models.Snapshot, error) {
	descs := make(map[string]models.Descriptor, len(names))
	keys := make([]string, 0, len(names))
	for _, name := range names {
		desc := models.Named(name)
		if err := desc.Validate(); err != nil {
			return nil, err
		}
		key := desc.Key()
		if _, seen := descs[key]; seen {
			continue
		}
		descs[key] = desc
		keys = append(keys, key)
	}

	result := s.snapshots.GetMultiple(keys)
	for _, key := range keys {
		if _, found := result[key]; found {
			continue
		}
		state, err := s.states.Current(ctx, descs[key])
		if err != nil {
			return nil, fmt.Errorf("failed to read permission %s: %w", key, err)
		}
		result[key] = s.record(key, state)
	}

	return result, nil
}

// Watch streams state changes for one permission until ctx is done or the
// stream fails. Every state seen refreshes the snapshot cache.
func (s *PermissionService) Watch(ctx context.Context, name string) (<-chan permissions.Update, error) {
	desc := models.Named(name)
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	key := desc.Key()

	in := s.states.State(desc).Updates(ctx)
	out := make(chan permissions.Update, 1)

	go func() {
		defer close(out)
		for u := range in {
			if u.Err == nil {
				s.record(key, u.State)
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// SetState writes a state into the platform and drops the stale snapshot.
// Live subscribers see the change through the platform's change event.
func (s *PermissionService) SetState(ctx context.Context, name string, state models.PermissionState) error {
	desc := models.Named(name)
	if err := desc.Validate(); err != nil {
		return err
	}
	if !state.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}

	if err := s.store.SetState(ctx, desc.Key(), state); err != nil {
		return fmt.Errorf("failed to store permission state: %w", err)
	}
	s.snapshots.Delete(desc.Key())

	s.logger.Info().Str("permission", desc.Key()).Str("state", string(state)).Msg("permission state written")
	return nil
}

// ResetState returns a permission to prompt by removing its stored state
func (s *PermissionService) ResetState(ctx context.Context, name string) error {
	desc := models.Named(name)
	if err := desc.Validate(); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, desc.Key()); err != nil {
		return fmt.Errorf("failed to reset permission state: %w", err)
	}
	s.snapshots.Delete(desc.Key())
	return nil
}

// Close closes the service and its dependencies
func (s *PermissionService) Close() error {
	_ = s.states.Close()
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	s.snapshots.Clear()
	return nil
}

func (s *PermissionService) record(key string, state models.PermissionState) models.Snapshot {
	snap := models.Snapshot{
		Name:       key,
		State:      state,
		ObservedAt: time.Now().UTC(),
		TTL:        s.snapshotTTL,
	}
	s.snapshots.Set(key, snap, s.snapshotTTL)
	return snap
}

// ServiceBuilder helps build a complete permission service
type ServiceBuilder struct {
	config *config.Config
	logger zerolog.Logger
}

// NewServiceBuilder creates a new service builder
func NewServiceBuilder(config *config.Config) *ServiceBuilder {
	return &ServiceBuilder{config: config, logger: zerolog.Nop()}
}

// WithLogger sets the logger handed to every component
func (b *ServiceBuilder) WithLogger(logger zerolog.Logger) *ServiceBuilder {
	b.logger = logger
	return b
}

// BuildPlatform connects the NATS-backed permission platform
func (b *ServiceBuilder) BuildPlatform() (*nats.Platform, error) {
	natsConfig := nats.KVConfig{
		ServerURL:   b.config.NATS.ServerURL,
		BucketName:  b.config.NATS.KVBucket,
		Embedded:    b.config.NATS.Embedded,
		DataDir:     b.config.NATS.DataDir,
		NodeType:    b.config.Service.NodeType,
		CenterURL:   b.config.NATS.CenterURL,
		LeafPort:    b.config.NATS.LeafPort,
		ClusterPort: b.config.NATS.ClusterPort,
		MaxMemory:   b.config.NATS.JetStreamMaxMemory,
		MaxStore:    b.config.NATS.JetStreamMaxStore,
	}

	platform, err := nats.NewPlatform(natsConfig, b.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS platform: %w", err)
	}
	return platform, nil
}

// BuildCache creates the permission state cache over a platform
func (b *ServiceBuilder) BuildCache(platform permissions.Platform) (*permissions.Cache, error) {
	queryTimeout, err := b.config.Permissions.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query timeout: %w", err)
	}
	return permissions.NewCache(platform,
		permissions.WithLogger(b.logger),
		permissions.WithQueryTimeout(queryTimeout),
		permissions.WithHooks(metrics.PermissionHooks()),
	), nil
}

// Build builds and configures all service components
func (b *ServiceBuilder) Build() (*PermissionService, error) {
	var snapshots cache.MemoryCache
	var err error
	if b.config.Cache.MaxCost > 0 {
		snapshots, err = cache.NewRistrettoCache(cache.RistrettoConfig{
			MaxCost:     b.config.Cache.MaxCost,
			NumCounters: b.config.Cache.NumCounters,
			BufferItems: b.config.Cache.BufferItems,
			Metrics:     b.config.Cache.Metrics,
		})
	} else {
		snapshots, err = cache.NewMemoryCache(b.config.Cache.MaxSize)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}

	snapshotTTL, err := b.config.Permissions.GetSnapshotTTL()
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot TTL: %w", err)
	}

	platform, err := b.BuildPlatform()
	if err != nil {
		return nil, err
	}

	states, err := b.BuildCache(platform)
	if err != nil {
		_ = platform.Close()
		return nil, err
	}

	return NewPermissionService(states, snapshots, platform, snapshotTTL, b.logger), nil
}
