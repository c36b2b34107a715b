package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/redis/go-redis/v9"

	"oneshot.link/config"
	"oneshot.link/internal/logger"
	"oneshot.link/internal/models"
)

// Registry maps each partition to its own Records backend.
type Registry struct {
	def    models.Scope
	stores map[models.Scope]Records
}

func NewRegistry(def models.Scope) *Registry {
	return &Registry{
		def:    def,
		stores: make(map[models.Scope]Records),
	}
}

func (r *Registry) Register(scope models.Scope, records Records) {
	r.stores[scope] = records
}

// Default is the partition used for hosts no domain rule matches.
func (r *Registry) Default() models.Scope {
	return r.def
}

// For returns the store of scope, or ErrUnknownPartition.
func (r *Registry) For(scope models.Scope) (Records, error) {
	records, ok := r.stores[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartition, scope)
	}
	return records, nil
}

func (r *Registry) Has(scope models.Scope) bool {
	_, ok := r.stores[scope]
	return ok
}

// Scopes returns the registered partitions in sorted order.
func (r *Registry) Scopes() []models.Scope {
	scopes := make([]models.Scope, 0, len(r.stores))
	for scope := range r.stores {
		scopes = append(scopes, scope)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i] < scopes[j] })
	return scopes
}

// Each calls fn for every partition in sorted order and joins the errors.
func (r *Registry) Each(fn func(models.Scope, Records) error) error {
	var errs []error
	for _, scope := range r.Scopes() {
		if err := fn(scope, r.stores[scope]); err != nil {
			errs = append(errs, fmt.Errorf("partition %s: %w", scope, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) Close() error {
	return r.Each(func(_ models.Scope, records Records) error {
		return records.Close()
	})
}

// Open builds one store per configured partition. Stores opened before a
// failure are closed again.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Registry, error) {
	registry := NewRegistry(models.Scope(cfg.Partitions.Default))

	for _, name := range cfg.PartitionNames() {
		storeCfg, err := cfg.StoreFor(name)
		if err != nil {
			_ = registry.Close()
			return nil, err
		}

		records, err := openStore(ctx, name, storeCfg, log)
		if err != nil {
			_ = registry.Close()
			return nil, fmt.Errorf("opening %s store for partition %s: %w", storeCfg.Type, name, err)
		}

		log.Info().
			Str("partition", name).
			Str("store", storeCfg.Type).
			Msg("Partition store ready")
		registry.Register(models.Scope(name), records)
	}

	return registry, nil
}

func openStore(ctx context.Context, partition string, cfg config.StoreConfig, log *logger.Logger) (Records, error) {
	switch cfg.Type {
	case "redis":
		return NewRedisStore(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, partition)
	case "badger":
		path := cfg.Badger.Path
		if path != "" {
			path = filepath.Join(path, partition)
		}
		return NewBadgerStore(path, log)
	case "postgres", "sqlite":
		return OpenSQLStore(ctx, cfg.Type, cfg.SQL.DSN, partition, log)
	case "memory":
		return NewMemoryStore(cfg.CleanupInterval), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
