package settings

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dosgo/xkernel/comm"
	"github.com/dosgo/xkernel/param"
)

const (
	KeyRuntime      = "runtime_config"
	KeySubscription = "subscription"
)

// Resolver merges persisted settings with per-call overrides.
type Resolver struct {
	store  Store
	logger *zap.Logger
	// freePort is swapped in tests.
	freePort func() (int, error)
}

func NewResolver(store Store, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, logger: comm.OrNop(logger), freePort: comm.GetFreePort}
}

// Get returns the persisted settings. Keys absent from the stored document
// keep their defaults; nothing stored yields the defaults.
func (r *Resolver) Get(ctx context.Context) (param.RuntimeConfig, error) {
	cfg := param.DefaultRuntimeConfig()
	raw, ok, err := r.store.Get(ctx, KeyRuntime)
	if err != nil {
		return cfg, comm.NewError(comm.ErrConfig, "settings.get", err)
	}
	if !ok {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return param.DefaultRuntimeConfig(), comm.NewError(comm.ErrConfig, "settings.get", err)
	}
	return cfg, nil
}

// Save validates and persists cfg. An api port of 0 is kept and resolved
// to a free port at start.
func (r *Resolver) Save(ctx context.Context, cfg param.RuntimeConfig) error {
	check := cfg
	if check.APIPort == 0 {
		check.APIPort = check.ProxyPort%65535 + 1
	}
	if err := check.Validate(); err != nil {
		return comm.NewError(comm.ErrConfig, "settings.save", err)
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, KeyRuntime, string(data)); err != nil {
		return comm.NewError(comm.ErrConfig, "settings.save", err)
	}
	return nil
}

// Resolve returns the effective settings for one request: persisted values,
// then overrides field by field. An api port of 0 is replaced by a free
// port and a missing api secret is generated and persisted.
func (r *Resolver) Resolve(ctx context.Context, o *param.Overrides) (param.RuntimeConfig, error) {
	stored, err := r.Get(ctx)
	if err != nil {
		return stored, err
	}
	if stored.Secret == "" {
		stored.Secret = uuid.NewString()
		if err := r.Save(ctx, stored); err != nil {
			r.logger.Warn("persist generated secret", zap.Error(err))
		}
	}
	cfg := o.Apply(stored)
	if cfg.APIPort == 0 {
		port, err := r.freePort()
		if err != nil {
			return cfg, comm.NewError(comm.ErrConfig, "settings.resolve", fmt.Errorf("pick api port: %w", err))
		}
		cfg.APIPort = port
		r.logger.Debug("picked free api port", zap.Int("port", port))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, comm.NewError(comm.ErrConfig, "settings.resolve", err)
	}
	return cfg, nil
}

func (r *Resolver) Subscription(ctx context.Context) (string, error) {
	raw, _, err := r.store.Get(ctx, KeySubscription)
	return raw, err
}

func (r *Resolver) SaveSubscription(ctx context.Context, raw string) error {
	return r.store.Set(ctx, KeySubscription, raw)
}
