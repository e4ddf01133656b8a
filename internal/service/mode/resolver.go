package mode

import (
	"context"
	"log/slog"
)

// OverrideStore holds the runtime simulate/live toggle set by the
// administrative settings surface.
type OverrideStore interface {
	// GetOverride returns the override value, or nil when no override is set.
	GetOverride(ctx context.Context) (*bool, error)
	// SetOverride persists the override.
	SetOverride(ctx context.Context, simulate bool) error
	// ClearOverride removes the override, restoring the deployment default.
	ClearOverride(ctx context.Context) error
}

// Resolver decides whether the engine simulates calls or places real ones.
// Resolution order: runtime override, static config flag, simulate. It never
// caches: every scheduling decision re-reads the override so a toggle takes
// effect without a restart.
type Resolver struct {
	store         OverrideStore
	configDefault bool
	logger        *slog.Logger
}

func NewResolver(store OverrideStore, configDefault bool, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:         store,
		configDefault: configDefault,
		logger:        logger,
	}
}

// Simulate returns true when calls must be synthesized. A store error falls
// through to the config flag; with no store at all the config flag decides.
// The zero-value chain resolves to simulate, never to live dialing.
func (r *Resolver) Simulate(ctx context.Context) bool {
	if r.store != nil {
		override, err := r.store.GetOverride(ctx)
		if err != nil {
			r.logger.Warn("mode override read failed, falling back to config",
				"error", err)
		} else if override != nil {
			return *override
		}
	}
	return r.configDefault
}
