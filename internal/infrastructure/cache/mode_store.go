package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// modeOverrideKey holds the runtime simulate/live override. Absent key means
// no override: the deployment default applies.
const modeOverrideKey = "vce:settings:simulate_override"

// ModeOverrideStore keeps the runtime call-mode override in redis so every
// instance observes a flip immediately.
type ModeOverrideStore struct {
	client *redis.Client
	logger *zap.Logger
}

func NewModeOverrideStore(client *redis.Client, logger *zap.Logger) *ModeOverrideStore {
	return &ModeOverrideStore{client: client, logger: logger}
}

// GetOverride returns the override value, or nil when none is set.
func (s *ModeOverrideStore) GetOverride(ctx context.Context) (*bool, error) {
	val, err := s.client.Get(ctx, modeOverrideKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("mode override read failed: %w", err)
	}

	simulate, err := strconv.ParseBool(val)
	if err != nil {
		// A malformed value must never flip calls to live.
		s.logger.Warn("malformed mode override, treating as simulate",
			zap.String("value", val))
		simulate = true
	}
	return &simulate, nil
}

// SetOverride writes the override. No TTL: mode flips are deliberate and
// stay until cleared.
func (s *ModeOverrideStore) SetOverride(ctx context.Context, simulate bool) error {
	if err := s.client.Set(ctx, modeOverrideKey, strconv.FormatBool(simulate), 0).Err(); err != nil {
		return fmt.Errorf("mode override write failed: %w", err)
	}
	s.logger.Info("mode override set", zap.Bool("simulate", simulate))
	return nil
}

// ClearOverride removes the override, restoring the deployment default.
func (s *ModeOverrideStore) ClearOverride(ctx context.Context) error {
	if err := s.client.Del(ctx, modeOverrideKey).Err(); err != nil {
		return fmt.Errorf("mode override clear failed: %w", err)
	}
	s.logger.Info("mode override cleared")
	return nil
}
