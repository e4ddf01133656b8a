package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// blocklistKey is the redis set of E.164 numbers that must never be dialed.
const blocklistKey = "vce:blocklist:numbers"

// NumberBlocklist answers do-not-dial checks from a redis set. The driver
// consults it before every attempt, simulated calls included.
type NumberBlocklist struct {
	client *redis.Client
	logger *zap.Logger
}

func NewNumberBlocklist(client *redis.Client, logger *zap.Logger) *NumberBlocklist {
	return &NumberBlocklist{client: client, logger: logger}
}

// IsBlocked reports whether the number is on the do-not-dial set.
func (b *NumberBlocklist) IsBlocked(ctx context.Context, number string) (bool, error) {
	blocked, err := b.client.SIsMember(ctx, blocklistKey, number).Result()
	if err != nil {
		return false, fmt.Errorf("blocklist check failed: %w", err)
	}
	return blocked, nil
}

// Block adds a number to the do-not-dial set.
func (b *NumberBlocklist) Block(ctx context.Context, number string) error {
	if err := b.client.SAdd(ctx, blocklistKey, number).Err(); err != nil {
		return fmt.Errorf("blocklist add failed: %w", err)
	}
	b.logger.Info("number added to blocklist", zap.String("number", number))
	return nil
}

// Unblock removes a number from the do-not-dial set.
func (b *NumberBlocklist) Unblock(ctx context.Context, number string) error {
	if err := b.client.SRem(ctx, blocklistKey, number).Err(); err != nil {
		return fmt.Errorf("blocklist remove failed: %w", err)
	}
	b.logger.Info("number removed from blocklist", zap.String("number", number))
	return nil
}
