package billing

import (
	"errors"
	"time"

	"github.com/aleppi/backend/internal/pkg/cache"
	"github.com/redis/go-redis/v9"
)

// ConfirmCache remembers which checkout sessions were already synced so that
// client retries of the confirm endpoint skip the processor round-trip.
type ConfirmCache interface {
	GetSessionSubscription(sessionID string) (string, error)
	SetSessionSubscription(sessionID, subscriptionID string) error
}

const (
	confirmCacheKeyPrefix = "billing:confirm:"
	confirmCacheTTL       = 24 * time.Hour
)

type redisConfirmCache struct{}

func (redisConfirmCache) GetSessionSubscription(sessionID string) (string, error) {
	val, err := cache.Get(confirmCacheKeyPrefix + sessionID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return val, nil
}

func (redisConfirmCache) SetSessionSubscription(sessionID, subscriptionID string) error {
	return cache.Set(confirmCacheKeyPrefix+sessionID, subscriptionID, confirmCacheTTL)
}
