package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobViewKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:view", jobID)
}

func SyncResultKey(providerJobID string) string {
	return fmt.Sprintf("sync:result:%s", providerJobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
