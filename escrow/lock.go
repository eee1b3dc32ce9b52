package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"midswap/storage"
)

// LockManager serializes state transitions per offer through a store-held
// lease. The TTL bounds how long a crashed holder can block an offer.
type LockManager struct {
	kv  storage.KV
	ttl time.Duration
	log *slog.Logger
}

// NewLockManager builds a LockManager with the given lease TTL.
func NewLockManager(kv storage.KV, ttl time.Duration, log *slog.Logger) *LockManager {
	if log == nil {
		log = slog.Default()
	}
	return &LockManager{kv: kv, ttl: ttl, log: log}
}

func lockKey(offerID string) string {
	return "lock:offer:" + offerID
}

// Acquire attempts to take the lease for offerID. It returns false when
// another holder owns it. Store errors are treated as contention so two
// writers can never both proceed.
func (l *LockManager) Acquire(ctx context.Context, offerID, holder string) (bool, error) {
	ok, err := l.kv.SetNX(ctx, lockKey(offerID), []byte(holder), l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock for %s: %w", offerID, err)
	}
	return ok, nil
}

// Release drops the lease. Failures are logged, not returned: the TTL
// guarantees the lock clears eventually.
func (l *LockManager) Release(ctx context.Context, offerID string) {
	if err := l.kv.Delete(ctx, lockKey(offerID)); err != nil {
		l.log.Warn("failed to release offer lock", "offer", offerID, "error", err)
	}
}
