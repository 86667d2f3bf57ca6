package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"codeplane/internal/coord"

	"github.com/google/uuid"
)

// TokenWindow maintains the rolling 24-hour per-tenant token counters in
// the coordination store. Usage is bucketed by hour; the window is the sum
// of the last 24 buckets. Buckets expire after 25 hours so the keyspace
// stays bounded.
type TokenWindow struct {
	store *coord.Store
}

// NewTokenWindow builds a TokenWindow over the coordination store.
func NewTokenWindow(store *coord.Store) *TokenWindow {
	return &TokenWindow{store: store}
}

func (w *TokenWindow) bucketKey(tid uuid.UUID, t time.Time) string {
	return fmt.Sprintf("%s%s:%s", coord.PrefixTenantTokens, tid, t.UTC().Format("2006010215"))
}

// Record adds consumed tokens to the tenant's current hourly bucket.
func (w *TokenWindow) Record(ctx context.Context, tid uuid.UUID, tokens int64) error {
	key := w.bucketKey(tid, time.Now())
	if _, err := w.store.IncrBy(ctx, key, tokens); err != nil {
		return err
	}
	return w.store.Expire(ctx, key, 25*time.Hour)
}

// UsedToday sums the tenant's token usage over the trailing 24 hours.
func (w *TokenWindow) UsedToday(ctx context.Context, tid uuid.UUID) (int64, error) {
	now := time.Now()
	var total int64
	for i := 0; i < 24; i++ {
		key := w.bucketKey(tid, now.Add(-time.Duration(i)*time.Hour))
		raw, found, err := w.store.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		if !found {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}
