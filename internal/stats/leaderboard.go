package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/repcam/backend/internal/fault"
)

// DefaultLimit is used when the caller passes a missing or invalid limit.
const DefaultLimit = 10

// Leaderboard answers "top N users" over the durable stats. Results are
// cached per limit for at most ttl, so standings lag commits by that bound;
// ttl zero disables the cache.
type Leaderboard struct {
	store  *Store
	metric string
	ttl    time.Duration

	mu    sync.Mutex
	cache map[int]cachedTop
}

type cachedTop struct {
	at      time.Time
	entries []LeaderboardEntry
}

// NewLeaderboard builds a view ranked by metric ("totalScore" or
// "bestScore"; empty defaults to totalScore).
func NewLeaderboard(store *Store, metric string, ttl time.Duration) (*Leaderboard, error) {
	if metric == "" {
		metric = "totalScore"
	}
	if _, ok := rankColumns[metric]; !ok {
		return nil, fmt.Errorf("unknown ranking metric %q: %w", metric, fault.ErrInvalidArgument)
	}
	return &Leaderboard{
		store:  store,
		metric: metric,
		ttl:    ttl,
		cache:  make(map[int]cachedTop),
	}, nil
}

// Top returns at most limit ranked entries. Non-positive limits fall back to
// DefaultLimit.
func (l *Leaderboard) Top(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	if l.ttl > 0 {
		l.mu.Lock()
		if c, ok := l.cache[limit]; ok && time.Since(c.at) < l.ttl {
			entries := make([]LeaderboardEntry, len(c.entries))
			copy(entries, c.entries)
			l.mu.Unlock()
			return entries, nil
		}
		l.mu.Unlock()
	}

	entries, err := l.store.TopUsers(ctx, l.metric, limit)
	if err != nil {
		return nil, err
	}

	if l.ttl > 0 {
		cached := make([]LeaderboardEntry, len(entries))
		copy(cached, entries)
		l.mu.Lock()
		l.cache[limit] = cachedTop{at: time.Now(), entries: cached}
		l.mu.Unlock()
	}
	return entries, nil
}
