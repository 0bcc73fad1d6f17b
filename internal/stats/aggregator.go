package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/repcam/backend/internal/fault"
	"github.com/repcam/backend/internal/metrics"
	"github.com/repcam/backend/internal/session"
)

// Aggregator commits completed sessions into durable user statistics. Commit
// is idempotent per session id and retried a bounded number of times on
// storage failure.
type Aggregator struct {
	store   *Store
	retries int
	log     zerolog.Logger
}

func NewAggregator(store *Store, retries int, log zerolog.Logger) *Aggregator {
	if retries <= 0 {
		retries = 3
	}
	return &Aggregator{
		store:   store,
		retries: retries,
		log:     log.With().Str("component", "aggregator").Logger(),
	}
}

// Commit applies exactly one durable update for a completed session. Aborted
// or still-running sessions are rejected with Conflict before any mutation.
func (a *Aggregator) Commit(ctx context.Context, sess *session.Session) error {
	if sess.State != session.Completed {
		return fmt.Errorf("commit for session %s in state %s: %w", sess.ID, sess.State, fault.ErrConflict)
	}

	var score float64
	if sess.FinalScore != nil {
		score = *sess.FinalScore
	}
	committedAt := time.Now().UTC()
	if sess.EndedAt != nil {
		committedAt = *sess.EndedAt
	}
	c := Commit{
		SessionID:   sess.ID,
		UserID:      sess.UserID,
		Score:       score,
		ActiveMs:    sess.Accumulator.ActiveMillis,
		CommittedAt: committedAt,
	}

	var lastErr error
	for attempt := 0; attempt < a.retries; attempt++ {
		if attempt > 0 {
			metrics.CommitRetries.Inc()
			select {
			case <-ctx.Done():
				return fmt.Errorf("commit for session %s: %v: %w", sess.ID, lastErr, ctx.Err())
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		applied, err := a.store.ApplyCommit(ctx, c)
		if err == nil {
			if applied {
				metrics.CommitsApplied.Inc()
				a.log.Info().Str("session", sess.ID).Str("user", sess.UserID).Float64("score", score).Msg("session committed")
			} else {
				metrics.CommitsDuplicate.Inc()
				a.log.Debug().Str("session", sess.ID).Msg("duplicate commit skipped")
			}
			return nil
		}
		lastErr = err
		a.log.Warn().Err(err).Str("session", sess.ID).Int("attempt", attempt+1).Msg("commit attempt failed")
	}
	return fmt.Errorf("committing session %s after %d attempts: %v: %w", sess.ID, a.retries, lastErr, fault.ErrInternal)
}
