// Package stats owns the durable per-user statistics: the commit path that
// turns completed sessions into UserStats rows and the ranked leaderboard
// view derived from them.
package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/repcam/backend/internal/fault"
)

// UserStats is the durable aggregate for one user. Counters are monotonic;
// BestScore is the max over all committed sessions.
type UserStats struct {
	UserID        string    `json:"userId"`
	TotalSessions int64     `json:"totalSessions"`
	TotalScore    float64   `json:"totalScore"`
	BestScore     float64   `json:"bestScore"`
	TotalActiveMs int64     `json:"totalActiveDurationMs"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// LeaderboardEntry is one ranked row derived from UserStats.
type LeaderboardEntry struct {
	UserID string  `json:"userId"`
	Score  float64 `json:"score"`
	Rank   int     `json:"rank"`
}

// Commit is the durable record of one completed session's results.
type Commit struct {
	SessionID   string
	UserID      string
	Score       float64
	ActiveMs    int64
	CommittedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS user_stats (
	user_id TEXT PRIMARY KEY,
	total_sessions INTEGER NOT NULL DEFAULT 0,
	total_score REAL NOT NULL DEFAULT 0,
	best_score REAL NOT NULL DEFAULT 0,
	total_active_ms INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS session_commits (
	session_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	score REAL NOT NULL,
	active_ms INTEGER NOT NULL,
	committed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_stats_rank
	ON user_stats (total_score DESC, updated_at ASC);
`

// Store persists user statistics in SQLite.
type Store struct {
	db *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the SQLite stats store and bootstraps the schema. The special
// path ":memory:" yields an in-memory store for tests.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("stats db path is required: %w", fault.ErrInvalidArgument)
	}
	dsn := path
	if path != ":memory:" {
		// modernc.org/sqlite takes pragmas as _pragma=name(value) pairs.
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single connection: serializes writers and keeps :memory: coherent.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ApplyCommit applies one session commit atomically. The per-session marker
// row is checked-and-set in the same transaction as the stats upsert, so a
// retried commit for an already-applied session is a no-op and applied is
// false.
func (s *Store) ApplyCommit(ctx context.Context, c Commit) (applied bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO session_commits (session_id, user_id, score, active_ms, committed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.SessionID, c.UserID, c.Score, c.ActiveMs, toMillis(c.CommittedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert commit marker: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("commit marker rows: %w", err)
	}
	if inserted == 0 {
		// Already committed; nothing changed.
		_ = tx.Rollback()
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_stats (user_id, total_sessions, total_score, best_score, total_active_ms, updated_at)
		 VALUES (?, 1, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			total_sessions = total_sessions + 1,
			total_score = total_score + excluded.total_score,
			best_score = MAX(best_score, excluded.best_score),
			total_active_ms = total_active_ms + excluded.total_active_ms,
			updated_at = excluded.updated_at`,
		c.UserID, c.Score, c.Score, c.ActiveMs, toMillis(c.CommittedAt),
	)
	if err != nil {
		return false, fmt.Errorf("upsert user stats: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit stats tx: %w", err)
	}
	return true, nil
}

// GetUserStats returns the durable stats for a user. An absent user yields a
// zero-valued baseline, not an error.
func (s *Store) GetUserStats(ctx context.Context, userID string) (UserStats, error) {
	var (
		st        = UserStats{UserID: userID}
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT total_sessions, total_score, best_score, total_active_ms, updated_at
		 FROM user_stats WHERE user_id = ?`, userID,
	).Scan(&st.TotalSessions, &st.TotalScore, &st.BestScore, &st.TotalActiveMs, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return UserStats{}, fmt.Errorf("query user stats: %w", err)
	}
	st.UpdatedAt = fromMillis(updatedAt)
	return st, nil
}

var rankColumns = map[string]string{
	"totalScore": "total_score",
	"bestScore":  "best_score",
}

// TopUsers returns the limit highest-ranked users by the given metric. Ties
// break toward the user who reached the score first (earliest updated_at).
func (s *Store) TopUsers(ctx context.Context, metric string, limit int) ([]LeaderboardEntry, error) {
	col, ok := rankColumns[metric]
	if !ok {
		return nil, fmt.Errorf("unknown ranking metric %q: %w", metric, fault.ErrInvalidArgument)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, `+col+` FROM user_stats
		 ORDER BY `+col+` DESC, updated_at ASC, user_id ASC
		 LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.Score); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		e.Rank = len(entries) + 1
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leaderboard rows: %w", err)
	}
	return entries, nil
}
