package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/repcam/backend/internal/fault"
	"github.com/repcam/backend/internal/metrics"
)

// Options configures a Registry and the machines it creates.
type Options struct {
	// IdleTimeout aborts a session that receives no sample or heartbeat.
	IdleTimeout time.Duration
	// EventBuffer is the per-session event channel capacity.
	EventBuffer int
	// GracePeriod keeps a terminal session readable before eviction.
	GracePeriod time.Duration
	// TerminalTimeout bounds delivery of the terminal event to a slow subscriber.
	TerminalTimeout time.Duration
	Score           ScoreFunc
	Committer       Committer
	Logger          zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 30 * time.Second
	}
	if o.TerminalTimeout <= 0 {
		o.TerminalTimeout = 5 * time.Second
	}
	if o.Score == nil {
		o.Score = ScoreSum
	}
}

// Registry is the process-wide table of live sessions. It is the single
// authority for "is this session alive" and for the one-live-session per
// user+source rule.
type Registry struct {
	opts Options

	mu        sync.RWMutex
	machines  map[string]*Machine
	live      map[string]string // user+source key -> session id, until terminal
	evictions map[string]*time.Timer
	closed    bool

	onUpdate   func(*Session)
	onTerminal func(*Session)
}

func NewRegistry(opts Options) *Registry {
	opts.applyDefaults()
	return &Registry{
		opts:      opts,
		machines:  make(map[string]*Machine),
		live:      make(map[string]string),
		evictions: make(map[string]*time.Timer),
	}
}

// SetObservers registers callbacks for session updates and terminations.
// Must be called before the first Start.
func (r *Registry) SetObservers(onUpdate, onTerminal func(*Session)) {
	r.onUpdate = onUpdate
	r.onTerminal = onTerminal
}

func liveKey(userID, sourceID string) string {
	return userID + "\x00" + sourceID
}

// Start validates the request, allocates a session and launches its machine.
// The user+source pair stays reserved until the session reaches a terminal
// state, so a stuck Completing session still blocks a duplicate start.
func (r *Registry) Start(userID, sourceID string) (*Machine, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required: %w", fault.ErrInvalidArgument)
	}
	if strings.TrimSpace(sourceID) == "" {
		return nil, fmt.Errorf("source id is required: %w", fault.ErrInvalidArgument)
	}

	key := liveKey(userID, sourceID)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry is shut down: %w", fault.ErrConflict)
	}
	if id, ok := r.live[key]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("user %s already has live session %s on source %s: %w", userID, id, sourceID, fault.ErrConflict)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		SourceID:       sourceID,
		State:          Active,
		StartedAt:      now,
		LastActivityAt: now,
	}
	channel := newEventChannel(sess.ID, r.opts.EventBuffer, r.opts.TerminalTimeout)
	m := newMachine(sess, channel, r.opts.Score, r.opts.Committer, r.opts.IdleTimeout, r.opts.Logger, machineHooks{
		onUpdate: r.onUpdate,
		onTerminal: func(snap *Session) {
			r.sessionTerminated(key, snap)
		},
	})
	r.machines[sess.ID] = m
	r.live[key] = sess.ID
	r.mu.Unlock()

	metrics.SessionsStarted.Inc()
	metrics.SessionsActive.Inc()
	r.opts.Logger.Info().Str("session", sess.ID).Str("user", userID).Str("source", sourceID).Msg("session started")

	m.start()
	return m, nil
}

// Lookup returns the live machine for id, or NotFound for unknown or evicted
// sessions.
func (r *Registry) Lookup(id string) (*Machine, error) {
	r.mu.RLock()
	m, ok := r.machines[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, fault.ErrNotFound)
	}
	return m, nil
}

// Subscribe claims the event stream of a registered session.
func (r *Registry) Subscribe(id string) (<-chan Event, error) {
	m, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	return m.Subscribe()
}

// ActiveForUser returns the user's completable session. A Completing session
// holds frozen results waiting on a commit retry and wins over any Active
// one; otherwise the most recently started Active session is returned.
func (r *Registry) ActiveForUser(userID string) (*Machine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Machine
	var bestStart time.Time
	var bestState State
	for _, m := range r.machines {
		if m.UserID() != userID {
			continue
		}
		snap := m.Snapshot()
		if snap.State != Active && snap.State != Completing {
			continue
		}
		switch {
		case best == nil:
		case snap.State == Completing && bestState == Active:
		case snap.State == bestState && snap.StartedAt.After(bestStart):
		default:
			continue
		}
		best = m
		bestStart = snap.StartedAt
		bestState = snap.State
	}
	if best == nil {
		return nil, fmt.Errorf("no active session for user %s: %w", userID, fault.ErrNotFound)
	}
	return best, nil
}

// Snapshots returns copies of every registered session, oldest first.
func (r *Registry) Snapshots() []*Session {
	r.mu.RLock()
	result := make([]*Session, 0, len(r.machines))
	for _, m := range r.machines {
		result = append(result, m.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// ActiveCount returns the number of non-terminal sessions.
func (r *Registry) ActiveCount() int {
	count := 0
	for _, snap := range r.Snapshots() {
		if !snap.State.IsTerminal() {
			count++
		}
	}
	return count
}

func (r *Registry) sessionTerminated(key string, snap *Session) {
	r.mu.Lock()
	delete(r.live, key)
	if !r.closed {
		id := snap.ID
		r.evictions[id] = time.AfterFunc(r.opts.GracePeriod, func() {
			r.evict(id)
		})
	}
	r.mu.Unlock()

	metrics.SessionsActive.Dec()
	if r.onTerminal != nil {
		r.onTerminal(snap)
	}
}

func (r *Registry) evict(id string) {
	r.mu.Lock()
	delete(r.machines, id)
	delete(r.evictions, id)
	r.mu.Unlock()
}

// Shutdown aborts all live sessions and waits for their machines to exit.
// The registry accepts no new sessions afterwards.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	machines := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	for id, timer := range r.evictions {
		timer.Stop()
		delete(r.evictions, id)
	}
	r.mu.Unlock()

	for _, m := range machines {
		m.Abort(AbortShutdown)
	}
	for _, m := range machines {
		<-m.Done()
	}
}
