package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/repcam/backend/internal/fault"
	"github.com/repcam/backend/internal/metrics"
)

// AbortReason labels what triggered an abort.
type AbortReason string

const (
	AbortClient      AbortReason = "client_abort"
	AbortDisconnect  AbortReason = "disconnect"
	AbortIdleTimeout AbortReason = "idle_timeout"
	AbortShutdown    AbortReason = "shutdown"
)

// Committer durably applies a completed session's results. Implementations
// must be idempotent per session id.
type Committer interface {
	Commit(ctx context.Context, sess *Session) error
}

// commitTimeout bounds a single finalize's hand-off to the committer,
// including its internal retries.
const commitTimeout = 15 * time.Second

const sampleBuffer = 128

type machineHooks struct {
	onUpdate   func(*Session)
	onTerminal func(*Session)
}

// Machine owns one session's lifecycle. All mutation happens on the run
// goroutine; other goroutines interact through Sample, Heartbeat, Complete
// and Abort, and read through Snapshot.
type Machine struct {
	channel     *EventChannel
	score       ScoreFunc
	committer   Committer
	idleTimeout time.Duration
	log         zerolog.Logger
	hooks       machineHooks

	mu   sync.RWMutex
	sess *Session

	samples    chan float64
	heartbeats chan struct{}
	completeCh chan chan error
	abortCh    chan AbortReason
	done       chan struct{}
}

func newMachine(sess *Session, channel *EventChannel, score ScoreFunc, committer Committer, idleTimeout time.Duration, log zerolog.Logger, hooks machineHooks) *Machine {
	return &Machine{
		channel:     channel,
		score:       score,
		committer:   committer,
		idleTimeout: idleTimeout,
		log:         log.With().Str("session", sess.ID).Str("user", sess.UserID).Logger(),
		hooks:       hooks,
		sess:        sess,
		samples:     make(chan float64, sampleBuffer),
		heartbeats:  make(chan struct{}, 1),
		completeCh:  make(chan chan error),
		abortCh:     make(chan AbortReason, 1),
		done:        make(chan struct{}),
	}
}

// start emits the opening status event (sequence 0) and launches the run
// goroutine.
func (m *Machine) start() {
	m.channel.publish(KindStatus, StatusPayload{Status: "started"})
	go m.run()
}

func (m *Machine) ID() string       { return m.sess.ID }
func (m *Machine) UserID() string   { return m.sess.UserID }
func (m *Machine) SourceID() string { return m.sess.SourceID }

// Done is closed when the run goroutine has exited.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Snapshot returns an independent copy of the current session state.
func (m *Machine) Snapshot() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess.Clone()
}

// Subscribe claims the session's event stream.
func (m *Machine) Subscribe() (<-chan Event, error) {
	return m.channel.Subscribe()
}

// Sample feeds one metric sample. It never blocks and never fails: samples
// arriving after termination or past the intake buffer are dropped.
func (m *Machine) Sample(value float64) {
	select {
	case m.samples <- value:
	case <-m.done:
		metrics.SamplesDropped.Inc()
		m.log.Debug().Float64("value", value).Msg("late sample dropped")
	default:
		metrics.SamplesDropped.Inc()
		m.log.Debug().Float64("value", value).Msg("sample intake full, dropped")
	}
}

// Heartbeat resets the idle timer without touching the accumulator.
func (m *Machine) Heartbeat() {
	select {
	case m.heartbeats <- struct{}{}:
	case <-m.done:
	default:
	}
}

// Complete drives the session through Completing to Completed and waits for
// the durable commit. On commit failure the session stays Completing and a
// later Complete retries; the idempotency marker makes retries safe.
func (m *Machine) Complete(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case m.completeCh <- reply:
	case <-m.done:
		return fmt.Errorf("session %s already terminated: %w", m.sess.ID, fault.ErrConflict)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort requests termination without committing. It never blocks; a second
// abort while one is pending is a no-op.
func (m *Machine) Abort(reason AbortReason) {
	select {
	case m.abortCh <- reason:
	case <-m.done:
	default:
	}
}

func (m *Machine) run() {
	defer close(m.done)
	idle := time.NewTimer(m.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case v := <-m.samples:
			m.fold(v)
			resetTimer(idle, m.idleTimeout)
		case <-m.heartbeats:
			m.touch()
			resetTimer(idle, m.idleTimeout)
		case reply := <-m.completeCh:
			err := m.finalize()
			reply <- err
			if err == nil {
				return
			}
			resetTimer(idle, m.idleTimeout)
		case reason := <-m.abortCh:
			m.abort(reason)
			return
		case <-idle.C:
			m.abort(AbortIdleTimeout)
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (m *Machine) fold(value float64) {
	m.mu.Lock()
	if m.sess.State != Active {
		m.mu.Unlock()
		metrics.SamplesDropped.Inc()
		m.log.Debug().Str("state", m.sess.State.String()).Msg("sample for non-active session dropped")
		return
	}
	now := time.Now().UTC()
	acc := &m.sess.Accumulator
	acc.SampleCount++
	acc.TotalValue += value
	if value > acc.PeakValue {
		acc.PeakValue = value
	}
	acc.ActiveMillis = now.Sub(m.sess.StartedAt).Milliseconds()
	m.sess.LastActivityAt = now
	snap := m.sess.Accumulator
	m.mu.Unlock()

	metrics.SamplesFolded.Inc()
	m.channel.publish(KindMetrics, MetricsPayload{Accumulator: snap, LastValue: value})
	m.notifyUpdate()
}

func (m *Machine) touch() {
	m.mu.Lock()
	m.sess.LastActivityAt = time.Now().UTC()
	m.mu.Unlock()
}

func (m *Machine) finalize() error {
	m.mu.Lock()
	emitCompleting := false
	switch m.sess.State {
	case Active:
		m.sess.State = Completing
		m.sess.Accumulator.ActiveMillis = time.Now().UTC().Sub(m.sess.StartedAt).Milliseconds()
		score := m.score(m.sess.Accumulator)
		m.sess.FinalScore = &score
		emitCompleting = true
	case Completing:
		// Retrying after a failed commit; accumulator and score stay frozen.
	default:
		state := m.sess.State
		m.mu.Unlock()
		return fmt.Errorf("cannot complete session %s in state %s: %w", m.sess.ID, state, fault.ErrConflict)
	}
	snap := m.sess.Clone()
	m.mu.Unlock()

	if emitCompleting {
		m.channel.publish(KindStatus, StatusPayload{Status: "completing"})
		m.notifyUpdate()
	}

	now := time.Now().UTC()
	snap.State = Completed
	snap.EndedAt = &now

	if m.committer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
		err := m.committer.Commit(ctx, snap)
		cancel()
		if err != nil {
			m.channel.publish(KindError, ErrorPayload{Message: "failed to commit session results"})
			m.log.Error().Err(err).Msg("commit failed, session stays completing")
			return err
		}
	}

	m.mu.Lock()
	m.sess.State = Completed
	m.sess.EndedAt = &now
	score := *m.sess.FinalScore
	m.mu.Unlock()

	m.channel.publishTerminal(StatusPayload{Status: "completed", FinalScore: &score})
	metrics.SessionsTerminated.WithLabelValues(Completed.String()).Inc()
	m.log.Info().Float64("score", score).Msg("session completed")
	m.notifyTerminal()
	return nil
}

func (m *Machine) abort(reason AbortReason) {
	m.mu.Lock()
	if m.sess.State.IsTerminal() {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	m.sess.State = Aborted
	m.sess.EndedAt = &now
	m.sess.AbortReason = string(reason)
	m.mu.Unlock()

	m.channel.publishTerminal(StatusPayload{Status: "aborted", Reason: string(reason)})
	metrics.SessionsTerminated.WithLabelValues(Aborted.String()).Inc()
	m.log.Info().Str("reason", string(reason)).Msg("session aborted")
	m.notifyTerminal()
}

func (m *Machine) notifyUpdate() {
	if m.hooks.onUpdate != nil {
		m.hooks.onUpdate(m.Snapshot())
	}
}

func (m *Machine) notifyTerminal() {
	if m.hooks.onTerminal != nil {
		m.hooks.onTerminal(m.Snapshot())
	}
}
