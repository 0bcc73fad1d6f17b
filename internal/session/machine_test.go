package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/repcam/backend/internal/fault"
)

// fakeCommitter records commits and can fail a configured number of times.
type fakeCommitter struct {
	mu       sync.Mutex
	commits  []*Session
	failures int
}

func (f *fakeCommitter) Commit(ctx context.Context, sess *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("commit unavailable")
	}
	f.commits = append(f.commits, sess)
	return nil
}

func (f *fakeCommitter) committed() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Session(nil), f.commits...)
}

func newTestRegistry(t *testing.T, fc *fakeCommitter, opts Options) *Registry {
	t.Helper()
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 5 * time.Second
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = time.Hour
	}
	if opts.TerminalTimeout == 0 {
		opts.TerminalTimeout = time.Second
	}
	opts.Committer = fc
	opts.Logger = zerolog.Nop()
	r := NewRegistry(opts)
	t.Cleanup(r.Shutdown)
	return r
}

// waitSamples polls until the machine has folded the expected number of
// samples; ingestion is asynchronous.
func waitSamples(t *testing.T, m *Machine, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Snapshot().Accumulator.SampleCount >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sample count never reached %d, got %d", want, m.Snapshot().Accumulator.SampleCount)
}

func waitDone(t *testing.T, m *Machine) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("machine did not terminate")
	}
}

func drain(events <-chan Event) []Event {
	var got []Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			return got
		}
	}
}

func TestCompleteCommitsScore(t *testing.T) {
	fc := &fakeCommitter{}
	r := newTestRegistry(t, fc, Options{})

	m, err := r.Start("u1", "cam-0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	events, err := m.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	for _, v := range []float64{2, 3, 5} {
		m.Sample(v)
	}
	waitSamples(t, m, 3)

	if err := m.Complete(context.Background()); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	waitDone(t, m)

	commits := fc.committed()
	if len(commits) != 1 {
		t.Fatalf("got %d commits, want 1", len(commits))
	}
	c := commits[0]
	if c.State != Completed {
		t.Errorf("committed state = %s, want completed", c.State)
	}
	if c.FinalScore == nil || *c.FinalScore != 10 {
		t.Errorf("committed score = %v, want 10", c.FinalScore)
	}
	if c.Accumulator.SampleCount != 3 {
		t.Errorf("committed sample count = %d, want 3", c.Accumulator.SampleCount)
	}
	if c.Accumulator.PeakValue != 5 {
		t.Errorf("committed peak = %v, want 5", c.Accumulator.PeakValue)
	}
	if c.EndedAt == nil {
		t.Error("committed session has no end time")
	}

	got := drain(events)
	if len(got) == 0 {
		t.Fatal("no events delivered")
	}
	if got[0].Kind != KindStatus || got[0].Sequence != 0 {
		t.Errorf("first event = %s seq %d, want status seq 0", got[0].Kind, got[0].Sequence)
	}
	terminals := 0
	for _, ev := range got {
		if p, ok := ev.Payload.(StatusPayload); ok && (p.Status == "completed" || p.Status == "aborted") {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("got %d terminal events, want 1", terminals)
	}
	last := got[len(got)-1].Payload.(StatusPayload)
	if last.Status != "completed" {
		t.Errorf("last event status = %q, want completed", last.Status)
	}
	if last.FinalScore == nil || *last.FinalScore != 10 {
		t.Errorf("terminal score = %v, want 10", last.FinalScore)
	}
}

func TestCompleteWithoutSamples(t *testing.T) {
	fc := &fakeCommitter{}
	r := newTestRegistry(t, fc, Options{})

	m, err := r.Start("u1", "cam-0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := m.Complete(context.Background()); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	waitDone(t, m)

	commits := fc.committed()
	if len(commits) != 1 {
		t.Fatalf("got %d commits, want 1", len(commits))
	}
	if *commits[0].FinalScore != 0 {
		t.Errorf("score = %v, want 0", *commits[0].FinalScore)
	}
}

func TestAbortNeverCommits(t *testing.T) {
	fc := &fakeCommitter{}
	r := newTestRegistry(t, fc, Options{})

	m, err := r.Start("u1", "cam-0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	m.Sample(4)
	waitSamples(t, m, 1)

	m.Abort(AbortClient)
	waitDone(t, m)

	if got := fc.committed(); len(got) != 0 {
		t.Fatalf("abort produced %d commits, want 0", len(got))
	}
	snap := m.Snapshot()
	if snap.State != Aborted {
		t.Errorf("state = %s, want aborted", snap.State)
	}
	if snap.AbortReason != string(AbortClient) {
		t.Errorf("abort reason = %q, want %q", snap.AbortReason, AbortClient)
	}
	if snap.FinalScore != nil {
		t.Errorf("aborted session has score %v", *snap.FinalScore)
	}
}

func TestLateSampleDropped(t *testing.T) {
	r := newTestRegistry(t, &fakeCommitter{}, Options{})

	m, err := r.Start("u1", "cam-0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	m.Abort(AbortClient)
	waitDone(t, m)

	m.Sample(7)
	if got := m.Snapshot().Accumulator.SampleCount; got != 0 {
		t.Errorf("sample count = %d after late sample, want 0", got)
	}
}

func TestIdleTimeoutAborts(t *testing.T) {
	r := newTestRegistry(t, &fakeCommitter{}, Options{IdleTimeout: 50 * time.Millisecond})

	m, err := r.Start("u1", "cam-0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitDone(t, m)

	snap := m.Snapshot()
	if snap.State != Aborted {
		t.Fatalf("state = %s, want aborted", snap.State)
	}
	if snap.AbortReason != string(AbortIdleTimeout) {
		t.Errorf("abort reason = %q, want %q", snap.AbortReason, AbortIdleTimeout)
	}
}

func TestHeartbeatDefersIdleTimeout(t *testing.T) {
	r := newTestRegistry(t, &fakeCommitter{}, Options{IdleTimeout: 400 * time.Millisecond})

	m, err := r.Start("u1", "cam-0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	for i := 0; i < 10; i++ {
		time.Sleep(100 * time.Millisecond)
		m.Heartbeat()
	}

	select {
	case <-m.Done():
		t.Fatal("session aborted despite heartbeats")
	default:
	}
	if got := m.Snapshot().Accumulator.SampleCount; got != 0 {
		t.Errorf("heartbeats folded into accumulator, sample count = %d", got)
	}
	m.Abort(AbortClient)
	waitDone(t, m)
}

func TestCompleteAfterTerminalConflicts(t *testing.T) {
	r := newTestRegistry(t, &fakeCommitter{}, Options{})

	m, err := r.Start("u1", "cam-0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	m.Abort(AbortClient)
	waitDone(t, m)

	err = m.Complete(context.Background())
	if !errors.Is(err, fault.ErrConflict) {
		t.Errorf("Complete() after abort = %v, want ErrConflict", err)
	}
}

func TestCommitFailureAllowsRetry(t *testing.T) {
	fc := &fakeCommitter{failures: 1}
	r := newTestRegistry(t, fc, Options{})

	m, err := r.Start("u1", "cam-0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	m.Sample(2)
	m.Sample(3)
	waitSamples(t, m, 2)

	if err := m.Complete(context.Background()); err == nil {
		t.Fatal("first Complete() succeeded, want commit failure")
	}

	snap := m.Snapshot()
	if snap.State != Completing {
		t.Fatalf("state after failed commit = %s, want completing", snap.State)
	}
	if snap.FinalScore == nil || *snap.FinalScore != 5 {
		t.Fatalf("frozen score = %v, want 5", snap.FinalScore)
	}

	// The frozen score must not move even if samples sneak in meanwhile.
	m.Sample(100)

	if err := m.Complete(context.Background()); err != nil {
		t.Fatalf("retry Complete() error: %v", err)
	}
	waitDone(t, m)

	commits := fc.committed()
	if len(commits) != 1 {
		t.Fatalf("got %d commits, want 1", len(commits))
	}
	if *commits[0].FinalScore != 5 {
		t.Errorf("committed score = %v, want 5", *commits[0].FinalScore)
	}
	if m.Snapshot().State != Completed {
		t.Errorf("final state = %s, want completed", m.Snapshot().State)
	}
}
