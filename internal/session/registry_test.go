package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/repcam/backend/internal/fault"
)

func TestStartValidation(t *testing.T) {
	r := newTestRegistry(t, &fakeCommitter{}, Options{})

	tests := []struct {
		name   string
		user   string
		source string
	}{
		{"empty user", "", "cam-0"},
		{"blank user", "   ", "cam-0"},
		{"empty source", "u1", ""},
		{"blank source", "u1", "\t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Start(tt.user, tt.source)
			if !errors.Is(err, fault.ErrInvalidArgument) {
				t.Errorf("Start(%q, %q) = %v, want ErrInvalidArgument", tt.user, tt.source, err)
			}
		})
	}
}

func TestStartDuplicateConflicts(t *testing.T) {
	r := newTestRegistry(t, &fakeCommitter{}, Options{})

	if _, err := r.Start("u1", "cam-0"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if _, err := r.Start("u1", "cam-0"); !errors.Is(err, fault.ErrConflict) {
		t.Errorf("duplicate Start() = %v, want ErrConflict", err)
	}
	// Same user on a different source is allowed.
	if _, err := r.Start("u1", "cam-1"); err != nil {
		t.Errorf("Start() on second source error: %v", err)
	}
	// Different user on the same source is allowed.
	if _, err := r.Start("u2", "cam-0"); err != nil {
		t.Errorf("Start() for second user error: %v", err)
	}
}

func TestStartAgainAfterTerminal(t *testing.T) {
	r := newTestRegistry(t, &fakeCommitter{}, Options{})

	m, err := r.Start("u1", "cam-0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	m.Abort(AbortClient)
	waitDone(t, m)

	// The user+source reservation is released at the terminal event, before
	// the grace period eviction.
	if _, err := r.Start("u1", "cam-0"); err != nil {
		t.Errorf("Start() after abort error: %v", err)
	}
}

func TestLookupUnknown(t *testing.T) {
	r := newTestRegistry(t, &fakeCommitter{}, Options{})

	if _, err := r.Lookup("nope"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Lookup() = %v, want ErrNotFound", err)
	}
	if _, err := r.Subscribe("nope"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Subscribe() = %v, want ErrNotFound", err)
	}
}

func TestActiveForUserMostRecent(t *testing.T) {
	r := newTestRegistry(t, &fakeCommitter{}, Options{})

	if _, err := r.Start("u1", "cam-0"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := r.Start("u1", "cam-1")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	got, err := r.ActiveForUser("u1")
	if err != nil {
		t.Fatalf("ActiveForUser() error: %v", err)
	}
	if got.ID() != second.ID() {
		t.Errorf("ActiveForUser() = %s on %s, want most recent %s", got.ID(), got.SourceID(), second.ID())
	}

	if _, err := r.ActiveForUser("u2"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("ActiveForUser(unknown) = %v, want ErrNotFound", err)
	}
}

func TestActiveForUserMatchesCompleting(t *testing.T) {
	fc := &fakeCommitter{failures: 1}
	r := newTestRegistry(t, fc, Options{})

	m, err := r.Start("u1", "cam-0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	m.Sample(4)
	waitSamples(t, m, 1)

	if err := m.Complete(context.Background()); err == nil {
		t.Fatal("Complete() succeeded, want commit failure")
	}
	if got := m.Snapshot().State; got != Completing {
		t.Fatalf("state after failed commit = %s, want completing", got)
	}

	got, err := r.ActiveForUser("u1")
	if err != nil {
		t.Fatalf("ActiveForUser() after failed commit error: %v", err)
	}
	if got.ID() != m.ID() {
		t.Errorf("ActiveForUser() = %s, want completing session %s", got.ID(), m.ID())
	}

	// A fresh Active session on another source must not shadow the stuck one.
	time.Sleep(5 * time.Millisecond)
	if _, err := r.Start("u1", "cam-1"); err != nil {
		t.Fatalf("Start() on second source error: %v", err)
	}
	got, err = r.ActiveForUser("u1")
	if err != nil {
		t.Fatalf("ActiveForUser() error: %v", err)
	}
	if got.ID() != m.ID() {
		t.Errorf("ActiveForUser() = %s, want completing session %s over newer active", got.ID(), m.ID())
	}

	// Retry drains the frozen results.
	if err := got.Complete(context.Background()); err != nil {
		t.Fatalf("retry Complete() error: %v", err)
	}
	if len(fc.committed()) != 1 {
		t.Fatalf("got %d commits after retry, want 1", len(fc.committed()))
	}
}

func TestActiveForUserSkipsTerminal(t *testing.T) {
	r := newTestRegistry(t, &fakeCommitter{}, Options{})

	m, err := r.Start("u1", "cam-0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	m.Abort(AbortClient)
	waitDone(t, m)

	if _, err := r.ActiveForUser("u1"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("ActiveForUser() = %v, want ErrNotFound after abort", err)
	}
}

func TestEvictionAfterGrace(t *testing.T) {
	r := newTestRegistry(t, &fakeCommitter{}, Options{GracePeriod: 30 * time.Millisecond})

	m, err := r.Start("u1", "cam-0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	m.Abort(AbortClient)
	waitDone(t, m)

	// Readable during the grace window.
	if _, err := r.Lookup(m.ID()); err != nil {
		t.Errorf("Lookup() during grace error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := r.Lookup(m.ID()); errors.Is(err, fault.ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never evicted after grace period")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSnapshotsAndActiveCount(t *testing.T) {
	r := newTestRegistry(t, &fakeCommitter{}, Options{})

	var started []*Machine
	for i, source := range []string{"cam-0", "cam-1", "cam-2"} {
		m, err := r.Start("u1", source)
		if err != nil {
			t.Fatalf("Start() %d error: %v", i, err)
		}
		started = append(started, m)
		time.Sleep(5 * time.Millisecond)
	}

	snaps := r.Snapshots()
	if len(snaps) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(snaps))
	}
	for i, snap := range snaps {
		if snap.ID != started[i].ID() {
			t.Errorf("snapshot %d = %s, want %s (oldest first)", i, snap.ID, started[i].ID())
		}
	}

	started[0].Abort(AbortClient)
	waitDone(t, started[0])
	if got := r.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount() = %d, want 2", got)
	}
}

func TestShutdownAbortsAll(t *testing.T) {
	fc := &fakeCommitter{}
	r := NewRegistry(Options{Committer: fc, GracePeriod: time.Hour})

	var machines []*Machine
	for _, source := range []string{"cam-0", "cam-1", "cam-2"} {
		m, err := r.Start("u1", source)
		if err != nil {
			t.Fatalf("Start() error: %v", err)
		}
		machines = append(machines, m)
	}

	r.Shutdown()

	for _, m := range machines {
		select {
		case <-m.Done():
		default:
			t.Errorf("machine %s still running after Shutdown", m.ID())
		}
		snap := m.Snapshot()
		if snap.State != Aborted || snap.AbortReason != string(AbortShutdown) {
			t.Errorf("session %s state = %s reason %q, want aborted/shutdown", snap.ID, snap.State, snap.AbortReason)
		}
	}
	if got := fc.committed(); len(got) != 0 {
		t.Errorf("shutdown produced %d commits, want 0", len(got))
	}

	if _, err := r.Start("u9", "cam-9"); !errors.Is(err, fault.ErrConflict) {
		t.Errorf("Start() after Shutdown = %v, want ErrConflict", err)
	}
}

func TestObserversFire(t *testing.T) {
	fc := &fakeCommitter{}
	r := NewRegistry(Options{Committer: fc, GracePeriod: time.Hour})
	t.Cleanup(r.Shutdown)

	updates := make(chan *Session, 16)
	terminals := make(chan *Session, 16)
	r.SetObservers(
		func(s *Session) { updates <- s },
		func(s *Session) { terminals <- s },
	)

	m, err := r.Start("u1", "cam-0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	m.Sample(3)
	waitSamples(t, m, 1)

	select {
	case snap := <-updates:
		if snap.Accumulator.SampleCount != 1 {
			t.Errorf("update snapshot sample count = %d, want 1", snap.Accumulator.SampleCount)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update observed")
	}

	if err := m.Complete(context.Background()); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	select {
	case snap := <-terminals:
		if snap.State != Completed {
			t.Errorf("terminal snapshot state = %s, want completed", snap.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal observed")
	}
}
