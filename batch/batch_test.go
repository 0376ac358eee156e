package batch

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"eldercare-notifier/pkg/guardian"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeStore struct {
	mu      sync.Mutex
	subject *guardian.Subject
	gen     int64
	writes  int
}

func (f *fakeStore) LoadSubject(_ context.Context, _ string) (*guardian.Subject, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *f.subject
	return &copied, f.gen, nil
}

func (f *fakeStore) CompareAndSwap(_ context.Context, subject *guardian.Subject, gen int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subject = subject
	f.gen++
	f.writes++
	return nil
}

func (f *fakeStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

type fakeEvaluator struct {
	mu   sync.Mutex
	runs int
}

func (f *fakeEvaluator) RunSubject(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return nil
}

func newFakeStore(lastActivity time.Time) *fakeStore {
	return &fakeStore{
		subject: &guardian.Subject{
			FamilyID:       "fam1",
			ElderlyName:    "Grandma",
			Approved:       true,
			LastActivityAt: lastActivity,
			Settings: guardian.Settings{
				SurvivalSignalEnabled: true,
				AlertHours:            []int{3, 6, 12, 24},
			},
		},
		gen: 1,
	}
}

// TestBatchingWindow verifies at most one durable write per flush window.
func TestBatchingWindow(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	store := newFakeStore(base)
	evaluator := &fakeEvaluator{}
	b := New(store, evaluator, 5*time.Minute, testLogger())

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		observed := base.Add(time.Duration(i+1) * time.Second)
		if err := b.RecordActivity(ctx, "fam1", observed); err != nil {
			t.Fatalf("RecordActivity() error = %v", err)
		}
	}

	if got := store.writeCount(); got != 1 {
		t.Errorf("durable writes = %d, want 1 (first signal flushes, rest buffer)", got)
	}
	if evaluator.runs != 1 {
		t.Errorf("evaluator runs = %d, want 1 per flush", evaluator.runs)
	}
}

// TestReactivationFlushesImmediately verifies the first activity after a
// silence past the smallest threshold is written promptly, not delayed up to
// the flush interval.
func TestReactivationFlushesImmediately(t *testing.T) {
	base := time.Now().Add(-10 * time.Hour)
	store := newFakeStore(base.Add(-time.Minute))
	b := New(store, &fakeEvaluator{}, 5*time.Minute, testLogger())

	ctx := context.Background()
	// First flush teaches the batcher the smallest threshold (3h).
	if err := b.RecordActivity(ctx, "fam1", base); err != nil {
		t.Fatalf("RecordActivity() error = %v", err)
	}
	if got := store.writeCount(); got != 1 {
		t.Fatalf("durable writes = %d, want 1", got)
	}

	// Limiter has no token left, but the 4h gap crosses the 3h threshold.
	if err := b.RecordActivity(ctx, "fam1", base.Add(4*time.Hour)); err != nil {
		t.Fatalf("RecordActivity() error = %v", err)
	}
	if got := store.writeCount(); got != 2 {
		t.Errorf("durable writes = %d, want 2 (reactivation bypasses the window)", got)
	}
}

// TestMonotonicityGuard verifies out-of-order late signals are dropped
// silently instead of rewinding the stored timestamp.
func TestMonotonicityGuard(t *testing.T) {
	base := time.Now()
	store := newFakeStore(base.Add(-time.Hour))
	b := New(store, &fakeEvaluator{}, 5*time.Minute, testLogger())

	ctx := context.Background()
	if err := b.RecordActivity(ctx, "fam1", base); err != nil {
		t.Fatalf("RecordActivity() error = %v", err)
	}
	if err := b.RecordActivity(ctx, "fam1", base.Add(-30*time.Minute)); err != nil {
		t.Fatalf("RecordActivity() error = %v", err)
	}

	if got := store.writeCount(); got != 1 {
		t.Errorf("durable writes = %d, want 1 (late signal dropped)", got)
	}
	if !store.subject.LastActivityAt.Equal(base) {
		t.Errorf("stored activity = %v, want %v", store.subject.LastActivityAt, base)
	}
}

// TestStoredNewerValueWins covers the durable-side guard: a flush whose
// observed timestamp is older than what another instance already wrote is
// dropped at the store, too.
func TestStoredNewerValueWins(t *testing.T) {
	base := time.Now()
	store := newFakeStore(base) // stored value already at base
	b := New(store, &fakeEvaluator{}, 5*time.Minute, testLogger())

	if err := b.RecordActivity(context.Background(), "fam1", base.Add(-time.Minute)); err != nil {
		t.Fatalf("RecordActivity() error = %v", err)
	}
	if got := store.writeCount(); got != 0 {
		t.Errorf("durable writes = %d, want 0", got)
	}
}

func TestRecordActivityValidation(t *testing.T) {
	b := New(newFakeStore(time.Now()), &fakeEvaluator{}, 0, testLogger())
	if err := b.RecordActivity(context.Background(), "", time.Now()); err == nil {
		t.Error("RecordActivity() with empty family ID should fail")
	}
}
