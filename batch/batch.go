// Package batch coalesces bursts of raw activity signals into a throttled
// stream of durable activity-timestamp writes. Phones report activity on
// every unlock and app-foreground; at most one durable write happens per
// flush window, except that reactivation after a long silence flushes
// immediately so re-arming is observed promptly.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"eldercare-notifier/pkg/guardian"
	"eldercare-notifier/storage"
)

const (
	defaultFlushInterval = 5 * time.Minute
	casAttempts          = 3
)

// Store is the subject persistence the batcher needs.
type Store interface {
	LoadSubject(ctx context.Context, familyID string) (*guardian.Subject, int64, error)
	CompareAndSwap(ctx context.Context, subject *guardian.Subject, gen int64) error
}

// Evaluator is triggered after every flush.
type Evaluator interface {
	RunSubject(ctx context.Context, familyID string) error
}

// subjectState is the per-subject in-memory debounce record. It exists only
// between flushes and is rebuilt from nothing after a restart.
type subjectState struct {
	mu           sync.Mutex
	limiter      *rate.Limiter
	pendingSince time.Time // oldest un-flushed signal
	lastFlushed  time.Time // last durable activity value written
	smallestHrs  int       // smallest configured threshold, learned on flush
}

// Batcher throttles activity signals per subject.
type Batcher struct {
	store         Store
	evaluator     Evaluator
	logger        *slog.Logger
	flushInterval time.Duration
	now           func() time.Time

	mu       sync.Mutex
	subjects map[string]*subjectState
}

// New creates a batcher. A non-positive flushInterval uses the default.
func New(store Store, evaluator Evaluator, flushInterval time.Duration, logger *slog.Logger) *Batcher {
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Batcher{
		store:         store,
		evaluator:     evaluator,
		logger:        logger,
		flushInterval: flushInterval,
		now:           time.Now,
		subjects:      make(map[string]*subjectState),
	}
}

func (b *Batcher) state(familyID string) *subjectState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.subjects[familyID]
	if !ok {
		st = &subjectState{
			limiter: rate.NewLimiter(rate.Every(b.flushInterval), 1),
		}
		b.subjects[familyID] = st
	}
	return st
}

// RecordActivity registers a raw activity signal. It may be called
// arbitrarily often; signals inside a flush window are buffered in memory.
// Flush failures are logged and retried on the next signal or tick, never
// surfaced to the user-facing action that triggered them.
func (b *Batcher) RecordActivity(ctx context.Context, familyID string, observedAt time.Time) error {
	if familyID == "" {
		return errors.New("empty family ID")
	}
	if observedAt.IsZero() {
		observedAt = b.now()
	}

	st := b.state(familyID)
	st.mu.Lock()
	defer st.mu.Unlock()

	// Cheap in-memory monotonicity guard: late out-of-order signals are
	// dropped before touching storage.
	if !st.lastFlushed.IsZero() && !observedAt.After(st.lastFlushed) {
		b.logger.Debug("Dropping out-of-order activity signal",
			"family_id", familyID,
			"observed_at", observedAt.Format(time.RFC3339),
			"last_flushed", st.lastFlushed.Format(time.RFC3339))
		return nil
	}

	if st.pendingSince.IsZero() {
		st.pendingSince = observedAt
	}

	// Reactivation fast-path: first signal after the subject was silent past
	// its smallest threshold flushes immediately, so thresholds re-arm
	// without waiting out the flush window.
	reactivated := st.smallestHrs > 0 && !st.lastFlushed.IsZero() &&
		observedAt.Sub(st.lastFlushed) >= time.Duration(st.smallestHrs)*time.Hour

	if !reactivated && !st.limiter.Allow() {
		b.logger.Debug("Activity signal buffered",
			"family_id", familyID,
			"pending_since", st.pendingSince.Format(time.RFC3339))
		return nil
	}

	b.flushLocked(ctx, st, familyID, observedAt, reactivated)
	return nil
}

// flushLocked performs one durable write. Caller holds st.mu.
func (b *Batcher) flushLocked(ctx context.Context, st *subjectState, familyID string, observedAt time.Time, reactivated bool) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		subject, gen, err := b.store.LoadSubject(ctx, familyID)
		if err != nil {
			b.logger.Warn("Activity flush failed to load subject", "family_id", familyID, "error", err)
			return
		}

		st.smallestHrs = subject.SmallestAlertHours()

		// Durable monotonicity guard: never write a value older than stored.
		if !observedAt.After(subject.LastActivityAt) {
			b.logger.Debug("Stored activity already newer, dropping flush",
				"family_id", familyID,
				"observed_at", observedAt.Format(time.RFC3339),
				"stored", subject.LastActivityAt.Format(time.RFC3339))
			st.lastFlushed = subject.LastActivityAt
			st.pendingSince = time.Time{}
			return
		}

		subject.LastActivityAt = observedAt
		if err := b.store.CompareAndSwap(ctx, subject, gen); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue // concurrent evaluation moved the document, reload
			}
			b.logger.Warn("Activity flush failed to write", "family_id", familyID, "error", err)
			return
		}

		st.lastFlushed = observedAt
		st.pendingSince = time.Time{}

		b.logger.Info("Activity flushed",
			"family_id", familyID,
			"observed_at", observedAt.Format(time.RFC3339),
			"reactivated", reactivated)

		// New activity may re-arm thresholds; evaluation failures are
		// retried on the next tick.
		if err := b.evaluator.RunSubject(ctx, familyID); err != nil {
			b.logger.Warn("Post-flush evaluation failed", "family_id", familyID, "error", err)
		}
		return
	}

	b.logger.Warn("Activity flush gave up after conflicts", "family_id", familyID, "attempts", casAttempts)
}
