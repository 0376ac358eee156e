// Package evaluate decides when survival and food alerts fire.
//
// Evaluation is a pure function of the subject and the current instant; the
// surrounding Evaluator commits the resulting alert marks with a conditional
// write and hands fired intents to the dispatcher. A lost conditional write
// means another evaluation already handled the crossing, so the redundant
// intents are dropped silently.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"eldercare-notifier/notify"
	"eldercare-notifier/pkg/guardian"
	"eldercare-notifier/storage"
)

// Store is the subject persistence the evaluator needs.
type Store interface {
	LoadSubject(ctx context.Context, familyID string) (*guardian.Subject, int64, error)
	CompareAndSwap(ctx context.Context, subject *guardian.Subject, gen int64) error
	ListSubjects(ctx context.Context) ([]*guardian.Subject, error)
}

// Dispatcher delivers fired intents.
type Dispatcher interface {
	Dispatch(ctx context.Context, intent *guardian.Intent) notify.Result
}

// Evaluator runs threshold evaluation against stored subjects.
type Evaluator struct {
	store      Store
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an evaluator.
func New(store Store, dispatcher Dispatcher, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// Evaluate applies the threshold rules to a subject at the given instant.
// It mutates the subject's alert marks and returns the fired intents plus
// whether the marks changed (re-arm counts as a change even when nothing
// fires). Unapproved subjects never alert.
func Evaluate(s *guardian.Subject, now time.Time) (intents []*guardian.Intent, changed bool) {
	if !s.Approved {
		return nil, false
	}

	// Survival: skip when disabled, unconfigured, or no activity seen yet.
	if s.Settings.SurvivalSignalEnabled && len(s.Settings.AlertHours) > 0 && !s.LastActivityAt.IsZero() {
		// Re-arm: activity after the fired mark ends that inactivity episode.
		if m := s.Alerts.Survival; m != nil && m.FiredAt.Before(s.LastActivityAt) {
			s.Alerts.Survival = nil
			changed = true
		}

		elapsed := now.Sub(s.LastActivityAt)
		highest := 0
		for _, h := range s.Settings.AlertHours {
			if h > 0 && elapsed >= time.Duration(h)*time.Hour && h > highest {
				highest = h
			}
		}

		// Only the highest crossed threshold fires; lower thresholds that
		// already alerted for this episode are not re-sent.
		if highest > 0 && (s.Alerts.Survival == nil || s.Alerts.Survival.Hours < highest) {
			s.Alerts.Survival = &guardian.AlertMark{FiredAt: now, Hours: highest}
			intents = append(intents, guardian.NewIntent(guardian.KindSurvivalAlert, s, highest, now))
			changed = true
		}
	}

	// Food: symmetric, single threshold. A recorded meal clears the mark
	// before we get here (registry owns that), but a meal timestamp that
	// advanced past the mark re-arms as well.
	if h := s.Settings.FoodAlertHours; h > 0 && !s.LastMeal.Timestamp.IsZero() {
		if m := s.Alerts.Food; m != nil && m.FiredAt.Before(s.LastMeal.Timestamp) {
			s.Alerts.Food = nil
			changed = true
		}

		if now.Sub(s.LastMeal.Timestamp) >= time.Duration(h)*time.Hour && s.Alerts.Food == nil {
			s.Alerts.Food = &guardian.AlertMark{FiredAt: now, Hours: h}
			intents = append(intents, guardian.NewIntent(guardian.KindFoodAlert, s, h, now))
			changed = true
		}
	}

	return intents, changed
}

// RunSubject evaluates one subject: load, compute, commit, dispatch.
// Store failures are returned so the caller can log them; the next tick is
// the retry mechanism, a missed evaluation is only a delayed alert.
func (e *Evaluator) RunSubject(ctx context.Context, familyID string) error {
	subject, gen, err := e.store.LoadSubject(ctx, familyID)
	if err != nil {
		return fmt.Errorf("load subject: %w", err)
	}
	return e.commit(ctx, subject, gen)
}

func (e *Evaluator) commit(ctx context.Context, subject *guardian.Subject, gen int64) error {
	now := e.now()
	intents, changed := Evaluate(subject, now)
	if !changed {
		return nil
	}

	if err := e.store.CompareAndSwap(ctx, subject, gen); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Another evaluation committed this crossing first. Not an
			// error: drop the redundant intents.
			e.logger.Debug("Evaluation lost conditional write, dropping intents",
				"family_id", subject.FamilyID,
				"intents", len(intents))
			return nil
		}
		return fmt.Errorf("commit alert state: %w", err)
	}

	for _, intent := range intents {
		result := e.dispatcher.Dispatch(ctx, intent)
		if !result.Delivered {
			e.logger.Warn("Alert fired but delivery failed on all channels",
				"family_id", subject.FamilyID,
				"kind", string(intent.Kind),
				"hours", intent.Hours)
		}
	}

	if len(intents) > 0 {
		e.logger.Info("Alerts fired",
			"family_id", subject.FamilyID,
			"count", len(intents))
	}
	return nil
}

// CheckAll evaluates every monitored subject. Called by the periodic tick
// and the scheduler endpoint. Per-subject failures are logged and skipped so
// one bad document cannot starve the rest.
func (e *Evaluator) CheckAll(ctx context.Context) error {
	subjects, err := e.store.ListSubjects(ctx)
	if err != nil {
		return fmt.Errorf("list subjects: %w", err)
	}

	e.logger.Info("Evaluating subjects", "count", len(subjects))

	var failed int
	for _, subject := range subjects {
		select {
		case <-ctx.Done():
			e.logger.Info("Context cancelled, stopping evaluation sweep", "error", ctx.Err())
			return ctx.Err()
		default:
		}

		if err := e.RunSubject(ctx, subject.FamilyID); err != nil {
			e.logger.Warn("Subject evaluation failed", "family_id", subject.FamilyID, "error", err)
			failed++
		}
	}

	e.logger.Info("Evaluation sweep completed",
		"total", len(subjects),
		"failed", failed)
	return nil
}
