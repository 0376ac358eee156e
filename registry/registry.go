// Package registry owns the monitored-subject lifecycle: registration,
// settings, pairing approval, and meal recording. The alert engine consumes
// it; pairing-code generation and the approval UI live outside this service.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"eldercare-notifier/notify"
	"eldercare-notifier/pkg/guardian"
	"eldercare-notifier/storage"
)

const casAttempts = 3

// ErrExists indicates a registration for an already-known family ID.
var ErrExists = errors.New("registry: subject already registered")

// Store is the subject persistence the registry needs.
type Store interface {
	LoadSubject(ctx context.Context, familyID string) (*guardian.Subject, int64, error)
	SaveSubject(ctx context.Context, subject *guardian.Subject) error
	CompareAndSwap(ctx context.Context, subject *guardian.Subject, gen int64) error
	DeleteSubject(ctx context.Context, familyID string) error
}

// Dispatcher delivers meal-recorded notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, intent *guardian.Intent) notify.Result
}

// Evaluator re-checks thresholds after a meal write.
type Evaluator interface {
	RunSubject(ctx context.Context, familyID string) error
}

// Registry manages subjects and their approval state.
type Registry struct {
	store      Store
	dispatcher Dispatcher
	evaluator  Evaluator
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	watchers map[string][]chan bool
}

// New creates a registry.
func New(store Store, dispatcher Dispatcher, evaluator Evaluator, logger *slog.Logger) *Registry {
	return &Registry{
		store:      store,
		dispatcher: dispatcher,
		evaluator:  evaluator,
		logger:     logger,
		now:        time.Now,
		watchers:   make(map[string][]chan bool),
	}
}

// ValidateSettings rejects malformed threshold configuration at the edge so
// the evaluator can treat configuration errors as "skip the kind".
func ValidateSettings(s guardian.Settings) error {
	prev := 0
	for _, h := range s.AlertHours {
		if h <= 0 {
			return fmt.Errorf("alert hours must be positive, got %d", h)
		}
		if h <= prev {
			return errors.New("alert hours must be strictly ascending")
		}
		prev = h
	}
	if s.SurvivalSignalEnabled && len(s.AlertHours) == 0 {
		return errors.New("survival signal enabled but no alert hours configured")
	}
	if s.FoodAlertHours < 0 {
		return fmt.Errorf("food alert hours must not be negative, got %d", s.FoodAlertHours)
	}
	return nil
}

// Subject returns the current subject record.
func (r *Registry) Subject(ctx context.Context, familyID string) (*guardian.Subject, error) {
	subject, _, err := r.store.LoadSubject(ctx, familyID)
	return subject, err
}

// Register creates a new subject. Subjects start unapproved; alerting stays
// off until the family confirms the pairing.
func (r *Registry) Register(ctx context.Context, subject *guardian.Subject) error {
	if subject.FamilyID == "" {
		return errors.New("empty family ID")
	}
	if subject.ElderlyName == "" {
		return errors.New("empty elderly name")
	}
	if err := ValidateSettings(subject.Settings); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	subject.CreatedAt = r.now()
	subject.Approved = false
	subject.Alerts = guardian.Alerts{}

	if err := r.store.CompareAndSwap(ctx, subject, 0); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return ErrExists
		}
		return fmt.Errorf("register subject: %w", err)
	}

	r.logger.Info("Subject registered", "family_id", subject.FamilyID)
	return nil
}

// UpdateSettings replaces a subject's alert configuration.
func (r *Registry) UpdateSettings(ctx context.Context, familyID string, settings guardian.Settings) error {
	if err := ValidateSettings(settings); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	subject, _, err := r.store.LoadSubject(ctx, familyID)
	if err != nil {
		return err
	}
	subject.Settings = settings
	if err := r.store.SaveSubject(ctx, subject); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	r.logger.Info("Settings updated", "family_id", familyID)
	return nil
}

// SetApproval flips the pairing approval gate and notifies watchers.
// An unapproved pairing must not generate alerts.
func (r *Registry) SetApproval(ctx context.Context, familyID string, approved bool) error {
	subject, _, err := r.store.LoadSubject(ctx, familyID)
	if err != nil {
		return err
	}
	subject.Approved = approved
	if err := r.store.SaveSubject(ctx, subject); err != nil {
		return fmt.Errorf("save approval: %w", err)
	}

	r.mu.Lock()
	for _, ch := range r.watchers[familyID] {
		select {
		case ch <- approved:
		default: // slow watcher, drop; state is re-read on evaluation anyway
		}
	}
	r.mu.Unlock()

	r.logger.Info("Approval changed", "family_id", familyID, "approved", approved)
	return nil
}

// WatchApproval returns a stream of approval-state changes for a subject and
// a cancel function that releases the watcher.
func (r *Registry) WatchApproval(familyID string) (<-chan bool, func()) {
	ch := make(chan bool, 4)

	r.mu.Lock()
	r.watchers[familyID] = append(r.watchers[familyID], ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		watchers := r.watchers[familyID]
		for i, w := range watchers {
			if w == ch {
				r.watchers[familyID] = append(watchers[:i], watchers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// RecordMeal records a meal for the subject: advances the daily meal record,
// clears the food alert mark (a qualifying meal re-arms the food threshold),
// then emits a best-effort meal_recorded notification and re-evaluates.
// The meal write succeeds even when every notification channel is down.
func (r *Registry) RecordMeal(ctx context.Context, familyID string, mealNumber int, at time.Time) error {
	if mealNumber < 1 || mealNumber > 3 {
		return fmt.Errorf("meal number out of range: %d", mealNumber)
	}
	if at.IsZero() {
		at = r.now()
	}

	var subject *guardian.Subject
	committed := false
	for attempt := 0; attempt < casAttempts; attempt++ {
		var gen int64
		var err error
		subject, gen, err = r.store.LoadSubject(ctx, familyID)
		if err != nil {
			return fmt.Errorf("load subject: %w", err)
		}

		count := subject.LastMeal.Count
		if !sameDay(subject.LastMeal.Timestamp, at) {
			count = 0 // meal count resets daily
		}
		if count < 3 {
			count++
		}

		subject.LastMeal = guardian.Meal{
			Count:     count,
			Number:    mealNumber,
			Timestamp: at,
		}
		subject.Alerts.Food = nil

		if err := r.store.CompareAndSwap(ctx, subject, gen); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return fmt.Errorf("save meal: %w", err)
		}
		committed = true
		break
	}
	if !committed {
		return fmt.Errorf("record meal: gave up after %d conflicts", casAttempts)
	}

	r.logger.Info("Meal recorded",
		"family_id", familyID,
		"meal_number", mealNumber,
		"count", subject.LastMeal.Count)

	// Best-effort from here: failures never roll back the meal write.
	if subject.Approved {
		intent := guardian.NewIntent(guardian.KindMealRecorded, subject, 0, at)
		r.dispatcher.Dispatch(ctx, intent)
	}
	if err := r.evaluator.RunSubject(ctx, familyID); err != nil {
		r.logger.Warn("Post-meal evaluation failed", "family_id", familyID, "error", err)
	}

	return nil
}

// Remove deletes a subject and its alert state.
func (r *Registry) Remove(ctx context.Context, familyID string) error {
	return r.store.DeleteSubject(ctx, familyID)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
