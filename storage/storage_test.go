package storage

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"eldercare-notifier/pkg/guardian"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return New(nil, "", t.TempDir(), slog.New(slog.DiscardHandler))
}

func testSubject() *guardian.Subject {
	return &guardian.Subject{
		FamilyID:       "fam1",
		ElderlyName:    "Grandma",
		Approved:       true,
		LastActivityAt: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		Settings: guardian.Settings{
			SurvivalSignalEnabled: true,
			AlertHours:            []int{3, 6, 12, 24},
			FoodAlertHours:        8,
		},
	}
}

func TestSubjectKey(t *testing.T) {
	tests := []struct {
		name     string
		familyID string
		want     string
	}{
		{"simple ID", "12345", "subject-12345.json"},
		{"mixed ID", "fam_A-1", "subject-fam_A-1.json"},
		{"empty", "", ""},
		{"path traversal", "../etc/passwd", ""},
		{"slash", "a/b", ""},
		{"too long", string(make([]byte, 65)), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SubjectKey(tt.familyID); got != tt.want {
				t.Errorf("SubjectKey(%q) = %q, want %q", tt.familyID, got, tt.want)
			}
		})
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	subject := testSubject()
	if err := s.SaveSubject(ctx, subject); err != nil {
		t.Fatalf("SaveSubject() error = %v", err)
	}

	loaded, gen, err := s.LoadSubject(ctx, "fam1")
	if err != nil {
		t.Fatalf("LoadSubject() error = %v", err)
	}
	if gen == 0 {
		t.Error("LoadSubject() generation = 0, want nonzero for existing document")
	}
	if loaded.ElderlyName != "Grandma" || !loaded.LastActivityAt.Equal(subject.LastActivityAt) {
		t.Errorf("LoadSubject() = %+v, want original values", loaded)
	}

	if _, _, err := s.LoadSubject(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("LoadSubject(missing) error = %v, want not-found", err)
	}
}

func TestCompareAndSwap(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	subject := testSubject()

	// Creation requires the document to not exist.
	if err := s.CompareAndSwap(ctx, subject, 0); err != nil {
		t.Fatalf("CompareAndSwap(create) error = %v", err)
	}
	if err := s.CompareAndSwap(ctx, subject, 0); !errors.Is(err, ErrConflict) {
		t.Errorf("CompareAndSwap(create twice) error = %v, want ErrConflict", err)
	}

	loaded, gen, err := s.LoadSubject(ctx, "fam1")
	if err != nil {
		t.Fatalf("LoadSubject() error = %v", err)
	}

	loaded.Alerts.Survival = &guardian.AlertMark{FiredAt: time.Now(), Hours: 12}
	if err := s.CompareAndSwap(ctx, loaded, gen); err != nil {
		t.Fatalf("CompareAndSwap() error = %v", err)
	}

	// The generation moved; a writer holding the old one must lose.
	stale := testSubject()
	stale.Alerts.Survival = &guardian.AlertMark{FiredAt: time.Now(), Hours: 12}
	if err := s.CompareAndSwap(ctx, stale, gen); !errors.Is(err, ErrConflict) {
		t.Errorf("CompareAndSwap(stale) error = %v, want ErrConflict", err)
	}

	final, _, err := s.LoadSubject(ctx, "fam1")
	if err != nil {
		t.Fatalf("LoadSubject() error = %v", err)
	}
	if final.Alerts.Survival == nil || final.Alerts.Survival.Hours != 12 {
		t.Errorf("winner's write lost: alerts = %+v", final.Alerts)
	}
}

// TestConcurrentSwapSingleWinner runs the race the conditional write exists
// for: two evaluations load the same generation, both try to commit, exactly
// one wins.
func TestConcurrentSwapSingleWinner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveSubject(ctx, testSubject()); err != nil {
		t.Fatalf("SaveSubject() error = %v", err)
	}
	_, gen, err := s.LoadSubject(ctx, "fam1")
	if err != nil {
		t.Fatalf("LoadSubject() error = %v", err)
	}

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			subject := testSubject()
			subject.Alerts.Survival = &guardian.AlertMark{FiredAt: time.Now(), Hours: 12}
			results <- s.CompareAndSwap(ctx, subject, gen)
		}()
	}

	var wins, conflicts int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("CompareAndSwap() unexpected error = %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Errorf("wins = %d, conflicts = %d, want exactly one of each", wins, conflicts)
	}
}

func TestListAndDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"fam1", "fam2"} {
		subject := testSubject()
		subject.FamilyID = id
		if err := s.SaveSubject(ctx, subject); err != nil {
			t.Fatalf("SaveSubject(%s) error = %v", id, err)
		}
	}

	subjects, err := s.ListSubjects(ctx)
	if err != nil {
		t.Fatalf("ListSubjects() error = %v", err)
	}
	if len(subjects) != 2 {
		t.Fatalf("ListSubjects() = %d subjects, want 2", len(subjects))
	}

	if err := s.DeleteSubject(ctx, "fam1"); err != nil {
		t.Fatalf("DeleteSubject() error = %v", err)
	}
	// Idempotent
	if err := s.DeleteSubject(ctx, "fam1"); err != nil {
		t.Fatalf("DeleteSubject(again) error = %v", err)
	}

	subjects, err = s.ListSubjects(ctx)
	if err != nil {
		t.Fatalf("ListSubjects() error = %v", err)
	}
	if len(subjects) != 1 || subjects[0].FamilyID != "fam2" {
		t.Errorf("ListSubjects() after delete = %v, want only fam2", subjects)
	}
}
