package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"eldercare-notifier/pkg/guardian"
	"eldercare-notifier/registry"
	"eldercare-notifier/storage"
)

type fakeRegistry struct {
	subjects map[string]*guardian.Subject
	meals    int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{subjects: make(map[string]*guardian.Subject)}
}

func (f *fakeRegistry) Subject(_ context.Context, familyID string) (*guardian.Subject, error) {
	s, ok := f.subjects[familyID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeRegistry) Register(_ context.Context, subject *guardian.Subject) error {
	if _, ok := f.subjects[subject.FamilyID]; ok {
		return registry.ErrExists
	}
	f.subjects[subject.FamilyID] = subject
	return nil
}

func (f *fakeRegistry) UpdateSettings(_ context.Context, familyID string, settings guardian.Settings) error {
	s, ok := f.subjects[familyID]
	if !ok {
		return storage.ErrNotFound
	}
	s.Settings = settings
	return nil
}

func (f *fakeRegistry) SetApproval(_ context.Context, familyID string, approved bool) error {
	s, ok := f.subjects[familyID]
	if !ok {
		return storage.ErrNotFound
	}
	s.Approved = approved
	return nil
}

func (f *fakeRegistry) RecordMeal(_ context.Context, familyID string, _ int, _ time.Time) error {
	if _, ok := f.subjects[familyID]; !ok {
		return storage.ErrNotFound
	}
	f.meals++
	return nil
}

func (f *fakeRegistry) Remove(_ context.Context, familyID string) error {
	delete(f.subjects, familyID)
	return nil
}

type fakeBatcher struct{ signals int }

func (f *fakeBatcher) RecordActivity(_ context.Context, _ string, _ time.Time) error {
	f.signals++
	return nil
}

type fakeSweeper struct{ sweeps int }

func (f *fakeSweeper) CheckAll(_ context.Context) error {
	f.sweeps++
	return nil
}

func testServer() (*Server, *fakeRegistry, *fakeBatcher, *fakeSweeper) {
	reg := newFakeRegistry()
	batcher := &fakeBatcher{}
	sweeper := &fakeSweeper{}
	srv := New(&Config{
		Registry:  reg,
		Batcher:   batcher,
		Evaluator: sweeper,
		Logger:    slog.New(slog.DiscardHandler),
	})
	return srv, reg, batcher, sweeper
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	srv, _, _, _ := testServer()
	w := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", w.Code)
	}
}

func TestHandleTick(t *testing.T) {
	srv, _, _, sweeper := testServer()
	w := doJSON(t, srv.Handler(), http.MethodPost, "/tickz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("POST /tickz = %d, want 200", w.Code)
	}
	if sweeper.sweeps != 1 {
		t.Errorf("sweeps = %d, want 1", sweeper.sweeps)
	}
}

func TestHandleActivity(t *testing.T) {
	srv, _, batcher, _ := testServer()
	h := srv.Handler()

	tests := []struct {
		name     string
		body     any
		wantCode int
	}{
		{
			name:     "valid with timestamp",
			body:     map[string]string{"family_id": "fam1", "observed_at": time.Now().Format(time.RFC3339)},
			wantCode: http.StatusAccepted,
		},
		{
			name:     "valid without timestamp",
			body:     map[string]string{"family_id": "fam1"},
			wantCode: http.StatusAccepted,
		},
		{
			name:     "missing family ID",
			body:     map[string]string{},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "bad timestamp",
			body:     map[string]string{"family_id": "fam1", "observed_at": "yesterday"},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, h, http.MethodPost, "/activity", tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("POST /activity = %d, want %d (body: %s)", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}

	if batcher.signals != 2 {
		t.Errorf("batcher signals = %d, want 2", batcher.signals)
	}
}

func TestHandleMeal(t *testing.T) {
	srv, reg, _, _ := testServer()
	reg.subjects["fam1"] = &guardian.Subject{FamilyID: "fam1"}
	h := srv.Handler()

	w := doJSON(t, h, http.MethodPost, "/meals", map[string]any{"family_id": "fam1", "meal_number": 2})
	if w.Code != http.StatusOK {
		t.Errorf("POST /meals = %d, want 200 (body: %s)", w.Code, w.Body.String())
	}
	if reg.meals != 1 {
		t.Errorf("meals recorded = %d, want 1", reg.meals)
	}

	w = doJSON(t, h, http.MethodPost, "/meals", map[string]any{"family_id": "missing", "meal_number": 2})
	if w.Code != http.StatusNotFound {
		t.Errorf("POST /meals for unknown subject = %d, want 404", w.Code)
	}
}

func TestSubjectLifecycle(t *testing.T) {
	srv, _, _, _ := testServer()
	h := srv.Handler()

	register := map[string]any{
		"family_id":    "fam1",
		"elderly_name": "Grandma",
		"settings": map[string]any{
			"survival_signal_enabled": true,
			"alert_hours":             []int{3, 6, 12, 24},
			"food_alert_hours":        8,
		},
	}

	if w := doJSON(t, h, http.MethodPost, "/subjects", register); w.Code != http.StatusCreated {
		t.Fatalf("POST /subjects = %d, want 201 (body: %s)", w.Code, w.Body.String())
	}
	if w := doJSON(t, h, http.MethodPost, "/subjects", register); w.Code != http.StatusConflict {
		t.Errorf("POST /subjects duplicate = %d, want 409", w.Code)
	}

	w := doJSON(t, h, http.MethodGet, "/subjects/fam1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /subjects/fam1 = %d, want 200", w.Code)
	}
	var got guardian.Subject
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode subject: %v", err)
	}
	if got.ElderlyName != "Grandma" {
		t.Errorf("subject name = %q, want Grandma", got.ElderlyName)
	}

	if w := doJSON(t, h, http.MethodPost, "/subjects/fam1/approval", map[string]bool{"approved": true}); w.Code != http.StatusOK {
		t.Errorf("POST approval = %d, want 200", w.Code)
	}

	if w := doJSON(t, h, http.MethodDelete, "/subjects/fam1", nil); w.Code != http.StatusOK {
		t.Errorf("DELETE subject = %d, want 200", w.Code)
	}
	if w := doJSON(t, h, http.MethodGet, "/subjects/fam1", nil); w.Code != http.StatusNotFound {
		t.Errorf("GET deleted subject = %d, want 404", w.Code)
	}
}
