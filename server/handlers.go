package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"eldercare-notifier/pkg/guardian"
	"eldercare-notifier/registry"
	"eldercare-notifier/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleTick triggers a full evaluation sweep. Wired to an external
// scheduler in production; a parallel internal ticker covers deployments
// without one.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Tick endpoint triggered")

	if err := s.evaluator.CheckAll(r.Context()); err != nil {
		s.logger.Error("Evaluation sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

type activityRequest struct {
	FamilyID   string `json:"family_id"`
	ObservedAt string `json:"observed_at,omitempty"` // RFC3339; empty = now
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.FamilyID == "" {
		writeError(w, http.StatusBadRequest, "family_id required")
		return
	}

	var observedAt time.Time
	if req.ObservedAt != "" {
		var err error
		observedAt, err = time.Parse(time.RFC3339, req.ObservedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "observed_at must be RFC3339")
			return
		}
	}

	if err := s.batcher.RecordActivity(r.Context(), req.FamilyID, observedAt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type mealRequest struct {
	FamilyID   string `json:"family_id"`
	MealNumber int    `json:"meal_number"`
	At         string `json:"at,omitempty"` // RFC3339; empty = now
}

func (s *Server) handleMeal(w http.ResponseWriter, r *http.Request) {
	var req mealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.FamilyID == "" {
		writeError(w, http.StatusBadRequest, "family_id required")
		return
	}

	var at time.Time
	if req.At != "" {
		var err error
		at, err = time.Parse(time.RFC3339, req.At)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be RFC3339")
			return
		}
	}

	if err := s.registry.RecordMeal(r.Context(), req.FamilyID, req.MealNumber, at); err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "subject not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type registerRequest struct {
	FamilyID    string            `json:"family_id"`
	ElderlyName string            `json:"elderly_name"`
	Settings    guardian.Settings `json:"settings"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	subject := &guardian.Subject{
		FamilyID:    req.FamilyID,
		ElderlyName: req.ElderlyName,
		Settings:    req.Settings,
	}
	if err := s.registry.Register(r.Context(), subject); err != nil {
		if errors.Is(err, registry.ErrExists) {
			writeError(w, http.StatusConflict, "family ID already registered")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, subject)
}

func (s *Server) handleGetSubject(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")
	subject, err := s.registry.Subject(r.Context(), familyID)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "subject not found")
			return
		}
		s.logger.Error("Subject lookup failed", "family_id", familyID, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, subject)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	var settings guardian.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.registry.UpdateSettings(r.Context(), familyID, settings); err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "subject not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type approvalRequest struct {
	Approved bool `json:"approved"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.registry.SetApproval(r.Context(), familyID, req.Approved); err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "subject not found")
			return
		}
		s.logger.Error("Approval update failed", "family_id", familyID, "error", err)
		writeError(w, http.StatusInternalServerError, "approval update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")
	if err := s.registry.Remove(r.Context(), familyID); err != nil {
		s.logger.Error("Subject removal failed", "family_id", familyID, "error", err)
		writeError(w, http.StatusInternalServerError, "removal failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
