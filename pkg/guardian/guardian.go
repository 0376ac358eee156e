// Package guardian defines the shared domain types for the elder-care
// monitoring service: the monitored subject, its alert settings and
// deduplication marks, and the notification intents produced when an
// elapsed-time threshold is crossed.
package guardian

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a notification intent is about.
type Kind string

const (
	KindMealRecorded  Kind = "meal_recorded"
	KindSurvivalAlert Kind = "survival_alert"
	KindFoodAlert     Kind = "food_alert"
)

// Settings holds the per-family alert configuration.
type Settings struct {
	SurvivalSignalEnabled bool  `json:"survival_signal_enabled"`
	AlertHours            []int `json:"alert_hours"`      // ascending, e.g. 3,6,12,24
	FoodAlertHours        int   `json:"food_alert_hours"` // single threshold
}

// Meal records the most recent meal entry. Count resets daily.
type Meal struct {
	Count     int       `json:"count"`  // meals recorded today, 0..3
	Number    int       `json:"number"` // which meal of the day, 1..3
	Timestamp time.Time `json:"timestamp"`
}

// AlertMark records a fired alert: when it fired and which hour threshold
// was crossed. Its presence is the sole deduplication record for a crossing.
type AlertMark struct {
	FiredAt time.Time `json:"fired_at"`
	Hours   int       `json:"hours"`
}

// Alerts holds the last-fired mark per alert kind. A nil mark means the
// kind is armed and the next crossing will fire.
type Alerts struct {
	Survival *AlertMark `json:"survival,omitempty"`
	Food     *AlertMark `json:"food,omitempty"`
}

// Subject is one monitored family unit.
type Subject struct {
	FamilyID       string    `json:"family_id"`
	ElderlyName    string    `json:"elderly_name"`
	Approved       bool      `json:"approved"` // pairing approval; unapproved subjects never alert
	LastActivityAt time.Time `json:"last_activity_at"`
	LastMeal       Meal      `json:"last_meal"`
	Settings       Settings  `json:"settings"`
	Alerts         Alerts    `json:"alerts"`
	CreatedAt      time.Time `json:"created_at"`
}

// Topic returns the broadcast address receiving devices subscribe to.
func (s *Subject) Topic() string {
	return "family_" + s.FamilyID
}

// SmallestAlertHours returns the lowest configured survival threshold,
// or 0 when none are configured.
func (s *Subject) SmallestAlertHours() int {
	if len(s.Settings.AlertHours) == 0 {
		return 0
	}
	smallest := s.Settings.AlertHours[0]
	for _, h := range s.Settings.AlertHours[1:] {
		if h < smallest {
			smallest = h
		}
	}
	return smallest
}

// Intent is a fully-formed notification request. It is immutable, consumed
// exactly once by the dispatcher, and never persisted.
type Intent struct {
	ID          string
	Kind        Kind
	FamilyID    string
	ElderlyName string
	Topic       string
	Hours       int // crossed threshold; 0 for meal_recorded
	CreatedAt   time.Time
}

// NewIntent builds an intent addressed to the subject's family topic.
func NewIntent(kind Kind, s *Subject, hours int, now time.Time) *Intent {
	return &Intent{
		ID:          uuid.NewString(),
		Kind:        kind,
		FamilyID:    s.FamilyID,
		ElderlyName: s.ElderlyName,
		Topic:       s.Topic(),
		Hours:       hours,
		CreatedAt:   now,
	}
}

// Data returns the channel-agnostic wire fields. Receivers use the
// kind+familyId+timestamp tuple as a natural dedup key for duplicate sends.
func (i *Intent) Data() map[string]string {
	data := map[string]string{
		"type":        string(i.Kind),
		"familyId":    i.FamilyID,
		"elderlyName": i.ElderlyName,
		"timestamp":   i.CreatedAt.Format(time.RFC3339),
	}
	switch i.Kind {
	case KindSurvivalAlert:
		data["hoursInactive"] = fmt.Sprintf("%d", i.Hours)
	case KindFoodAlert:
		data["hoursWithoutFood"] = fmt.Sprintf("%d", i.Hours)
	case KindMealRecorded:
		// structured fields only
	}
	return data
}

// Title returns a human-readable notification title. Locale-specific text is
// a presentation concern; these defaults cover the direct push channel.
func (i *Intent) Title() string {
	switch i.Kind {
	case KindSurvivalAlert:
		return fmt.Sprintf("No activity from %s", i.ElderlyName)
	case KindFoodAlert:
		return fmt.Sprintf("No meals recorded for %s", i.ElderlyName)
	case KindMealRecorded:
		return fmt.Sprintf("%s recorded a meal", i.ElderlyName)
	}
	return "Notification"
}

// Body returns a human-readable notification body.
func (i *Intent) Body() string {
	switch i.Kind {
	case KindSurvivalAlert:
		return fmt.Sprintf("%s has shown no phone activity for %d hours.", i.ElderlyName, i.Hours)
	case KindFoodAlert:
		return fmt.Sprintf("%s has not recorded a meal for %d hours.", i.ElderlyName, i.Hours)
	case KindMealRecorded:
		return fmt.Sprintf("%s recorded a meal at %s.", i.ElderlyName, i.CreatedAt.Format("15:04"))
	}
	return ""
}
