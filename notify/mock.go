package notify

import (
	"context"
	"log/slog"

	"eldercare-notifier/pkg/guardian"
)

// MockChannel logs intents instead of delivering them. Used in local
// development mode and tests.
type MockChannel struct {
	logger *slog.Logger
}

// NewMockChannel creates a new mock channel.
func NewMockChannel(logger *slog.Logger) *MockChannel {
	return &MockChannel{logger: logger}
}

// Name implements Channel.
func (m *MockChannel) Name() string { return "mock" }

// Send logs the intent.
func (m *MockChannel) Send(_ context.Context, intent *guardian.Intent) error {
	m.logger.Info("MOCK NOTIFICATION",
		"kind", string(intent.Kind),
		"topic", intent.Topic,
		"family_id", intent.FamilyID,
		"data", intent.Data())
	return nil
}
