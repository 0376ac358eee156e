package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/fcm/v1"

	"eldercare-notifier/pkg/guardian"
)

// PushChannel delivers intents directly through Firebase Cloud Messaging,
// addressed to the family topic. Used as a fallback when the function
// endpoint is unavailable.
type PushChannel struct {
	service *fcm.Service
	parent  string // "projects/{project-id}"
	logger  *slog.Logger
}

// NewPushChannel creates a channel sending through the given FCM project.
func NewPushChannel(service *fcm.Service, projectID string, logger *slog.Logger) *PushChannel {
	return &PushChannel{
		service: service,
		parent:  "projects/" + projectID,
		logger:  logger,
	}
}

// Name implements Channel.
func (p *PushChannel) Name() string { return "push" }

// Send publishes a topic-addressed message carrying the intent's data map
// plus a human-readable title/body pair.
func (p *PushChannel) Send(ctx context.Context, intent *guardian.Intent) error {
	p.logger.Info("FCM request starting",
		"method", "POST",
		"endpoint", "projects.messages.send",
		"topic", intent.Topic,
		"kind", string(intent.Kind))

	startTime := time.Now()
	_, err := p.service.Projects.Messages.Send(p.parent, &fcm.SendMessageRequest{
		Message: &fcm.Message{
			Topic: intent.Topic,
			Data:  intent.Data(),
			Notification: &fcm.Notification{
				Title: intent.Title(),
				Body:  intent.Body(),
			},
		},
	}).Context(ctx).Do()
	duration := time.Since(startTime)

	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}

	p.logger.Info("FCM request completed",
		"endpoint", "projects.messages.send",
		"topic", intent.Topic,
		"duration_ms", duration.Milliseconds(),
		"status", "success")

	return nil
}
