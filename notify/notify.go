// Package notify delivers notification intents through an ordered list of
// channels, stopping at the first success. Delivery is best-effort: alert
// and meal-recording logic is never blocked or rolled back because every
// channel was down.
package notify

import (
	"context"
	"log/slog"
	"time"

	"eldercare-notifier/pkg/guardian"
)

const defaultChannelTimeout = 10 * time.Second

// Channel is one concrete delivery mechanism for a notification.
// Implementations map the generic intent into their own wire format.
type Channel interface {
	Name() string
	Send(ctx context.Context, intent *guardian.Intent) error
}

// Result reports how a dispatch attempt ended.
type Result struct {
	Channel   string // channel that delivered, empty if none
	Delivered bool
}

// Dispatcher tries each configured channel in order with a bounded timeout.
type Dispatcher struct {
	logger   *slog.Logger
	channels []Channel
	timeout  time.Duration
}

// New creates a dispatcher over an ordered channel list.
func New(channels []Channel, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultChannelTimeout
	}
	return &Dispatcher{
		channels: channels,
		timeout:  timeout,
		logger:   logger,
	}
}

// Dispatch attempts delivery through the fallback chain. It never returns an
// error: exhaustion of all channels is reported in the result and logged.
// There are no retries beyond the chain for a single intent; the next
// periodic tick is the retry mechanism for alerts.
func (d *Dispatcher) Dispatch(ctx context.Context, intent *guardian.Intent) Result {
	for _, ch := range d.channels {
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		start := time.Now()
		err := ch.Send(attemptCtx, intent)
		cancel()

		if err != nil {
			d.logger.Warn("Channel delivery failed, falling through",
				"channel", ch.Name(),
				"kind", string(intent.Kind),
				"family_id", intent.FamilyID,
				"intent_id", intent.ID,
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err)
			continue
		}

		d.logger.Info("Notification delivered",
			"channel", ch.Name(),
			"kind", string(intent.Kind),
			"family_id", intent.FamilyID,
			"intent_id", intent.ID,
			"duration_ms", time.Since(start).Milliseconds())
		return Result{Channel: ch.Name(), Delivered: true}
	}

	d.logger.Error("All notification channels exhausted",
		"kind", string(intent.Kind),
		"family_id", intent.FamilyID,
		"intent_id", intent.ID,
		"channels", len(d.channels))
	return Result{}
}
