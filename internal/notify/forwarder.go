package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"taskpanel/internal/events"
)

// Describer renders the notification for a run-end event. It returns ok=false
// to suppress the event.
type Describer func(ctx context.Context, e events.Event) (title, body string, ok bool)

// Forwarder relays run-end events from the bus to a Notifier. Bursts beyond
// the limiter are dropped rather than queued.
type Forwarder struct {
	notifier Notifier
	limiter  *rate.Limiter
	describe Describer
	logger   *slog.Logger
}

// NewForwarder allows one notification per every, with bursts of burst.
func NewForwarder(notifier Notifier, every time.Duration, burst int, describe Describer, logger *slog.Logger) *Forwarder {
	if burst < 1 {
		burst = 1
	}
	if describe == nil {
		describe = DefaultDescriber
	}
	return &Forwarder{
		notifier: notifier,
		limiter:  rate.NewLimiter(rate.Every(every), burst),
		describe: describe,
		logger:   logger,
	}
}

// DefaultDescriber names the finished records by id.
func DefaultDescriber(_ context.Context, e events.Event) (string, string, bool) {
	switch e.Type {
	case events.TypeRunCronEnd, events.TypeRunSubscriptionEnd:
		return "taskpanel: " + e.Message, strings.Join(e.References, ", "), true
	default:
		return "", "", false
	}
}

// Run consumes ch until it closes or ctx is done.
func (f *Forwarder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			f.forward(ctx, e)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, e events.Event) {
	title, body, ok := f.describe(ctx, e)
	if !ok {
		return
	}
	if !f.limiter.Allow() {
		f.logger.Debug("notification rate limited", "type", e.Type, "references", e.References)
		return
	}
	if err := f.notifier.Send(ctx, title, body); err != nil {
		f.logger.Warn("send notification", "type", e.Type, "err", err)
	}
}
