// Package alerting is the call-out boundary for conditions a human
// should hear about: breaker trips, fully degraded ingestion, scraper
// bursts. Delivery (mail, SMS, pager) lives outside this process; the
// default notifier writes structured log lines and, when configured,
// forwards to Sentry.
package alerting

import (
	"context"
	"log/slog"

	"github.com/getsentry/sentry-go"
)

// Severity orders notifications for routing by the delivery tier.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier receives operator-grade events.
type Notifier interface {
	Notify(ctx context.Context, severity Severity, title, body string)
}

// LogNotifier is the default sink: slog always, Sentry when initialized.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: slog.With("component", "alerting")}
}

func (n *LogNotifier) Notify(_ context.Context, severity Severity, title, body string) {
	switch severity {
	case SeverityCritical:
		n.log.Error(title, "detail", body)
	default:
		n.log.Warn(title, "detail", body)
	}

	if hub := sentry.CurrentHub(); hub.Client() != nil {
		level := sentry.LevelWarning
		if severity == SeverityCritical {
			level = sentry.LevelError
		}
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetLevel(level)
			scope.SetExtra("detail", body)
			hub.CaptureMessage(title)
		})
	}
}
