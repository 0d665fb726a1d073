// Package notification delivers operational alerts, such as the feed giving up
// on reconnecting, to logs, webhooks and Telegram.
package notification

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"derivfeed/internal/logger"
)

// AlertLevel is the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is one notification.
type Alert struct {
	Level   AlertLevel        `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	TS      time.Time         `json:"ts"`
}

// Notifier delivers alerts.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log notifier. nil uses the default logger.
func NewLogNotifier(l *slog.Logger) *LogNotifier {
	return &LogNotifier{log: logger.Component(l, "notify")}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	attrs := []any{"level", string(alert.Level), "title", alert.Title}
	for _, k := range sortedKeys(alert.Fields) {
		attrs = append(attrs, k, alert.Fields[k])
	}
	lvl := slog.LevelInfo
	switch alert.Level {
	case AlertWarning:
		lvl = slog.LevelWarn
	case AlertCritical:
		lvl = slog.LevelError
	}
	n.log.Log(ctx, lvl, alert.Message, attrs...)
	return nil
}

// Multi sends every alert to all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	if alert.TS.IsZero() {
		alert.TS = time.Now().UTC()
	}
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
