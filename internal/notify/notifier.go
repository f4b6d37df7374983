// Package notify delivers operator alerts for execution events. Every event
// carries a priority; the notifier drops events below its configured floor
// and fans the rest out to all registered channels (Telegram, Discord).
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Alert is one operator notification, fully resolved: the raw event name,
// its severity, and the rendered title and body. Senders decide how to
// present the severity for their channel.
type Alert struct {
	Event    string
	Priority Priority
	Title    string
	Message  string
	At       time.Time
}

// Sender is one delivery channel.
type Sender interface {
	// Send delivers the alert.
	Send(ctx context.Context, alert Alert) error
	// Name returns the channel identifier (e.g. "telegram").
	Name() string
}

// Priority orders alert severity.
type Priority int

const (
	PriorityInfo Priority = iota
	PriorityWarning
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityWarning:
		return "warning"
	default:
		return "info"
	}
}

// Tag is the bracketed severity marker channels prepend to titles.
func (p Priority) Tag() string {
	switch p {
	case PriorityCritical:
		return "[CRITICAL]"
	case PriorityWarning:
		return "[WARN]"
	default:
		return "[INFO]"
	}
}

// eventPriorities maps known execution events to their severity. Unknown
// events default to warning so a new alert site is never silently dropped.
var eventPriorities = map[string]Priority{
	"entry_placed":     PriorityInfo,
	"margin_limit":     PriorityInfo,
	"entry_timeout":    PriorityWarning,
	"poll_budget":      PriorityWarning,
	"reconciler_drift": PriorityWarning,
	"order_rejected":   PriorityCritical,
	"order_failed":     PriorityCritical,
	"feed_disconnect":  PriorityCritical,
}

// PriorityFor returns the severity for an event.
func PriorityFor(event string) Priority {
	if p, ok := eventPriorities[event]; ok {
		return p
	}
	return PriorityWarning
}

// Notifier fans alerts out to its senders, filtered by a priority floor.
type Notifier struct {
	senders     []Sender
	minPriority Priority
	logger      *slog.Logger
}

// NewNotifier creates a Notifier delivering events at or above minPriority.
func NewNotifier(senders []Sender, minPriority Priority, logger *slog.Logger) *Notifier {
	return &Notifier{
		senders:     senders,
		minPriority: minPriority,
		logger:      logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers one event to every channel. A single channel failure does
// not stop delivery to the rest; failures come back combined.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	priority := PriorityFor(event)
	if priority < n.minPriority {
		n.logger.Debug("alert below priority floor",
			slog.String("event", event),
			slog.String("priority", priority.String()),
		)
		return nil
	}

	if len(n.senders) == 0 {
		return nil
	}

	alert := Alert{
		Event:    event,
		Priority: priority,
		Title:    title,
		Message:  message,
		At:       time.Now().UTC(),
	}

	var failures []string
	for _, s := range n.senders {
		if err := s.Send(ctx, alert); err != nil {
			n.logger.Error("alert channel failed",
				slog.String("channel", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			failures = append(failures, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.Debug("alert delivered",
			slog.String("channel", s.Name()),
			slog.String("event", event),
		)
	}

	if len(failures) > 0 {
		return fmt.Errorf("notify: %d channel(s) failed: %s", len(failures), strings.Join(failures, "; "))
	}
	return nil
}
