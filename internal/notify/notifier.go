// Package notify provides a multi-channel notification system. Notifications
// are dispatched to all registered senders (Telegram, Discord, webhook) and
// can be filtered by event type so operators receive only the alerts they
// care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Severity ranks a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Field is one labelled value attached to a message.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Message is the structured payload delivered to every sender. Each sender
// renders it in its own format.
type Message struct {
	Title         string    `json:"title"`
	Severity      Severity  `json:"severity"`
	Body          string    `json:"body"`
	Fields        []Field   `json:"fields,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	DashboardLink string    `json:"dashboard_link,omitempty"`
}

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification message.
	Send(ctx context.Context, msg Message) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. It maintains a
// set of allowed event types; Notify only forwards messages whose event type
// is in the allowed set, while NotifyAll bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// events whose type appears in the events slice will be forwarded by Notify.
// If events is empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends a notification to all senders only if the event type is in the
// allowed list. If no events were configured (empty list), all events pass.
func (n *Notifier) Notify(ctx context.Context, event string, msg Message) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}

	return n.dispatch(ctx, msg)
}

// NotifyAll sends a notification to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, msg Message) error {
	return n.dispatch(ctx, msg)
}

// dispatch delivers the message to every sender concurrently. Errors from
// individual senders are collected and returned as a combined error; a slow
// or failing sender does not delay or prevent delivery to the others.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	if len(n.senders) == 0 {
		return nil
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []string
	)

	for _, s := range n.senders {
		wg.Add(1)
		go func(s Sender) {
			defer wg.Done()

			if err := s.Send(ctx, msg); err != nil {
				n.logger.ErrorContext(ctx, "sender failed",
					slog.String("sender", s.Name()),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
				mu.Unlock()
				return
			}

			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", msg.Title),
			)
		}(s)
	}

	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// renderText flattens a message to plain markdown-ish text shared by the
// chat-style senders.
func renderText(msg Message) string {
	var b strings.Builder

	if msg.Body != "" {
		b.WriteString(msg.Body)
	}
	for _, f := range msg.Fields {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(f.Label)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	if msg.DashboardLink != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Dashboard: ")
		b.WriteString(msg.DashboardLink)
	}

	return b.String()
}
