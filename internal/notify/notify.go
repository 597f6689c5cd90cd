// Package notify delivers digests and alerts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/TobiSchelling/KBCurator/internal/config"
	"github.com/TobiSchelling/KBCurator/internal/telemetry"
)

// ErrNoNotifiers is returned when nothing is configured to deliver a message.
var ErrNoNotifiers = errors.New("no notifiers configured")

// Kinds of message.
const (
	KindDigest = "digest"
	KindAlert  = "alert"
)

// Message is the data sent to notification destinations.
type Message struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    string `json:"html,omitempty"`
}

// Notifier delivers messages to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, m *Message) error
}

// Manager broadcasts messages to all registered notifiers.
type Manager struct {
	notifiers []Notifier
	log       *slog.Logger
}

// NewManager creates a new notification manager.
func NewManager(log *slog.Logger, notifiers ...Notifier) *Manager {
	return &Manager{notifiers: notifiers, log: log.With("component", "notify")}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// Send delivers to every notifier. It succeeds when at least one delivery
// succeeded and returns the joined failures otherwise.
func (m *Manager) Send(ctx context.Context, msg *Message) error {
	if len(m.notifiers) == 0 {
		return ErrNoNotifiers
	}
	var errs []error
	delivered := 0
	for _, n := range m.notifiers {
		if err := n.Send(ctx, msg); err != nil {
			telemetry.Notifications.WithLabelValues(n.Name(), "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			continue
		}
		telemetry.Notifications.WithLabelValues(n.Name(), "ok").Inc()
		delivered++
	}
	if delivered > 0 {
		if len(errs) > 0 {
			m.log.Warn("partial delivery", "kind", msg.Kind, "error", errors.Join(errs...))
		}
		return nil
	}
	return errors.Join(errs...)
}

// Alert sends an alert and only logs a failure, alerts being fire-and-forget.
func (m *Manager) Alert(ctx context.Context, subject, body string) {
	if !m.HasNotifiers() {
		m.log.Warn("alert not delivered, no notifiers", "subject", subject)
		return
	}
	if err := m.Send(ctx, &Message{Kind: KindAlert, Subject: subject, Body: body}); err != nil {
		m.log.Error("alert delivery failed", "subject", subject, "error", err)
	}
}

// FromConfig builds the notifiers enabled in cfg.
func FromConfig(ctx context.Context, cfg config.Notify, log *slog.Logger) (*Manager, error) {
	var ns []Notifier
	if cfg.Gmail.Enabled {
		g, err := NewGmail(ctx, GmailConfig{
			ClientID:     os.Getenv(cfg.Gmail.ClientIDEnv),
			ClientSecret: os.Getenv(cfg.Gmail.ClientSecretEnv),
			RefreshToken: os.Getenv(cfg.Gmail.RefreshTokenEnv),
			Sender:       cfg.Sender,
			Recipient:    cfg.Recipient,
		})
		if err != nil {
			return nil, fmt.Errorf("gmail notifier: %w", err)
		}
		ns = append(ns, g)
	}
	if cfg.WebhookURL != "" {
		ns = append(ns, NewWebhook(cfg.WebhookURL, os.Getenv(cfg.WebhookSecretEnv)))
	}
	return NewManager(log, ns...), nil
}
