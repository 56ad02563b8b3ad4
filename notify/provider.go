// Package notify delivers listing notifications through a pluggable provider.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"carwatch/pkg/carwatch"
)

// Message is a rendered notification. Body uses the small HTML subset
// understood by chat clients: <b>, <a> and newlines.
type Message struct {
	To       string
	Subject  string
	Body     string
	PhotoURL string
}

// Provider defines the interface for delivery implementations.
type Provider interface {
	// Send delivers msg to msg.To.
	Send(ctx context.Context, msg *Message) error
}

// Sender formats listings and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// Deliver notifies user about listing l, which matched the filter named filterName.
// A nil error means the provider accepted the message.
func (s *Sender) Deliver(ctx context.Context, user string, l *carwatch.Listing, filterName string) error {
	msg := &Message{
		To:       user,
		Subject:  subject(l, filterName),
		Body:     FormatBody(l, filterName),
		PhotoURL: l.PhotoURL,
	}

	s.logger.Info("Sending notification",
		"user", user,
		"listing_id", l.ID,
		"filter", filterName,
		"with_photo", msg.PhotoURL != "")

	if err := s.provider.Send(ctx, msg); err != nil {
		return fmt.Errorf("deliver listing %s to %s: %w", l.ID, user, err)
	}
	return nil
}
