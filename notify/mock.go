package notify

import (
	"context"
	"log/slog"
)

// MockProvider logs messages instead of sending them, for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message.
func (m *MockProvider) Send(ctx context.Context, msg *Message) error {
	m.logger.Info("MOCK NOTIFICATION",
		"to", msg.To,
		"subject", msg.Subject,
		"photo", msg.PhotoURL,
		"body_length", len(msg.Body))
	return nil
}
