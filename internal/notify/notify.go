// Package notify delivers best-effort notifications to users. Delivery never
// takes part in the caller's transaction.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Kind classifies a notification.
type Kind string

const (
	KindResetRequested Kind = "password_reset_requested"
	KindResetApproved  Kind = "password_reset_approved"
	KindResetRejected  Kind = "password_reset_rejected"
	KindResetCompleted Kind = "password_reset_completed"
)

// Message is one notification addressed to one user.
type Message struct {
	RecipientID    string            `json:"recipient_id"`
	RecipientEmail string            `json:"recipient_email,omitempty"`
	Kind           Kind              `json:"kind"`
	Text           string            `json:"text"`
	Data           map[string]string `json:"data,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }

// LogSink writes messages to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, msg Message) error {
	s.logger.Info("notification",
		zap.String("kind", string(msg.Kind)),
		zap.String("recipient_id", msg.RecipientID),
		zap.String("text", msg.Text),
	)
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
