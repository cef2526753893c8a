package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dealspot/apiserver/internal/mq"
	"github.com/google/uuid"
)

// Channel is the broker channel auth lifecycle events are published on.
const Channel = "auth.events"

// Event types emitted by the auth service.
const (
	TypeUserRegistered = "user.registered"
	TypeUserVerified   = "user.verified"
	TypePasswordReset  = "user.password_reset"
	TypeDetailsUpdated = "user.details_updated"
)

const publishTimeout = 5 * time.Second

// Event describes an auth lifecycle change for downstream consumers.
type Event struct {
	Type   string    `json:"type"`
	UserID string    `json:"user_id"`
	Email  string    `json:"email"`
	At     time.Time `json:"at"`
}

// Publisher emits auth lifecycle events to the configured broker.
// Publishing is best-effort: failures are logged, never surfaced, and
// a nil Publisher or one without a broker drops events silently.
type Publisher struct {
	mq     *mq.MQ
	logger *slog.Logger
}

// NewPublisher constructs a Publisher. broker may be nil when no
// message queue is configured.
func NewPublisher(broker *mq.MQ, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{mq: broker, logger: logger}
}

// Emit publishes an event without blocking the calling request beyond
// a short bounded timeout.
func (p *Publisher) Emit(ctx context.Context, eventType string, userID uuid.UUID, email string) {
	if p == nil || p.mq == nil {
		return
	}

	event := Event{
		Type:   eventType,
		UserID: userID.String(),
		Email:  email,
		At:     time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal auth event", "type", eventType, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if _, err := p.mq.Publish(ctx, Channel, data, map[string]string{"type": eventType}); err != nil {
		p.logger.ErrorContext(ctx, "publish auth event", "type", eventType, "error", err)
	}
}
