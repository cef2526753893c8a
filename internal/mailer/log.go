package mailer

import (
	"context"
	"log/slog"
)

// LogSender writes outbound mail to the log instead of delivering it.
// Used in development when no SMTP relay is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender constructs a LogSender. A nil logger falls back to the
// default slog logger.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send logs the message and reports success.
func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.InfoContext(ctx, "outbound email (log sender)",
		"to", msg.To,
		"subject", msg.Subject,
		"body", msg.Body,
	)
	return nil
}
