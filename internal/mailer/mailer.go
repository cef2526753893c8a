package mailer

import "context"

// Message is a plain-text email to deliver.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers email. Implementations must respect the context
// deadline; callers bound every send with a timeout and treat a
// timed-out send identically to a failed send.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}
