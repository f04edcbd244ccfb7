package notify

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Message is a rendered transactional email.
type Message struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
}

// EmailSender delivers rendered messages.
type EmailSender interface {
	Send(ctx context.Context, msg Message) error
}

// NopSender drops every message.
type NopSender struct{}

func (NopSender) Send(context.Context, Message) error { return nil }

// LogSender writes messages to the log instead of a mail transport.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	s.Logger.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Int("text_bytes", len(msg.Text)).
		Msg("email_sent")
	return nil
}

// InMemorySender keeps sent messages for inspection.
type InMemorySender struct {
	mu   sync.Mutex
	sent []Message
}

func (s *InMemorySender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

// Sent returns a copy of the delivered messages.
func (s *InMemorySender) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

// SentTo returns messages addressed to recipient.
func (s *InMemorySender) SentTo(recipient string) []Message {
	var out []Message
	for _, m := range s.Sent() {
		if strings.EqualFold(m.To, recipient) {
			out = append(out, m)
		}
	}
	return out
}
