// Package mail defines the outbound mail transport interface and provides
// SES and SMTP implementations. Transports attempt a single delivery and
// never retry internally — retries belong to the delivery worker.
package mail

import "context"

// Attachment is an optional file carried by a message.
type Attachment struct {
	Filename    string
	ContentType string // e.g. "text/csv"
	Data        []byte
}

// Message is a fully-formed outbound email.
type Message struct {
	To         string
	Subject    string
	Body       string // plain text
	Attachment *Attachment
}

// Sender is the transport boundary. Send attempts one delivery and returns
// an error on any failure; the caller decides whether to retry. Tests inject
// a stub that records calls without hitting the network.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}
