package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
)

// SMTPSender delivers mail through a plain SMTP relay. The net/smtp API has
// no context support, so the dial honors ctx and the rest of the exchange is
// bounded by the connection's lifetime — the worker wraps Send in a timeout
// context and a cancelled dial surfaces as a transport failure.
type SMTPSender struct {
	addr string // host:port
	from string
	auth smtp.Auth
}

// NewSMTPSender builds a Sender for the given relay. Username may be empty
// for unauthenticated relays.
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	s := &SMTPSender{
		addr: fmt.Sprintf("%s:%d", host, port),
		from: from,
	}
	if username != "" {
		s.auth = smtp.PlainAuth("", username, password, host)
	}
	return s
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	raw, err := buildMIME(s.from, msg)
	if err != nil {
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mail: smtp dial %s: %w", s.addr, err)
	}

	// Close the connection when ctx expires so a stalled exchange cannot
	// outlive the caller's deadline.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	host, _, _ := net.SplitHostPort(s.addr)
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("mail: smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("mail: smtp starttls: %w", err)
		}
	}
	if s.auth != nil {
		if err := c.Auth(s.auth); err != nil {
			return fmt.Errorf("mail: smtp auth: %w", err)
		}
	}
	if err := c.Mail(s.from); err != nil {
		return fmt.Errorf("mail: smtp mail from: %w", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return fmt.Errorf("mail: smtp rcpt %s: %w", msg.To, err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("mail: smtp data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("mail: smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mail: smtp close data: %w", err)
	}
	return c.Quit()
}
