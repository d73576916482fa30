package mail

import (
	"context"
	"log/slog"
)

// LogSender logs messages instead of delivering them. Development only.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender builds a Sender that writes to the given logger.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	attachment := ""
	if msg.Attachment != nil {
		attachment = msg.Attachment.Filename
	}
	s.logger.Info("mail: would send",
		"to", msg.To,
		"subject", msg.Subject,
		"attachment", attachment,
	)
	return nil
}
