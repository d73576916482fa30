package mail

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESSender delivers mail through Amazon SES v2. Raw content is used so the
// CSV attachment survives the trip.
type SESSender struct {
	client *sesv2.Client
	from   string
}

// NewSESSender builds a Sender from a resolved AWS config and a verified
// sender address.
func NewSESSender(cfg aws.Config, from string) *SESSender {
	return &SESSender{
		client: sesv2.NewFromConfig(cfg),
		from:   from,
	}
}

func (s *SESSender) Send(ctx context.Context, msg Message) error {
	raw, err := buildMIME(s.from, msg)
	if err != nil {
		return err
	}

	_, err = s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	})
	if err != nil {
		return fmt.Errorf("mail: ses send to %s: %w", msg.To, err)
	}
	return nil
}
