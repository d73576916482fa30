package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/textproto"
)

// buildMIME renders the message as an RFC 5322 byte payload, multipart/mixed
// when an attachment is present. Both transports send the same bytes so a
// delivery observed through SES and one through SMTP are indistinguishable
// to the recipient.
func buildMIME(from string, msg Message) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	buf.WriteString("MIME-Version: 1.0\r\n")

	if msg.Attachment == nil {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		buf.WriteString(msg.Body)
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	part, err := mw.CreatePart(textHeader)
	if err != nil {
		return nil, fmt.Errorf("mail: text part: %w", err)
	}
	if _, err := part.Write([]byte(msg.Body)); err != nil {
		return nil, fmt.Errorf("mail: write body: %w", err)
	}

	att := msg.Attachment
	attHeader := textproto.MIMEHeader{}
	attHeader.Set("Content-Type", att.ContentType)
	attHeader.Set("Content-Transfer-Encoding", "base64")
	attHeader.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Filename))
	part, err = mw.CreatePart(attHeader)
	if err != nil {
		return nil, fmt.Errorf("mail: attachment part: %w", err)
	}

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(att.Data)))
	base64.StdEncoding.Encode(encoded, att.Data)
	// 76-char lines per RFC 2045.
	for len(encoded) > 0 {
		n := 76
		if n > len(encoded) {
			n = len(encoded)
		}
		if _, err := part.Write(encoded[:n]); err != nil {
			return nil, fmt.Errorf("mail: write attachment: %w", err)
		}
		if _, err := part.Write([]byte("\r\n")); err != nil {
			return nil, fmt.Errorf("mail: write attachment: %w", err)
		}
		encoded = encoded[n:]
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("mail: close multipart: %w", err)
	}
	return buf.Bytes(), nil
}
