package archive

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mailtm-drain/model"
)

// HeaderMessageID carries the mail.tm record id on exported messages.
const HeaderMessageID = "X-Mailtm-Id"

// ExportMbox writes one RFC 5322 message per record to w in mbox format.
// Only the listing metadata is available, so the body is the record intro.
func ExportMbox(w io.Writer, msgs []model.Message) (int, error) {
	writer := mboxlib.NewWriter(w)

	written := 0
	for _, msg := range msgs {
		raw, err := BuildRFC5322(msg)
		if err != nil {
			return written, fmt.Errorf("build message %s: %w", msg.ID, err)
		}

		from := msg.From.Address
		if from == "" {
			from = "MAILER-DAEMON"
		}
		received := msg.CreatedAt
		if received.IsZero() {
			received = time.Unix(0, 0).UTC()
		}

		mw, err := writer.CreateMessage(from, received)
		if err != nil {
			return written, fmt.Errorf("create mbox entry %s: %w", msg.ID, err)
		}
		if _, err := mw.Write(raw); err != nil {
			return written, fmt.Errorf("write mbox entry %s: %w", msg.ID, err)
		}
		written++
	}

	if err := writer.Close(); err != nil {
		return written, fmt.Errorf("close mbox: %w", err)
	}
	return written, nil
}

// BuildRFC5322 synthesizes a plain-text message from an archived record.
func BuildRFC5322(msg model.Message) ([]byte, error) {
	var h mail.Header
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if !msg.CreatedAt.IsZero() {
		h.SetDate(msg.CreatedAt)
	}
	if msg.From.Address != "" {
		h.SetAddressList("From", []*mail.Address{{Name: msg.From.Name, Address: msg.From.Address}})
	}
	if len(msg.To) > 0 {
		to := make([]*mail.Address, 0, len(msg.To))
		for _, addr := range msg.To {
			to = append(to, &mail.Address{Name: addr.Name, Address: addr.Address})
		}
		h.SetAddressList("To", to)
	}
	h.SetSubject(msg.Subject)
	if id := strings.Trim(strings.TrimSpace(msg.MsgID), "<>"); id != "" {
		h.SetMessageID(id)
	}
	h.Set(HeaderMessageID, msg.ID)

	var buf bytes.Buffer
	body, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(body, msg.Intro+"\r\n"); err != nil {
		body.Close()
		return nil, err
	}
	if err := body.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
