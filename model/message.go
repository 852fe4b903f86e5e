package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrMessageIDMissing = errors.New("message record missing id")

// Address is a mailbox as reported by the mail.tm API.
type Address struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Message is one inbox record returned by the listing call. Raw holds the
// record exactly as received; it is what gets archived.
type Message struct {
	ID             string    `json:"id"`
	MsgID          string    `json:"msgid"`
	From           Address   `json:"from"`
	To             []Address `json:"to"`
	Subject        string    `json:"subject"`
	Intro          string    `json:"intro"`
	Seen           bool      `json:"seen"`
	HasAttachments bool      `json:"hasAttachments"`
	Size           int64     `json:"size"`
	CreatedAt      time.Time `json:"createdAt"`

	Raw json.RawMessage `json:"-"`
}

// ParseMessage decodes the convenience fields of a raw record and keeps the
// raw bytes alongside them. Only the id is required: a metadata field with
// an unexpected shape is left at its zero value so the record is still
// archived and deleted.
func ParseMessage(raw json.RawMessage) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Message{}, fmt.Errorf("decode message record: %w", err)
	}

	msg := Message{ID: lenient[string](fields["id"])}
	if msg.ID == "" {
		return Message{}, ErrMessageIDMissing
	}

	msg.MsgID = lenient[string](fields["msgid"])
	msg.From = lenient[Address](fields["from"])
	msg.To = lenient[[]Address](fields["to"])
	msg.Subject = lenient[string](fields["subject"])
	msg.Intro = lenient[string](fields["intro"])
	msg.Seen = lenient[bool](fields["seen"])
	msg.HasAttachments = lenient[bool](fields["hasAttachments"])
	msg.Size = parseSize(fields["size"])
	msg.CreatedAt = parseTime(fields["createdAt"])
	msg.Raw = append(json.RawMessage(nil), raw...)
	return msg, nil
}

func lenient[T any](value json.RawMessage) T {
	var out T
	if len(value) == 0 {
		return out
	}
	if err := json.Unmarshal(value, &out); err != nil {
		var zero T
		return zero
	}
	return out
}

func parseSize(value json.RawMessage) int64 {
	if size := lenient[int64](value); size != 0 {
		return size
	}
	size, err := strconv.ParseInt(strings.TrimSpace(lenient[string](value)), 10, 64)
	if err != nil {
		return 0
	}
	return size
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
}

func parseTime(value json.RawMessage) time.Time {
	text := strings.TrimSpace(lenient[string](value))
	if text == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ParseMessages decodes a list of raw records. Records without an id are
// reported through the returned error but do not stop the others.
func ParseMessages(raws []json.RawMessage) ([]Message, error) {
	msgs := make([]Message, 0, len(raws))
	var errs []error
	for idx, raw := range raws {
		msg, err := ParseMessage(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", idx, err))
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, errors.Join(errs...)
}

// Envelope wraps a message alongside an optional error encountered while listing.
type Envelope struct {
	Message Message
	Err     error
}
