package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	raw := json.RawMessage(`{"id":"m1","msgid":"<x@y>","from":{"address":"a@b.c","name":"A"},"to":[{"address":"me@mail.tm","name":""}],"subject":"Hi","intro":"hello","seen":true,"hasAttachments":false,"size":42,"createdAt":"2024-05-01T10:00:00+00:00","extra":{"kept":true}}`)

	msg, err := ParseMessage(raw)
	require.NoError(t, err)

	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "<x@y>", msg.MsgID)
	assert.Equal(t, Address{Address: "a@b.c", Name: "A"}, msg.From)
	assert.Equal(t, []Address{{Address: "me@mail.tm"}}, msg.To)
	assert.Equal(t, "Hi", msg.Subject)
	assert.True(t, msg.Seen)
	assert.Equal(t, int64(42), msg.Size)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), msg.CreatedAt.UTC())
	assert.JSONEq(t, string(raw), string(msg.Raw))
}

func TestParseMessage_OddMetadataKeepsRecord(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, msg Message)
	}{
		{
			name: "created at without zone",
			raw:  `{"id":"m1","createdAt":"2024-01-01 10:00:00"}`,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), msg.CreatedAt)
			},
		},
		{
			name: "size as string",
			raw:  `{"id":"m2","size":"12"}`,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, int64(12), msg.Size)
			},
		},
		{
			name: "unparseable fields",
			raw:  `{"id":"m3","createdAt":"yesterday","size":"big","from":"a@b.c","to":{"address":"x"},"seen":"yes"}`,
			check: func(t *testing.T, msg Message) {
				assert.True(t, msg.CreatedAt.IsZero())
				assert.Zero(t, msg.Size)
				assert.Equal(t, Address{}, msg.From)
				assert.Nil(t, msg.To)
				assert.False(t, msg.Seen)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.NotEmpty(t, msg.ID)
			assert.Equal(t, tt.raw, string(msg.Raw))
			tt.check(t, msg)
		})
	}
}

func TestParseMessage_RequiresID(t *testing.T) {
	for _, raw := range []string{`{}`, `{"id":""}`, `{"id":7}`, `null`} {
		_, err := ParseMessage(json.RawMessage(raw))
		assert.ErrorIs(t, err, ErrMessageIDMissing, raw)
	}

	_, err := ParseMessage(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestParseMessages_PartialResults(t *testing.T) {
	raws := []json.RawMessage{
		json.RawMessage(`{"id":"m1"}`),
		json.RawMessage(`{"subject":"no id"}`),
		json.RawMessage(`{"id":"m3","size":"3"}`),
	}

	msgs, err := ParseMessages(raws)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record 1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)
}
