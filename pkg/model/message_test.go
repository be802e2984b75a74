package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/pulsechat/pkg/chaterr"
)

func TestSendMessageRequestPair(t *testing.T) {
	d, err := SendMessageRequest{Sender: " Alice", Receiver: "BOB", Body: "hi"}.Draft()
	require.NoError(t, err)
	require.NoError(t, d.Validate())

	addr, ok := d.Address.(PairAddress)
	require.True(t, ok)
	assert.EqualValues(t, "alice", addr.Sender)
	assert.EqualValues(t, "bob", addr.Receiver)
	assert.Equal(t, "dm:alice:bob", d.Address.Key())
}

func TestSendMessageRequestRoom(t *testing.T) {
	d, err := SendMessageRequest{Sender: "alice", RoomID: " general ", Body: "hi"}.Draft()
	require.NoError(t, err)

	addr, ok := d.Address.(RoomAddress)
	require.True(t, ok)
	assert.Equal(t, "general", addr.Room)
	assert.Equal(t, "room:general", d.Address.Key())
}

func TestSendMessageRequestInvalid(t *testing.T) {
	cases := []struct {
		name string
		req  SendMessageRequest
		want error
	}{
		{"no sender", SendMessageRequest{Receiver: "bob", Body: "x"}, chaterr.ErrInvalidIdentity},
		{"blank receiver", SendMessageRequest{Sender: "a", Receiver: "  ", Body: "x"}, chaterr.ErrInvalidIdentity},
		{"both modes", SendMessageRequest{Sender: "a", Receiver: "b", RoomID: "r", Body: "x"}, chaterr.ErrValidation},
		{"no target", SendMessageRequest{Sender: "a", Body: "x"}, chaterr.ErrValidation},
	}
	for _, c := range cases {
		_, err := c.req.Draft()
		assert.True(t, errors.Is(err, c.want), c.name)
	}
}

func TestDraftValidateBody(t *testing.T) {
	d, err := SendMessageRequest{Sender: "alice", Receiver: "bob", Body: "   "}.Draft()
	require.NoError(t, err)
	assert.True(t, errors.Is(d.Validate(), chaterr.ErrValidation))

	assert.True(t, errors.Is(Draft{Body: "x"}.Validate(), chaterr.ErrValidation))
	assert.True(t, errors.Is(Draft{Address: PairAddress{Sender: "a"}, Body: "x"}.Validate(), chaterr.ErrValidation))
}

func TestMessageJSON(t *testing.T) {
	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	m := NewMessage(42, at, Draft{Address: PairAddress{Sender: "alice", Receiver: "bob"}, Body: "hi"})

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"42","sender":"alice","receiver":"bob","body":"hi","createdAt":"2026-10-14T09:00:00Z","deleted":false}`, string(out))
}

func TestRedactedAndOrdering(t *testing.T) {
	at := time.Now()
	a := Message{ID: 1, Body: "x", CreatedAt: at}
	b := Message{ID: 2, Body: "y", CreatedAt: at, Deleted: true}

	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.Equal(t, "x", a.Redacted().Body)
	assert.Equal(t, "", b.Redacted().Body)
	assert.Equal(t, "y", b.Body)
}

func TestEventEncode(t *testing.T) {
	out, err := Event{Name: EventTyping, Data: TypingPayload{From: "alice", To: "bob"}}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"typing","data":{"from":"alice","to":"bob"}}`, string(out))

	ev := ErrorEvent(EventSendMessage, "ref-1", chaterr.Unavailable(errors.New("down"), "append"))
	p := ev.Data.(ErrorPayload)
	assert.Equal(t, chaterr.KindStoreUnavailable, p.Code)
	assert.True(t, p.Retryable)
	assert.Equal(t, "ref-1", p.ClientRef)
}
