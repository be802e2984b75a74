package model

import (
	"strings"
	"time"

	"github.com/mahaj/pulsechat/pkg/chaterr"
	"github.com/mahaj/pulsechat/pkg/identity"
)

// Address is how a message is addressed: PairAddress or RoomAddress.
// The variant is resolved once when the wire payload is decoded.
type Address interface {
	// Key is the derived conversation key.
	Key() string
	From() identity.ID
	validate() error
}

// PairAddress addresses a 1-1 conversation.
type PairAddress struct {
	Sender   identity.ID
	Receiver identity.ID
}

func (a PairAddress) Key() string       { return identity.PairKey(a.Sender, a.Receiver) }
func (a PairAddress) From() identity.ID { return a.Sender }

func (a PairAddress) validate() error {
	if a.Sender == "" || a.Receiver == "" {
		return chaterr.Validation("pair message requires sender and receiver")
	}
	if err := identity.Check(a.Sender); err != nil {
		return err
	}
	return identity.Check(a.Receiver)
}

// RoomAddress addresses a multi-party room.
type RoomAddress struct {
	Sender identity.ID
	Room   string
}

func (a RoomAddress) Key() string       { return identity.RoomKey(a.Room) }
func (a RoomAddress) From() identity.ID { return a.Sender }

func (a RoomAddress) validate() error {
	if a.Sender == "" || a.Room == "" {
		return chaterr.Validation("room message requires sender and roomId")
	}
	if err := identity.Check(a.Sender); err != nil {
		return err
	}
	if r, err := identity.NormalizeRoom(a.Room); err != nil || r != a.Room {
		return chaterr.Validation("invalid room id %q", a.Room)
	}
	return nil
}

// Draft is a message that has not been persisted yet.
type Draft struct {
	Address Address
	Body    string
}

// Validate checks the addressing fields and the body.
func (d Draft) Validate() error {
	if d.Address == nil {
		return chaterr.Validation("message has no receiver or roomId")
	}
	if err := d.Address.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(d.Body) == "" {
		return chaterr.Validation("body is empty")
	}
	return nil
}

// Message is a persisted message. Only Deleted ever changes, from false to true.
type Message struct {
	ID        int64       `json:"id,string"`
	Sender    identity.ID `json:"sender"`
	Receiver  identity.ID `json:"receiver,omitempty"`
	RoomID    string      `json:"roomId,omitempty"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"createdAt"`
	Deleted   bool        `json:"deleted"`
}

// NewMessage builds the stored form of d.
func NewMessage(id int64, createdAt time.Time, d Draft) Message {
	m := Message{
		ID:        id,
		Body:      d.Body,
		CreatedAt: createdAt,
	}
	switch a := d.Address.(type) {
	case PairAddress:
		m.Sender, m.Receiver = a.Sender, a.Receiver
	case RoomAddress:
		m.Sender, m.RoomID = a.Sender, a.Room
	}
	return m
}

func (m Message) IsRoom() bool { return m.RoomID != "" }

func (m Message) Address() Address {
	if m.IsRoom() {
		return RoomAddress{Sender: m.Sender, Room: m.RoomID}
	}
	return PairAddress{Sender: m.Sender, Receiver: m.Receiver}
}

func (m Message) ConversationKey() string { return m.Address().Key() }

// Redacted hides the body of a deleted message.
func (m Message) Redacted() Message {
	if m.Deleted {
		m.Body = ""
	}
	return m
}

// Before orders messages by creation time, then by id.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}
