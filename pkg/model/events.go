package model

import (
	"encoding/json"

	"github.com/mahaj/pulsechat/pkg/chaterr"
	"github.com/mahaj/pulsechat/pkg/identity"
)

// Client to server events.
const (
	EventJoin          = "join"
	EventSendMessage   = "send_message"
	EventTyping        = "typing"
	EventStopTyping    = "stop_typing"
	EventDeleteMessage = "delete_message"
	EventJoinRoom      = "join_room"
	EventLeaveRoom     = "leave_room"
)

// Server to client events. typing and stop_typing are relayed under the same name.
const (
	EventJoined         = "joined"
	EventReceiveMessage = "receive_message"
	EventMessageDeleted = "message_deleted"
	EventError          = "error"
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendMessageRequest is the send_message payload. Exactly one of Receiver
// and RoomID must be set.
type SendMessageRequest struct {
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	Body      string `json:"body"`
	ClientRef string `json:"clientRef,omitempty"`
}

// Draft resolves the addressing variant and normalizes every identity.
func (r SendMessageRequest) Draft() (Draft, error) {
	sender, err := identity.Normalize(r.Sender)
	if err != nil {
		return Draft{}, err
	}

	hasReceiver := r.Receiver != ""
	hasRoom := r.RoomID != ""
	switch {
	case hasReceiver && hasRoom:
		return Draft{}, chaterr.Validation("receiver and roomId are mutually exclusive")
	case hasReceiver:
		receiver, err := identity.Normalize(r.Receiver)
		if err != nil {
			return Draft{}, err
		}
		return Draft{Address: PairAddress{Sender: sender, Receiver: receiver}, Body: r.Body}, nil
	case hasRoom:
		room, err := identity.NormalizeRoom(r.RoomID)
		if err != nil {
			return Draft{}, err
		}
		return Draft{Address: RoomAddress{Sender: sender, Room: room}, Body: r.Body}, nil
	}
	return Draft{}, chaterr.Validation("receiver or roomId is required")
}

// TypingPayload is used by typing and stop_typing in both directions.
type TypingPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type JoinedPayload struct {
	Identity identity.ID `json:"identity"`
}

// ErrorPayload reports a failed request back to the originating connection.
type ErrorPayload struct {
	Code      chaterr.Kind `json:"code"`
	Message   string       `json:"message"`
	Event     string       `json:"event,omitempty"`
	ClientRef string       `json:"clientRef,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
}

// Event is an outbound frame. Frames are encoded once and shared by every
// receiving connection.
type Event struct {
	Name string
	Data interface{}
}

func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: e.Name, Data: data})
}

// ErrorEvent builds the error frame for err raised while handling event.
func ErrorEvent(event, clientRef string, err error) Event {
	return Event{
		Name: EventError,
		Data: ErrorPayload{
			Code:      chaterr.KindOf(err),
			Message:   err.Error(),
			Event:     event,
			ClientRef: clientRef,
			Retryable: chaterr.Retryable(err),
		},
	}
}
