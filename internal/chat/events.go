package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type EventName string

const (
	EventJoin               EventName = "join"
	EventLeave              EventName = "leave"
	EventMessageNew         EventName = "message:new"
	EventMessageEdited      EventName = "message:edited"
	EventConversationUpdate EventName = "conversationUpdate"
	EventConversationNew    EventName = "conversation:new"
	EventTyping             EventName = "typing"
	EventStopTyping         EventName = "stopTyping"
	EventMessagesSeen       EventName = "messagesSeen"

	// EventConnected never travels on the wire. The channel raises it
	// locally after every successful (re)connect.
	EventConnected EventName = "connect"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Envelope is the wire frame for every socket event.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is the closed set of typed events below. Consumers type-switch on it
// and never see raw payloads.
type Event interface {
	Name() EventName
}

type Join struct{ UserID UserID }
type Leave struct{ UserID UserID }

type MessageNew struct{ Message Message }
type MessageEdited struct{ Message Message }

// ConversationUpdate and ConversationNew only mean "the inbox may be stale".
type ConversationUpdate struct {
	ConversationID string `json:"conversationId,omitempty"`
}
type ConversationNew struct {
	ConversationID string `json:"conversationId,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         UserID `json:"userId"`
}

type Typing struct{ TypingPayload }
type StopTyping struct{ TypingPayload }

type MessagesSeen struct {
	ConversationID string    `json:"conversationId"`
	SeenAt         time.Time `json:"seenAt"`
}

type Connected struct{}

func (Join) Name() EventName               { return EventJoin }
func (Leave) Name() EventName              { return EventLeave }
func (MessageNew) Name() EventName         { return EventMessageNew }
func (MessageEdited) Name() EventName      { return EventMessageEdited }
func (ConversationUpdate) Name() EventName { return EventConversationUpdate }
func (ConversationNew) Name() EventName    { return EventConversationNew }
func (Typing) Name() EventName             { return EventTyping }
func (StopTyping) Name() EventName         { return EventStopTyping }
func (MessagesSeen) Name() EventName       { return EventMessagesSeen }
func (Connected) Name() EventName          { return EventConnected }

// DecodeFrame parses and validates one socket frame.
func DecodeFrame(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return Decode(env)
}

// Decode turns an envelope into its typed event.
func Decode(env Envelope) (Event, error) {
	switch env.Event {
	case EventJoin, EventLeave:
		var u UserID
		if err := unmarshalData(env, &u); err != nil {
			return nil, err
		}
		if u == "" {
			return nil, invalid(env.Event, "missing user id")
		}
		if env.Event == EventJoin {
			return Join{UserID: u}, nil
		}
		return Leave{UserID: u}, nil

	case EventMessageNew, EventMessageEdited:
		var m Message
		if err := unmarshalData(env, &m); err != nil {
			return nil, err
		}
		if err := validateMessage(m); err != nil {
			return nil, invalid(env.Event, err.Error())
		}
		if env.Event == EventMessageNew {
			return MessageNew{Message: m}, nil
		}
		return MessageEdited{Message: m}, nil

	case EventConversationUpdate, EventConversationNew:
		// payload is optional and not relied upon
		var p struct {
			ConversationID string `json:"conversationId"`
		}
		_ = json.Unmarshal(env.Data, &p)
		if env.Event == EventConversationNew {
			return ConversationNew{ConversationID: p.ConversationID}, nil
		}
		return ConversationUpdate{ConversationID: p.ConversationID}, nil

	case EventTyping, EventStopTyping:
		var p TypingPayload
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if p.ConversationID == "" || p.UserID == "" {
			return nil, invalid(env.Event, "missing conversationId or userId")
		}
		if env.Event == EventTyping {
			return Typing{TypingPayload: p}, nil
		}
		return StopTyping{TypingPayload: p}, nil

	case EventMessagesSeen:
		var p MessagesSeen
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if p.ConversationID == "" {
			return nil, invalid(env.Event, "missing conversationId")
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

// Encode renders an event as a wire frame.
func Encode(ev Event) ([]byte, error) {
	var data any
	switch e := ev.(type) {
	case Join:
		data = e.UserID
	case Leave:
		data = e.UserID
	case MessageNew:
		data = e.Message
	case MessageEdited:
		data = e.Message
	case ConversationUpdate, ConversationNew, MessagesSeen:
		data = e
	case Typing:
		data = e.TypingPayload
	case StopTyping:
		data = e.TypingPayload
	case Connected:
		return nil, fmt.Errorf("%w: %q is local only", ErrUnknownEvent, EventConnected)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: ev.Name(), Data: raw})
}

// ConversationOf returns the conversation an event is scoped to, if any.
func ConversationOf(ev Event) string {
	switch e := ev.(type) {
	case MessageNew:
		return e.Message.ConversationID
	case MessageEdited:
		return e.Message.ConversationID
	case ConversationUpdate:
		return e.ConversationID
	case ConversationNew:
		return e.ConversationID
	case Typing:
		return e.ConversationID
	case StopTyping:
		return e.ConversationID
	case MessagesSeen:
		return e.ConversationID
	}
	return ""
}

func unmarshalData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return invalid(env.Event, "missing data")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return invalid(env.Event, err.Error())
	}
	return nil
}

func validateMessage(m Message) error {
	switch {
	case m.ID == "":
		return errors.New("missing message id")
	case m.ConversationID == "":
		return errors.New("missing conversationId")
	case m.Sender == "":
		return errors.New("missing sender")
	}
	return nil
}

func invalid(name EventName, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidPayload, name, reason)
}
