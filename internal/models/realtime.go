package models

// EventType names a server → client event.
type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventMessageEdited  EventType = "message.edited"
	EventMessageDeleted EventType = "message.deleted"
	EventUserJoined     EventType = "user.joined"
	EventUserLeft       EventType = "user.left"
	EventTypingStart    EventType = "typing.start"
	EventTypingStop     EventType = "typing.stop"
	EventCatchup        EventType = "catchup"
	EventAck            EventType = "ack"
	EventError          EventType = "error"
)

// Event is one entry of a connection's ordered event stream.
type Event struct {
	Type   EventType `json:"type" cbor:"type"`
	RoomID string    `json:"room_id,omitempty" cbor:"room_id,omitempty"`
	UserID string    `json:"user_id,omitempty" cbor:"user_id,omitempty"`

	Message *Message      `json:"message,omitempty" cbor:"message,omitempty"`
	Catchup *CatchupBatch `json:"catchup,omitempty" cbor:"-"`

	// Ref echoes the client frame this event answers (ack / error).
	Ref       string `json:"ref,omitempty" cbor:"-"`
	Duplicate bool   `json:"duplicate,omitempty" cbor:"-"`
	Code      string `json:"code,omitempty" cbor:"-"`
	Error     string `json:"error,omitempty" cbor:"-"`
}

// Seq returns the sequence id carried by message events, 0 otherwise.
func (e Event) Seq() uint64 {
	if e.Message == nil {
		return 0
	}
	return e.Message.ID
}

// FrameType names a client → server frame.
type FrameType string

const (
	FrameSubmit      FrameType = "submit"
	FrameEdit        FrameType = "edit"
	FrameDelete      FrameType = "delete"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameTypingStart FrameType = "typing.start"
	FrameTypingStop  FrameType = "typing.stop"
	FrameHeartbeat   FrameType = "heartbeat"
)

// ClientFrame is a decoded inbound websocket frame.
type ClientFrame struct {
	Type        FrameType `json:"type"`
	Ref         string    `json:"ref,omitempty"`
	RoomID      string    `json:"room_id,omitempty"`
	MessageID   uint64    `json:"message_id,omitempty"`
	Body        string    `json:"body,omitempty"`
	ClientToken string    `json:"client_token,omitempty"`
	// Cursor is the highest sequence id already seen in RoomID. Nil means a
	// live-only subscription.
	Cursor *uint64 `json:"cursor,omitempty"`
}
