// ABOUTME: JSON wire envelope shared by the websocket transport and fan-out path
// ABOUTME: One frame type per protocol operation, encoded with a type tag

package wire

import (
	"time"

	"github.com/jobgrid/messaging/internal/store"
)

// Type tags an envelope with its protocol operation.
type Type string

const (
	// Client → server
	TypeSend   Type = "send"
	TypeAck    Type = "ack"
	TypeTyping Type = "typing"
	TypePing   Type = "ping"

	// Server → client
	TypeSent      Type = "sent"
	TypeDeliver   Type = "deliver"
	TypePresence  Type = "presence"
	TypeConnected Type = "connected"
	TypeBacklog   Type = "backlog"
	TypePong      Type = "pong"
	TypeError     Type = "error"
)

// Envelope is the wire frame exchanged over a connection. Fields are
// populated per Type; unused fields are omitted from the encoding.
type Envelope struct {
	Type           Type      `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Seq            uint64    `json:"seq,omitempty"`
	Sender         string    `json:"sender,omitempty"`
	Body           string    `json:"body,omitempty"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	Participants   []string  `json:"participants,omitempty"`
	User           string    `json:"user,omitempty"`
	Online         *bool     `json:"online,omitempty"`
	Typing         *bool     `json:"typing,omitempty"`
	Count          int       `json:"count,omitempty"`
	Code           string    `json:"code,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitzero"`
}

// Deliver builds the frame pushing a persisted message to a recipient.
func Deliver(msg *store.Message) *Envelope {
	return &Envelope{
		Type:           TypeDeliver,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		Sender:         msg.Sender,
		Body:           msg.Body,
		Timestamp:      msg.CreatedAt,
	}
}

// Sent confirms durability of a submitted message back to its sender.
// ClientMsgID lets the sender correlate the confirmation with its submission.
func Sent(msg *store.Message, clientMsgID string) *Envelope {
	return &Envelope{
		Type:           TypeSent,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		ClientMsgID:    clientMsgID,
		Timestamp:      msg.CreatedAt,
	}
}

// AckUpdate tells a user's devices that their read cursor for the
// conversation advanced, so a second device does not have to wait for its
// next replay to learn the messages were read elsewhere.
func AckUpdate(conversationID, user string, seq uint64) *Envelope {
	return &Envelope{
		Type:           TypeAck,
		ConversationID: conversationID,
		User:           user,
		Seq:            seq,
		Timestamp:      time.Now(),
	}
}

// Presence builds a presence-change frame for the given user.
func Presence(user string, online bool, lastSeen time.Time) *Envelope {
	return &Envelope{
		Type:      TypePresence,
		User:      user,
		Online:    &online,
		Timestamp: lastSeen,
	}
}

// Typing builds a typing-indicator frame. Not persisted.
func Typing(conversationID, user string, typing bool) *Envelope {
	return &Envelope{
		Type:           TypeTyping,
		ConversationID: conversationID,
		User:           user,
		Typing:         &typing,
		Timestamp:      time.Now(),
	}
}

// Connected builds the handshake confirmation frame sent after registration.
func Connected(user string) *Envelope {
	return &Envelope{
		Type:      TypeConnected,
		User:      user,
		Timestamp: time.Now(),
	}
}

// Backlog announces how many missed messages are about to be replayed.
func Backlog(count int) *Envelope {
	return &Envelope{
		Type:      TypeBacklog,
		Count:     count,
		Timestamp: time.Now(),
	}
}

// Pong answers a client ping.
func Pong() *Envelope {
	return &Envelope{Type: TypePong, Timestamp: time.Now()}
}

// Error builds an error frame surfaced to the client.
func Error(code, reason string) *Envelope {
	return &Envelope{
		Type:      TypeError,
		Code:      code,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}
