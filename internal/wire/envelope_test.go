// ABOUTME: Tests for wire envelope construction and encoding
// ABOUTME: Verifies frames carry only the fields their type needs

package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobgrid/messaging/internal/store"
)

func TestDeliverFrame(t *testing.T) {
	now := time.Now()
	env := Deliver(&store.Message{
		ID:             "m1",
		ConversationID: "c1",
		Seq:            7,
		Sender:         "alice",
		Body:           "hi",
		CreatedAt:      now,
	})

	assert.Equal(t, TypeDeliver, env.Type)
	assert.Equal(t, "c1", env.ConversationID)
	assert.Equal(t, uint64(7), env.Seq)
	assert.Equal(t, "alice", env.Sender)
	assert.Equal(t, now, env.Timestamp)
}

func TestSentFrameCorrelatesClientMsgID(t *testing.T) {
	env := Sent(&store.Message{
		ID:             "m1",
		ConversationID: "c1",
		Seq:            3,
		Sender:         "alice",
		Body:           "hi",
		CreatedAt:      time.Now(),
	}, "k-1")

	assert.Equal(t, TypeSent, env.Type)
	assert.Equal(t, "c1", env.ConversationID)
	assert.Equal(t, uint64(3), env.Seq)
	assert.Equal(t, "k-1", env.ClientMsgID)
	// the confirmation does not echo the body back
	assert.Empty(t, env.Body)
}

func TestErrorFrameOmitsUnusedFields(t *testing.T) {
	data, err := json.Marshal(Error("unauthorized", "not a participant"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "error", decoded["type"])
	assert.Equal(t, "unauthorized", decoded["code"])
	assert.NotContains(t, decoded, "conversation_id")
	assert.NotContains(t, decoded, "seq")
	assert.NotContains(t, decoded, "body")
}

func TestPresenceFrameCarriesExplicitOffline(t *testing.T) {
	data, err := json.Marshal(Presence("bob", false, time.Now()))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	// online=false must survive encoding, not vanish via omitempty
	assert.Equal(t, false, decoded["online"])
	assert.Equal(t, "bob", decoded["user"])
}

func TestClientSendFrameDecodes(t *testing.T) {
	raw := `{"type":"send","conversation_id":"c1","body":"hello","client_msg_id":"k-1"}`

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))

	assert.Equal(t, TypeSend, env.Type)
	assert.Equal(t, "c1", env.ConversationID)
	assert.Equal(t, "hello", env.Body)
	assert.Equal(t, "k-1", env.ClientMsgID)
}
