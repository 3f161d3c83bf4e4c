package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMatchDispatchesKnownTags(t *testing.T) {
	msg, err := DecodeMatch([]byte(`{"type":"paddle_move","seq":7,"x":0.5,"y":-0.25,"sentAt":1700000000000}`))
	require.NoError(t, err)
	move, ok := msg.(PaddleMove)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, PaddleMove{Seq: 7, X: 0.5, Y: -0.25, SentAt: 1700000000000}, move)

	msg, err = DecodeMatch([]byte(`{"type":"sync_time","clientTime":42}`))
	require.NoError(t, err)
	assert.Equal(t, SyncTime{ClientTime: 42}, msg)

	msg, err = DecodeMatch([]byte(`{"type":"full_state_request"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeFullStateRequest, msg.MessageType())
}

func TestDecodeIgnoresUnknownTags(t *testing.T) {
	msg, err := DecodeMatch([]byte(`{"type":"teleport","x":1}`))
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = DecodeRoom([]byte(`{"type":"paddle_move"}`))
	require.NoError(t, err)
	assert.Nil(t, msg, "match tags are not valid on the room channel")
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	for _, raw := range []string{`not json`, `{"type":"paddle_move","x":"left"}`, `[]`} {
		_, err := DecodeMatch([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}

	_, err := DecodeRoom([]byte(`{"type":"chat_message","message":""}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeGameEnd(t *testing.T) {
	data, err := Encode(GameEnd{Type: TypeGameEnd, Winner: "player1", MatchType: 0, Score: Score{"player1": 5, "player2": 3}, Reason: "score"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"game_end","winner":"player1","matchType":0,"score":{"player1":5,"player2":3},"reason":"score"}`, string(data))
}
