package frame

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_WellFormedFrame(t *testing.T) {
	raw := []byte(`{"type":"join-room","room":"lobby"}`)
	res := Parse(raw, 65536, false)
	require.Equal(t, KindFrame, res.Kind)
	assert.Equal(t, "join-room", res.Frame.Type)
	assert.False(t, res.Frame.HasTo)
}

func TestParse_WithTo(t *testing.T) {
	raw := []byte(`{"type":"offer","to":"client-2","offer":{"sdp":"X"}}`)
	res := Parse(raw, 65536, false)
	require.Equal(t, KindFrame, res.Kind)
	assert.True(t, res.Frame.HasTo)
	assert.Equal(t, "client-2", res.Frame.To)
}

func TestParse_OversizeRejectedBeforeParsing(t *testing.T) {
	raw := []byte(`{"type":"join-room","room":"lobby"}`)
	res := Parse(raw, 4, false)
	assert.Equal(t, KindProtocolError, res.Kind)
}

func TestParse_NonObjectRoot(t *testing.T) {
	for _, raw := range [][]byte{[]byte(`"hello"`), []byte(`42`), []byte(`[1,2,3]`), []byte(`null`)} {
		res := Parse(raw, 65536, true)
		assert.Equal(t, KindProtocolError, res.Kind, "raw=%s", raw)
	}
}

func TestParse_MissingType(t *testing.T) {
	res := Parse([]byte(`{"room":"lobby"}`), 65536, false)
	assert.Equal(t, KindProtocolError, res.Kind)
}

func TestParse_EmptyType(t *testing.T) {
	res := Parse([]byte(`{"type":""}`), 65536, false)
	assert.Equal(t, KindProtocolError, res.Kind)
}

func TestParse_ReservedKeys(t *testing.T) {
	for _, key := range []string{"__proto__", "constructor", "prototype"} {
		raw := []byte(`{"type":"join-room","` + key + `":{"polluted":true}}`)
		res := Parse(raw, 65536, false)
		assert.Equal(t, KindProtocolError, res.Kind, "key=%s", key)
	}
}

func TestParse_InvalidJSON_FallsThroughWhenInRoom(t *testing.T) {
	raw := []byte(`not json at all`)
	res := Parse(raw, 65536, true)
	require.Equal(t, KindNonJSONPassthrough, res.Kind)
	assert.Equal(t, raw, res.Raw)
}

func TestParse_InvalidJSON_ProtocolErrorWhenNoRoom(t *testing.T) {
	res := Parse([]byte(`not json at all`), 65536, false)
	assert.Equal(t, KindProtocolError, res.Kind)
}

func TestFrame_WithFrom_PreservesOtherFields(t *testing.T) {
	raw := []byte(`{"type":"offer","to":"B","offer":{"sdp":"X"}}`)
	res := Parse(raw, 65536, false)
	require.Equal(t, KindFrame, res.Kind)

	withFrom, err := res.Frame.WithFrom("A")
	require.NoError(t, err)

	out, err := Serialize(withFrom)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "offer", decoded["type"])
	assert.Equal(t, "B", decoded["to"])
	assert.Equal(t, "A", decoded["from"])
	assert.Equal(t, map[string]any{"sdp": "X"}, decoded["offer"])
}

func TestNew_BuildsServerFrame(t *testing.T) {
	out, err := New("room-joined", map[string]any{"room": "lobby"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "room-joined", decoded["type"])
	assert.Equal(t, "lobby", decoded["room"])
}

func TestSerializeParseRoundTrip(t *testing.T) {
	raw := []byte(`{"type":"ice-candidate","to":"B","candidate":{"sdpMid":"0"}}`)
	res := Parse(raw, 65536, false)
	require.Equal(t, KindFrame, res.Kind)

	out, err := Serialize(res.Frame.Fields)
	require.NoError(t, err)

	var original, roundTripped map[string]any
	require.NoError(t, json.Unmarshal(raw, &original))
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.Equal(t, original, roundTripped)
}
