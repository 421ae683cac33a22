package envelope

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	clientID, tenantID, room, channel string
}

func (f fakeSession) ClientID() string      { return f.clientID }
func (f fakeSession) TenantID() string      { return f.tenantID }
func (f fakeSession) DefaultRoom() string   { return f.room }
func (f fakeSession) DefaultChannel() string { return f.channel }

func TestDecodeRejectsOversize(t *testing.T) {
	_, err := Decode([]byte(`{"type":"event"}`), 4)
	require.Error(t, err)
	var oversize *OversizeError
	assert.ErrorAs(t, err, &oversize)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`), 0)
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestValidateRejectsUnknownType(t *testing.T) {
	e := &Envelope{Type: "bogus", Room: "science", Channel: "general"}
	err := Validate(e)
	require.Error(t, err)
}

func TestValidateRequiresRoomAndChannel(t *testing.T) {
	e := &Envelope{Type: TypeEvent}
	err := Validate(e)
	assert.Error(t, err)
}

func TestValidateAllowsCommandWithoutRoom(t *testing.T) {
	e := &Envelope{Type: TypeCommand}
	assert.NoError(t, Validate(e))
}

func TestValidateRequiresTargetsForPrivate(t *testing.T) {
	e := &Envelope{Type: TypePrivate, Room: "science", Channel: "general"}
	assert.Error(t, Validate(e))

	e.Targets = []string{"bob"}
	assert.NoError(t, Validate(e))
}

func TestStampOverwritesClientFields(t *testing.T) {
	sess := fakeSession{clientID: "alice", tenantID: "t1", room: "science", channel: "general"}
	seq := NewSequenceGenerator()
	dedup := NewDedupWindow(10)

	e := &Envelope{Type: TypeEvent, From: "someone-else", TenantID: "t2", Sequence: 999}
	replay := Stamp(e, sess, seq, dedup)

	assert.False(t, replay)
	assert.Equal(t, "alice", e.From)
	assert.Equal(t, "t1", e.TenantID)
	assert.Equal(t, "science", e.Room)
	assert.Equal(t, "general", e.Channel)
	assert.Equal(t, int64(1), e.Sequence)
}

func TestSequenceGeneratorIsMonotonicPerStream(t *testing.T) {
	seq := NewSequenceGenerator()
	assert.Equal(t, int64(1), seq.Next("t1", "r", "c"))
	assert.Equal(t, int64(2), seq.Next("t1", "r", "c"))
	assert.Equal(t, int64(1), seq.Next("t1", "r", "other"))
	assert.Equal(t, int64(1), seq.Next("t2", "r", "c"))
}

func TestDedupWindowHonorsClientSuppliedID(t *testing.T) {
	sess := fakeSession{clientID: "alice", tenantID: "t1", room: "science", channel: "general"}
	seq := NewSequenceGenerator()
	dedup := NewDedupWindow(10)

	e1 := &Envelope{Type: TypeEvent, ID: "arq_retryable12345"}
	Stamp(e1, sess, seq, dedup)

	e2 := &Envelope{Type: TypeEvent, ID: "arq_retryable12345"}
	replay := Stamp(e2, sess, seq, dedup)
	assert.True(t, replay)
}

func TestRoundTripJSONEncoding(t *testing.T) {
	e := &Envelope{
		ID: "arq_abc12345", Type: TypeEvent, Room: "science", Channel: "general",
		From: "alice", TenantID: "t1", Version: ProtocolVersion,
		Payload: map[string]interface{}{"msg": "hi"},
	}
	data, err := Encode(e)
	require.NoError(t, err)
	decoded, err := Decode(data, 0)
	require.NoError(t, err)
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, e.Payload["msg"], decoded.Payload["msg"])
}

func TestBinaryFrameRoundTrip(t *testing.T) {
	e := &Envelope{
		ID: "arq_abc12345", Type: TypeEvent, Room: "science", Channel: "general",
		From: "alice", TenantID: "t1", Version: ProtocolVersion, Sequence: 42,
		Payload: map[string]interface{}{"msg": "hi"},
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteFrame(w, e))

	r := bufio.NewReader(&buf)
	decoded, err := ReadFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, e.Room, decoded.Room)
	assert.Equal(t, e.Sequence, decoded.Sequence)
	assert.Equal(t, "hi", decoded.Payload["msg"])
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0x00, 0x10, 0x00, 0x00} // ~1MiB declared length
	buf.Write(header)
	r := bufio.NewReader(&buf)
	_, err := ReadFrame(r, 16)
	require.Error(t, err)
	var oversize *OversizeError
	assert.ErrorAs(t, err, &oversize)
}
