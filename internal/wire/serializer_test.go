package wire

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/a2ahub/internal/types"
)

func newTestSerializer() *Serializer {
	return New(zerolog.Nop())
}

func sampleMessage() *types.Message {
	return &types.Message{
		ID:          "m1",
		Timestamp:   time.Now().UTC().Truncate(time.Millisecond),
		SourceAgent: "svc",
		TargetAgent: "chatbot-001",
		Topic:       "chat-support",
		MessageType: "chat.context_update",
		Priority:    types.PriorityNormal,
		Payload:     map[string]any{"x": float64(1), "s": "hello"},
		Metadata: types.Metadata{
			CorrelationID: "c1",
			TTL:           60000,
			RetryCount:    1,
			ReplyTo:       "svc",
		},
	}
}

func TestRoundTrip(t *testing.T) {
	s := newTestSerializer()
	m := sampleMessage()

	out, err := s.Serialize(m, SerializeOptions{})
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(out, CompressedPrefix))

	got, err := s.Deserialize(out, DeserializeOptions{})
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Topic, got.Topic)
	assert.Equal(t, m.Metadata, got.Metadata)
	assert.Equal(t, m.Payload, got.Payload)
	assert.True(t, m.Timestamp.Equal(got.Timestamp))
}

func TestCompressedRoundTrip(t *testing.T) {
	s := newTestSerializer()
	m := sampleMessage()

	out, err := s.Serialize(m, SerializeOptions{Compress: true})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, CompressedPrefix))

	// Dictionary keys replace the long names on the wire.
	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(out, CompressedPrefix)), &obj))
	assert.Contains(t, obj, "s")
	assert.Contains(t, obj, "mt")
	assert.Contains(t, obj, "m")
	assert.NotContains(t, obj, "sourceAgent")
	assert.NotContains(t, obj, "metadata")

	var md map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(obj["m"], &md))
	assert.Contains(t, md, "c")
	assert.NotContains(t, md, "correlationId")

	got, err := s.Deserialize(out, DeserializeOptions{})
	require.NoError(t, err)
	assert.Equal(t, m.Metadata.CorrelationID, got.Metadata.CorrelationID)
	assert.Equal(t, m.SourceAgent, got.SourceAgent)
	assert.Equal(t, m.Payload, got.Payload)
}

func TestSerializeBinary(t *testing.T) {
	s := newTestSerializer()
	data, err := s.SerializeBinary(sampleMessage())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), CompressedPrefix))
}

func TestSchemaMajorMismatchFails(t *testing.T) {
	s := newTestSerializer()
	m := sampleMessage()

	out, err := s.Serialize(m, SerializeOptions{IncludeSchema: true})
	require.NoError(t, err)

	bad := strings.Replace(out, `"schemaVersion":"1.0"`, `"schemaVersion":"2.0"`, 1)
	require.NotEqual(t, out, bad)

	_, err = s.Deserialize(bad, DeserializeOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestSchemaHigherMinorProceeds(t *testing.T) {
	s := newTestSerializer()
	m := sampleMessage()

	out, err := s.Serialize(m, SerializeOptions{IncludeSchema: true})
	require.NoError(t, err)

	newer := strings.Replace(out, `"schemaVersion":"1.0"`, `"schemaVersion":"1.9"`, 1)
	got, err := s.Deserialize(newer, DeserializeOptions{})
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
}

func TestDeserializeMalformed(t *testing.T) {
	s := newTestSerializer()

	_, err := s.Deserialize("not json", DeserializeOptions{})
	assert.ErrorIs(t, err, ErrSerialization)

	_, err = s.Deserialize(CompressedPrefix+"still not json", DeserializeOptions{})
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestValidateOnDeserialize(t *testing.T) {
	s := newTestSerializer()
	m := sampleMessage()
	m.Topic = "Not--Valid"

	out, err := s.Serialize(m, SerializeOptions{})
	require.NoError(t, err)

	_, err = s.Deserialize(out, DeserializeOptions{ValidateOnDeserialize: true})
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestBatchRoundTrip(t *testing.T) {
	s := newTestSerializer()
	msgs := []*types.Message{sampleMessage(), sampleMessage()}
	msgs[1].ID = "m2"

	out, err := s.SerializeBatch(msgs, time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)

	got, err := s.DeserializeBatch(out)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
}

func TestBatchCountMismatch(t *testing.T) {
	s := newTestSerializer()
	out, err := s.SerializeBatch([]*types.Message{sampleMessage()}, time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)

	bad := strings.Replace(out, `"count":1`, `"count":3`, 1)
	_, err = s.DeserializeBatch(bad)
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestContentHashStability(t *testing.T) {
	a := sampleMessage()
	b := sampleMessage()
	b.ID = "different-id"
	b.Timestamp = b.Timestamp.Add(5 * time.Minute)

	// id and timestamp do not contribute.
	assert.Equal(t, ContentHash(a), ContentHash(b))

	c := sampleMessage()
	c.Payload = map[string]any{"x": float64(2)}
	assert.NotEqual(t, ContentHash(a), ContentHash(c))

	d := sampleMessage()
	d.Metadata.CorrelationID = "c2"
	assert.NotEqual(t, ContentHash(a), ContentHash(d))
}
