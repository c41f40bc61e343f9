// Package wire defines the canonical JSON form of messages on both
// transports, the reversible field-name compression used for stream frames,
// batch aggregates, and the content hash used for deduplication.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentgrid/a2ahub/internal/types"
	"github.com/agentgrid/a2ahub/internal/validate"
)

// SchemaVersion is the current wire schema, major.minor. A differing major
// fails deserialization; a higher minor is accepted with a warning.
const SchemaVersion = "1.0"

// CompressedPrefix marks a frame whose field names were shortened with the
// compression dictionary. The decompressor keys off this marker.
const CompressedPrefix = "COMPRESSED:"

// ErrSerialization is the sentinel for malformed input or incompatible
// schema. Callers check it with errors.Is.
var ErrSerialization = errors.New("serialization error")

// Field-name dictionary applied by compression. correlationId lives inside
// metadata and is renamed within it.
var compressDict = map[string]string{
	"timestamp":   "t",
	"sourceAgent": "s",
	"targetAgent": "ta",
	"messageType": "mt",
	"metadata":    "m",
	"payload":     "p",
}

var decompressDict = invert(compressDict)

const (
	correlationIDKey   = "correlationId"
	correlationIDShort = "c"
)

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// SerializeOptions control Serialize.
type SerializeOptions struct {
	Compress      bool
	IncludeSchema bool
}

// DeserializeOptions control Deserialize.
type DeserializeOptions struct {
	ValidateOnDeserialize bool
}

// Serializer converts messages to and from their wire form.
type Serializer struct {
	logger zerolog.Logger
}

// New returns a Serializer logging schema warnings to logger.
func New(logger zerolog.Logger) *Serializer {
	return &Serializer{logger: logger}
}

// Serialize renders m in canonical wire form. With Compress set, field names
// are shortened per the dictionary and the result carries CompressedPrefix.
func (s *Serializer) Serialize(m *types.Message, opts SerializeOptions) (string, error) {
	obj, err := toWireMap(m)
	if err != nil {
		return "", err
	}
	if opts.IncludeSchema {
		obj["schemaVersion"] = json.RawMessage(`"` + SchemaVersion + `"`)
	}
	if opts.Compress {
		obj = compressKeys(obj)
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if opts.Compress {
		return CompressedPrefix + string(data), nil
	}
	return string(data), nil
}

// SerializeBinary returns the compressed wire form as UTF-8 bytes.
func (s *Serializer) SerializeBinary(m *types.Message) ([]byte, error) {
	str, err := s.Serialize(m, SerializeOptions{Compress: true})
	if err != nil {
		return nil, err
	}
	return []byte(str), nil
}

// Deserialize parses a wire-form string back into a message. Compressed
// input is detected by its prefix. Structural problems and an incompatible
// schema major yield errors wrapping ErrSerialization.
func (s *Serializer) Deserialize(data string, opts DeserializeOptions) (*types.Message, error) {
	if strings.HasPrefix(data, CompressedPrefix) {
		data = strings.TrimPrefix(data, CompressedPrefix)
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(data), &obj); err != nil {
			return nil, fmt.Errorf("%w: invalid compressed frame: %v", ErrSerialization, err)
		}
		expanded, err := json.Marshal(decompressKeys(obj))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		data = string(expanded)
	}

	var peek struct {
		SchemaVersion string `json:"schemaVersion"`
	}
	if err := json.Unmarshal([]byte(data), &peek); err != nil {
		return nil, fmt.Errorf("%w: invalid message frame: %v", ErrSerialization, err)
	}
	if peek.SchemaVersion != "" {
		if err := s.checkSchema(peek.SchemaVersion); err != nil {
			return nil, err
		}
	}

	var m types.Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("%w: invalid message frame: %v", ErrSerialization, err)
	}

	if opts.ValidateOnDeserialize {
		if res := validate.Message(&m); !res.Valid {
			return nil, fmt.Errorf("%w: %s", ErrSerialization, strings.Join(res.Errors, "; "))
		}
	}
	return &m, nil
}

// Batch is the aggregate wire form for multiple messages.
type Batch struct {
	Version   string           `json:"version"`
	Timestamp string           `json:"timestamp"`
	Count     int              `json:"count"`
	Messages  []*types.Message `json:"messages"`
}

// SerializeBatch renders msgs as a batch aggregate.
func (s *Serializer) SerializeBatch(msgs []*types.Message, now string) (string, error) {
	b := Batch{
		Version:   SchemaVersion,
		Timestamp: now,
		Count:     len(msgs),
		Messages:  msgs,
	}
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return string(data), nil
}

// DeserializeBatch parses a batch aggregate, checking its declared count
// and schema major.
func (s *Serializer) DeserializeBatch(data string) ([]*types.Message, error) {
	var b Batch
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, fmt.Errorf("%w: invalid batch: %v", ErrSerialization, err)
	}
	if b.Version != "" {
		if err := s.checkSchema(b.Version); err != nil {
			return nil, err
		}
	}
	if b.Count != len(b.Messages) {
		return nil, fmt.Errorf("%w: batch count %d does not match %d messages", ErrSerialization, b.Count, len(b.Messages))
	}
	return b.Messages, nil
}

// ContentHash computes a 32-bit folded hash over the canonical JSON of the
// identity-independent fields. Two messages differing only in id and
// timestamp hash identically, which is what deduplication needs.
func ContentHash(m *types.Message) string {
	subset := map[string]any{
		"sourceAgent":   m.SourceAgent,
		"targetAgent":   m.TargetAgent,
		"topic":         m.Topic,
		"messageType":   m.MessageType,
		"payload":       m.Payload,
		"correlationId": m.Metadata.CorrelationID,
	}
	// encoding/json writes map keys in sorted order, which makes this
	// canonical without extra work.
	data, err := json.Marshal(subset)
	if err != nil {
		data = []byte(m.SourceAgent + m.Topic + m.MessageType)
	}
	h := fnv.New64a()
	h.Write(data)
	sum := h.Sum64()
	folded := uint32(sum>>32) ^ uint32(sum)
	return fmt.Sprintf("%08x", folded)
}

func (s *Serializer) checkSchema(version string) error {
	major, minor, ok := parseVersion(version)
	if !ok {
		return fmt.Errorf("%w: malformed schema version %q", ErrSerialization, version)
	}
	curMajor, curMinor, _ := parseVersion(SchemaVersion)
	if major != curMajor {
		return fmt.Errorf("%w: incompatible schema major %d (supported %d)", ErrSerialization, major, curMajor)
	}
	if minor > curMinor {
		s.logger.Warn().
			Str("frame_version", version).
			Str("supported_version", SchemaVersion).
			Msg("Frame schema minor is newer than supported, proceeding")
	}
	return nil
}

func parseVersion(v string) (major, minor int, ok bool) {
	parts := strings.Split(v, ".")
	if len(parts) != 2 {
		return 0, 0, false
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return major, minor, true
}

func toWireMap(m *types.Message) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return obj, nil
}

func compressKeys(obj map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		if k == "metadata" {
			v = renameMetadata(v, correlationIDKey, correlationIDShort)
		}
		if short, ok := compressDict[k]; ok {
			k = short
		}
		out[k] = v
	}
	return out
}

func decompressKeys(obj map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		if long, ok := decompressDict[k]; ok {
			k = long
		}
		if k == "metadata" {
			v = renameMetadata(v, correlationIDShort, correlationIDKey)
		}
		out[k] = v
	}
	return out
}

func renameMetadata(raw json.RawMessage, from, to string) json.RawMessage {
	var md map[string]json.RawMessage
	if err := json.Unmarshal(raw, &md); err != nil {
		return raw
	}
	if v, ok := md[from]; ok {
		delete(md, from)
		md[to] = v
	}
	out, err := json.Marshal(md)
	if err != nil {
		return raw
	}
	return out
}
