// Package validate performs structural and semantic checks on messages
// before they enter the routing pipeline. Validation never mutates the
// message and reports every violation, not just the first.
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/agentgrid/a2ahub/internal/types"
)

const (
	// MaxPayloadBytes is the serialized payload size limit (1 MiB).
	MaxPayloadBytes = 1 << 20

	// MaxClockSkewPast is how far in the past a timestamp may be.
	MaxClockSkewPast = time.Hour
	// MaxClockSkewFuture is how far in the future a timestamp may be.
	MaxClockSkewFuture = 5 * time.Minute

	maxIDLen            = 100
	maxAgentIDLen       = 50
	maxTopicLen         = 100
	maxMessageTypeLen   = 100
	maxCorrelationIDLen = 100
	maxRoutingKeyLen    = 200
	maxReplyToLen       = 100
	maxTTL              = int64(24 * time.Hour / time.Millisecond)
	maxRetryCount       = 10
	maxDeliveryAttempts = 20
)

var (
	messageTypeRe = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*$`)
	topicRe       = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	agentIDRe     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{2,49}$`)

	htmlTagRe   = regexp.MustCompile(`<[^>]*>`)
	unsafeChars = strings.NewReplacer("<", "", ">", "", `"`, "", "'", "", "&", "")
)

// Result is the outcome of validating a message. Errors lists every
// violation found.
type Result struct {
	Valid  bool     `json:"isValid"`
	Errors []string `json:"errors"`
}

// ValidMessageType reports whether s is a well-formed "category.action"
// message type.
func ValidMessageType(s string) bool {
	return len(s) <= maxMessageTypeLen && messageTypeRe.MatchString(s)
}

// ValidTopic reports whether s is a well-formed topic name: lowercase
// alphanumeric segments joined by single hyphens.
func ValidTopic(s string) bool {
	return len(s) <= maxTopicLen && topicRe.MatchString(s)
}

// ValidAgentID reports whether s is a well-formed agent id.
func ValidAgentID(s string) bool {
	return agentIDRe.MatchString(s)
}

// Message validates every field of m against the wire contract and returns
// the accumulated violations.
func Message(m *types.Message) Result {
	return MessageAt(m, time.Now())
}

// MessageAt is Message with an explicit clock, for deterministic tests.
func MessageAt(m *types.Message, now time.Time) Result {
	var errs []string

	switch {
	case m.ID == "":
		errs = append(errs, "id is required")
	case len(m.ID) > maxIDLen:
		errs = append(errs, fmt.Sprintf("id exceeds %d characters", maxIDLen))
	}

	if m.Timestamp.IsZero() {
		errs = append(errs, "timestamp is required")
	} else {
		if m.Timestamp.Before(now.Add(-MaxClockSkewPast)) {
			errs = append(errs, "timestamp is older than the accepted 1h window")
		}
		if m.Timestamp.After(now.Add(MaxClockSkewFuture)) {
			errs = append(errs, "timestamp is more than 5m in the future")
		}
	}

	switch {
	case m.SourceAgent == "":
		errs = append(errs, "sourceAgent is required")
	case len(m.SourceAgent) > maxAgentIDLen:
		errs = append(errs, fmt.Sprintf("sourceAgent exceeds %d characters", maxAgentIDLen))
	}

	if m.TargetAgent != "" && !ValidAgentID(m.TargetAgent) {
		errs = append(errs, "targetAgent is not a valid agent id")
	}

	if m.Topic == "" {
		errs = append(errs, "topic is required")
	} else if !ValidTopic(m.Topic) {
		errs = append(errs, "topic must be lowercase alphanumeric with single hyphens")
	}

	if m.MessageType == "" {
		errs = append(errs, "messageType is required")
	} else if !ValidMessageType(m.MessageType) {
		errs = append(errs, "messageType must match category.action")
	}

	if m.Priority == "" {
		errs = append(errs, "priority is required")
	} else if !m.Priority.Valid() {
		errs = append(errs, fmt.Sprintf("priority %q is not one of low, normal, high", m.Priority))
	}

	if m.Payload != nil {
		data, err := json.Marshal(m.Payload)
		if err != nil {
			errs = append(errs, "payload is not serializable")
		} else if len(data) > MaxPayloadBytes {
			errs = append(errs, fmt.Sprintf("payload exceeds %d bytes serialized", MaxPayloadBytes))
		}
	}

	errs = append(errs, metadataErrors(&m.Metadata)...)

	return Result{Valid: len(errs) == 0, Errors: errs}
}

func metadataErrors(md *types.Metadata) []string {
	var errs []string

	switch {
	case md.CorrelationID == "":
		errs = append(errs, "metadata.correlationId is required")
	case len(md.CorrelationID) > maxCorrelationIDLen:
		errs = append(errs, fmt.Sprintf("metadata.correlationId exceeds %d characters", maxCorrelationIDLen))
	}

	if md.TTL <= 0 || md.TTL > maxTTL {
		errs = append(errs, "metadata.ttl must be positive and at most 24h")
	}
	if md.RetryCount < 0 || md.RetryCount > maxRetryCount {
		errs = append(errs, fmt.Sprintf("metadata.retryCount must be 0..%d", maxRetryCount))
	}
	if md.DeliveryAttempts < 0 || md.DeliveryAttempts > maxDeliveryAttempts {
		errs = append(errs, fmt.Sprintf("metadata.deliveryAttempts must be 0..%d", maxDeliveryAttempts))
	}
	if len(md.RoutingKey) > maxRoutingKeyLen {
		errs = append(errs, fmt.Sprintf("metadata.routingKey exceeds %d characters", maxRoutingKeyLen))
	}
	if len(md.ReplyTo) > maxReplyToLen {
		errs = append(errs, fmt.Sprintf("metadata.replyTo exceeds %d characters", maxReplyToLen))
	}

	return errs
}

// SanitizePayload returns a copy of v with HTML tags and the characters
// <>"'& stripped from every string value and map key, recursively.
// Non-string scalars, arrays, and nil pass through unchanged.
func SanitizePayload(v any) any {
	switch t := v.(type) {
	case string:
		return sanitizeString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[sanitizeString(k)] = SanitizePayload(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = SanitizePayload(val)
		}
		return out
	default:
		return v
	}
}

func sanitizeString(s string) string {
	return unsafeChars.Replace(htmlTagRe.ReplaceAllString(s, ""))
}
