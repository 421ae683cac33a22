// Package envelope implements the canonical message envelope: decoding,
// validation, and server-side stamping of every frame that crosses the bus.
package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of envelope kinds traversing the bus.
type Type string

const (
	TypeEvent           Type = "event"
	TypeSystem          Type = "system"
	TypePrivate         Type = "private"
	TypeCommand         Type = "command"
	TypeCommandResponse Type = "command_response"
	TypeTelemetry       Type = "telemetry"
	TypeError           Type = "error"
)

var knownTypes = map[Type]bool{
	TypeEvent: true, TypeSystem: true, TypePrivate: true, TypeCommand: true,
	TypeCommandResponse: true, TypeTelemetry: true, TypeError: true,
}

// ProtocolVersion is the only envelope version this build understands.
const ProtocolVersion = "1.0"

var roomChannelName = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,128}$`)

// Envelope is the canonical wire object (spec.md §3).
type Envelope struct {
	ID          string                 `json:"id"`
	Type        Type                   `json:"type"`
	Room        string                 `json:"room"`
	Channel     string                 `json:"channel"`
	From        string                 `json:"from,omitempty"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Sequence    int64                  `json:"sequence,omitempty"`
	VectorClock map[string]int64       `json:"vector_clock,omitempty"`
	Version     string                 `json:"version"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Trace       map[string]string      `json:"trace,omitempty"`

	// Targets carries the recipient client IDs for type=private envelopes
	// (spec.md §4.4 private_deliver); ignored for every other type.
	Targets []string `json:"targets,omitempty"`
	// Echo requests that the sender also receive its own event back on
	// fan-out (spec.md "Authenticated echo" scenario: "A does not receive
	// an echo unless echo=true"). Ignored for type=private.
	Echo bool `json:"echo,omitempty"`

	Command string `json:"command,omitempty"`
}

// Session is the narrow view of session state the codec needs to stamp an
// envelope; gatewaysession.Session satisfies it.
type Session interface {
	ClientID() string
	TenantID() string
	DefaultRoom() string
	DefaultChannel() string
}

// ErrorCode is a machine-readable error identifier (spec.md §6).
type ErrorCode string

const (
	ErrAuthRequired           ErrorCode = "AUTH_REQUIRED"
	ErrAuthInvalid            ErrorCode = "AUTH_INVALID"
	ErrProtocolError          ErrorCode = "PROTOCOL_ERROR"
	ErrValidationError        ErrorCode = "VALIDATION_ERROR"
	ErrOversize               ErrorCode = "OVERSIZE"
	ErrRateLimited            ErrorCode = "RATE_LIMITED"
	ErrSlowConsumer           ErrorCode = "SLOW_CONSUMER"
	ErrAuthzDenied            ErrorCode = "AUTHZ_DENIED"
	ErrCASILBlockedSecret     ErrorCode = "CASIL_POLICY_BLOCKED_SECRET"
	ErrCASILOversize          ErrorCode = "CASIL_POLICY_OVERSIZE"
	ErrCASILInternalBlock     ErrorCode = "CASIL_INTERNAL_BLOCK"
	ErrCASILInternalAllow     ErrorCode = "CASIL_INTERNAL_ALLOW"
	ErrChannelNotEmpty        ErrorCode = "CHANNEL_NOT_EMPTY"
	ErrChannelProtected       ErrorCode = "CHANNEL_PROTECTED"
	ErrFeatureDisabled        ErrorCode = "FEATURE_DISABLED"
	ErrStaleEvent             ErrorCode = "STALE_EVENT"
	ErrNotSupportedInDegraded ErrorCode = "NOT_SUPPORTED_IN_DEGRADED"
	ErrTimeout                ErrorCode = "TIMEOUT"
	ErrInternal               ErrorCode = "INTERNAL_ERROR"
	ErrCASILReloadRejected    ErrorCode = "CASIL_RELOAD_REJECTED"
)

// ValidationError, ProtocolError, OversizeError, RateLimitError are the
// outcome types C1 returns instead of raising exceptions (spec.md §9).
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

type ProtocolError struct{ Reason string }

func (e *ProtocolError) Error() string { return "protocol: " + e.Reason }

type OversizeError struct{ Limit, Size int }

func (e *OversizeError) Error() string {
	return fmt.Sprintf("oversize: payload %d bytes exceeds limit %d", e.Size, e.Limit)
}

// NewError builds the canonical error envelope (spec.md §6).
func NewError(requestID string, code ErrorCode, message string, room, channel string, extra map[string]interface{}) *Envelope {
	payload := map[string]interface{}{"reason": string(code)}
	for k, v := range extra {
		payload[k] = v
	}
	return &Envelope{
		ID:        "arq_" + uuid.NewString(),
		Type:      TypeError,
		Room:      room,
		Channel:   channel,
		From:      "arqonbus",
		Timestamp: time.Now().UTC(),
		Version:   ProtocolVersion,
		Payload:   map[string]interface{}{"request_id": requestID, "error": message, "error_code": string(code), "reason": payload},
	}
}

// Decode parses a JSON-encoded envelope off the wire. It never panics on
// malformed input; malformed input becomes a *ValidationError.
func Decode(data []byte, maxMessageSize int) (*Envelope, error) {
	if maxMessageSize > 0 && len(data) > maxMessageSize {
		return nil, &OversizeError{Limit: maxMessageSize, Size: len(data)}
	}

	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &ValidationError{Reason: "malformed json: " + err.Error()}
	}
	return &e, nil
}

// Encode serializes an envelope back to JSON for the wire.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Validate checks required fields, version, type and room/channel naming
// policy. Unknown fields are tolerated by Decode (json.Unmarshal ignores
// them) but never forwarded downstream.
func Validate(e *Envelope) error {
	if e.Version == "" {
		e.Version = ProtocolVersion
	}
	if e.Version != ProtocolVersion {
		return &ProtocolError{Reason: "unsupported version " + e.Version}
	}
	if !knownTypes[e.Type] {
		return &ValidationError{Reason: "unknown envelope type " + string(e.Type)}
	}
	if e.Type == TypeCommand {
		// Command envelopes may omit room/channel (global commands).
		return nil
	}
	if e.Room == "" || !roomChannelName.MatchString(e.Room) {
		return &ValidationError{Reason: "invalid room name"}
	}
	if e.Channel == "" || !roomChannelName.MatchString(e.Channel) {
		return &ValidationError{Reason: "invalid channel name"}
	}
	if e.Type == TypePrivate && len(e.Targets) == 0 {
		return &ValidationError{Reason: "private envelope requires at least one target"}
	}
	return nil
}

// SequenceGenerator hands out strictly monotonic, contiguous sequence
// numbers per (tenant,room,channel) — invariant I2.
type SequenceGenerator struct {
	counters map[string]*atomic.Int64
	mu       chan struct{} // binary semaphore guarding map growth
}

// NewSequenceGenerator creates an empty generator.
func NewSequenceGenerator() *SequenceGenerator {
	sg := &SequenceGenerator{
		counters: make(map[string]*atomic.Int64),
		mu:       make(chan struct{}, 1),
	}
	sg.mu <- struct{}{}
	return sg
}

func streamKey(tenantID, room, channel string) string {
	return tenantID + "\x00" + room + "\x00" + channel
}

// Next returns the next sequence number for (tenantID, room, channel),
// starting at 1.
func (sg *SequenceGenerator) Next(tenantID, room, channel string) int64 {
	key := streamKey(tenantID, room, channel)

	<-sg.mu
	counter, ok := sg.counters[key]
	if !ok {
		counter = &atomic.Int64{}
		sg.counters[key] = counter
	}
	sg.mu <- struct{}{}

	return counter.Add(1)
}

// Stamp assigns server-controlled fields, overwriting any client-supplied
// values per invariant I5. dedup reports whether a client-supplied id was
// accepted as an idempotent retry (see DedupWindow).
func Stamp(e *Envelope, sess Session, seq *SequenceGenerator, dedup *DedupWindow) (idempotentReplay bool) {
	tenantID := sess.TenantID()
	room := e.Room
	if room == "" {
		room = sess.DefaultRoom()
		e.Room = room
	}
	channel := e.Channel
	if channel == "" {
		channel = sess.DefaultChannel()
		e.Channel = channel
	}

	if e.ID != "" && dedup != nil && dedup.IsValidShape(e.ID) {
		if dedup.SeenRecently(tenantID, e.ID) {
			return true
		}
		dedup.Remember(tenantID, e.ID)
	} else {
		e.ID = "arq_" + uuid.NewString()
	}

	e.From = sess.ClientID()
	e.TenantID = tenantID
	e.Timestamp = time.Now().UTC()
	if e.Type != TypeCommand {
		e.Sequence = seq.Next(tenantID, room, channel)
	}
	if e.VectorClock == nil {
		e.VectorClock = map[string]int64{}
	}
	return false
}
