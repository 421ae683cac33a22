package envelope

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Infra frame field numbers for the protobuf-encoded envelope body used on
// infra_protocol=protobuf paths. The wire shape mirrors the teacher's
// fixed-header framing: a 4-byte big-endian length prefix followed by the
// encoded body, read/written with bufio for streaming I/O.
const (
	fieldID          = 1
	fieldType        = 2
	fieldRoom        = 3
	fieldChannel     = 4
	fieldFrom        = 5
	fieldTenantID    = 6
	fieldTimestamp   = 7 // unix nanos, varint
	fieldSequence    = 8
	fieldVersion     = 9
	fieldPayloadJSON = 10 // payload/metadata/trace re-encoded as JSON blobs
	fieldMetaJSON    = 11
	fieldTraceJSON   = 12
)

const maxFrameLen = 64 << 20 // 64MiB hard ceiling regardless of configured message size

// MarshalBinary encodes an envelope into its protobuf-framed infra form.
func MarshalBinary(e *Envelope) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, e.ID)
	b = protowire.AppendTag(b, fieldType, protowire.BytesType)
	b = protowire.AppendString(b, string(e.Type))
	b = protowire.AppendTag(b, fieldRoom, protowire.BytesType)
	b = protowire.AppendString(b, e.Room)
	b = protowire.AppendTag(b, fieldChannel, protowire.BytesType)
	b = protowire.AppendString(b, e.Channel)
	b = protowire.AppendTag(b, fieldFrom, protowire.BytesType)
	b = protowire.AppendString(b, e.From)
	b = protowire.AppendTag(b, fieldTenantID, protowire.BytesType)
	b = protowire.AppendString(b, e.TenantID)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Timestamp.UnixNano()))
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Sequence))
	b = protowire.AppendTag(b, fieldVersion, protowire.BytesType)
	b = protowire.AppendString(b, e.Version)

	if payload, err := Encode(&Envelope{Payload: e.Payload}); err == nil {
		b = protowire.AppendTag(b, fieldPayloadJSON, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	if meta, err := Encode(&Envelope{Metadata: e.Metadata}); err == nil {
		b = protowire.AppendTag(b, fieldMetaJSON, protowire.BytesType)
		b = protowire.AppendBytes(b, meta)
	}
	if trace, err := encodeTrace(e.Trace); err == nil && trace != nil {
		b = protowire.AppendTag(b, fieldTraceJSON, protowire.BytesType)
		b = protowire.AppendBytes(b, trace)
	}
	return b, nil
}

func encodeTrace(trace map[string]string) ([]byte, error) {
	if trace == nil {
		return nil, nil
	}
	wrapper := struct {
		Trace map[string]string `json:"trace"`
	}{Trace: trace}
	env := &Envelope{}
	_ = env
	return Encode(&Envelope{Metadata: map[string]interface{}{"trace": wrapper.Trace}})
}

// UnmarshalBinary decodes the protobuf infra form back into an Envelope.
func UnmarshalBinary(data []byte) (*Envelope, error) {
	e := &Envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, &ProtocolError{Reason: "malformed infra frame tag"}
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, &ProtocolError{Reason: "malformed infra frame field"}
			}
			data = data[n:]
			switch num {
			case fieldID:
				e.ID = string(v)
			case fieldType:
				e.Type = Type(v)
			case fieldRoom:
				e.Room = string(v)
			case fieldChannel:
				e.Channel = string(v)
			case fieldFrom:
				e.From = string(v)
			case fieldTenantID:
				e.TenantID = string(v)
			case fieldVersion:
				e.Version = string(v)
			case fieldPayloadJSON:
				decoded, err := Decode(v, 0)
				if err == nil {
					e.Payload = decoded.Payload
				}
			case fieldMetaJSON:
				decoded, err := Decode(v, 0)
				if err == nil {
					e.Metadata = decoded.Metadata
				}
			case fieldTraceJSON:
				decoded, err := Decode(v, 0)
				if err == nil {
					if raw, ok := decoded.Metadata["trace"].(map[string]interface{}); ok {
						e.Trace = make(map[string]string, len(raw))
						for k, val := range raw {
							if s, ok := val.(string); ok {
								e.Trace[k] = s
							}
						}
					}
				}
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, &ProtocolError{Reason: "malformed infra frame varint"}
			}
			data = data[n:]
			switch num {
			case fieldTimestamp:
				e.Timestamp = time.Unix(0, int64(v)).UTC()
			case fieldSequence:
				e.Sequence = int64(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, &ProtocolError{Reason: "malformed infra frame field"}
			}
			data = data[n:]
		}
	}
	return e, nil
}

// WriteFrame writes a length-delimited infra frame: 4-byte big-endian
// length prefix followed by the protobuf-encoded body.
func WriteFrame(w *bufio.Writer, e *Envelope) error {
	body, err := MarshalBinary(e)
	if err != nil {
		return err
	}
	if len(body) > maxFrameLen {
		return &OversizeError{Limit: maxFrameLen, Size: len(body)}
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Flush()
}

// ReadFrame reads one length-delimited infra frame.
func ReadFrame(r *bufio.Reader, maxMessageSize int) (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	limit := maxFrameLen
	if maxMessageSize > 0 && maxMessageSize < limit {
		limit = maxMessageSize
	}
	if int(length) > limit {
		return nil, &OversizeError{Limit: limit, Size: int(length)}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading infra frame body: %w", err)
	}
	return UnmarshalBinary(body)
}
