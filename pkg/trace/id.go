package trace

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// TraceID is a W3C Trace Context compatible 128-bit trace identifier.
type TraceID [16]byte

// SpanID is a 64-bit span identifier within a trace.
type SpanID [8]byte

// NewTraceID returns a random trace ID.
func NewTraceID() TraceID {
	return TraceID(uuid.New())
}

// NewSpanID returns a random span ID.
func NewSpanID() SpanID {
	var id SpanID
	// crypto/rand.Read never fails on supported platforms
	_, _ = rand.Read(id[:])
	return id
}

func (id TraceID) String() string {
	return hex.EncodeToString(id[:])
}

func (id SpanID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw identifier bytes, for use as storage key material.
func (id TraceID) Bytes() []byte { return append([]byte(nil), id[:]...) }

// Bytes returns the raw identifier bytes, for use as storage key material.
func (id SpanID) Bytes() []byte { return append([]byte(nil), id[:]...) }

// ParseTraceID decodes a 32-char hex string into a TraceID.
func ParseTraceID(s string) (TraceID, error) {
	var id TraceID
	if err := decodeHexID(s, id[:]); err != nil {
		return id, fmt.Errorf("invalid trace id %q: %w", s, err)
	}
	return id, nil
}

// ParseSpanID decodes a 16-char hex string into a SpanID.
func ParseSpanID(s string) (SpanID, error) {
	var id SpanID
	if err := decodeHexID(s, id[:]); err != nil {
		return id, fmt.Errorf("invalid span id %q: %w", s, err)
	}
	return id, nil
}

func decodeHexID(s string, dst []byte) error {
	if hex.DecodedLen(len(s)) != len(dst) {
		return fmt.Errorf("want %d hex chars, got %d", hex.EncodedLen(len(dst)), len(s))
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}

// MarshalJSON renders the ID as its hex string form.
func (id TraceID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON accepts the hex string form.
func (id *TraceID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTraceID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MarshalJSON renders the ID as its hex string form.
func (id SpanID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON accepts the hex string form.
func (id *SpanID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseSpanID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
