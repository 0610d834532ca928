// Package stream implements the data types and textual grammar for stream
// specifiers: names, event numbers, event payloads, and the on-disk raw
// event encoding.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// All is the sentinel stream name meaning "every existing stream."
const All = "$all"

// Name is a validated stream name: non-empty, and never containing a colon
// (colons separate the name from its range in the textual grammar). The
// sentinel All is a valid Name.
type Name string

// NewName validates s as a stream name.
func NewName(s string) (Name, error) {
	if s == "" {
		return "", ErrEmptyName
	}
	if strings.Contains(s, ":") {
		return "", ErrNameContainsColon
	}
	return Name(s), nil
}

// IsAll reports whether n is the $all sentinel.
func (n Name) IsAll() bool { return string(n) == All }

var (
	ErrEmptyName         = errors.New("stream name is empty")
	ErrNameContainsColon = errors.New("stream name contains colon (:)")
)

// Number is a dense, strictly monotonic per-stream event number, encoded
// big-endian on wire and in storage so byte order equals numeric order.
type Number uint64

// Zero is the first event number of every stream.
const Zero Number = 0

// Next returns the successor number.
func (n Number) Next() Number { return n + 1 }

// Bytes returns the 8-byte big-endian encoding of n, suitable as a bbolt key.
func (n Number) Bytes() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return b
}

// NumberFromBytes decodes an 8-byte big-endian key into a Number.
func NumberFromBytes(b []byte) (Number, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("stream: event number key must be 8 bytes, got %d", len(b))
	}
	return Number(binary.BigEndian.Uint64(b)), nil
}

// EventName is a validated, non-empty event name.
type EventName string

// NewEventName validates s as an event name.
func NewEventName(s string) (EventName, error) {
	if s == "" {
		return "", ErrEmptyEventName
	}
	return EventName(s), nil
}

var ErrEmptyEventName = errors.New("event name is empty")

// EventData is an opaque event payload, possibly empty.
type EventData []byte

// EncodeRawEvent builds the on-disk value: an 8-byte big-endian name
// length, the name bytes, then the data bytes.
func EncodeRawEvent(name EventName, data EventData) []byte {
	nameBytes := []byte(name)
	out := make([]byte, 8+len(nameBytes)+len(data))
	binary.BigEndian.PutUint64(out[:8], uint64(len(nameBytes)))
	copy(out[8:8+len(nameBytes)], nameBytes)
	copy(out[8+len(nameBytes):], data)
	return out
}

// DecodeRawEvent splits a stored value back into its name and data. It
// rejects a name-length prefix that would overrun the value.
func DecodeRawEvent(raw []byte) (EventName, EventData, error) {
	if len(raw) < 8 {
		return "", nil, errors.New("stream: raw event too short to hold a name-length prefix")
	}
	nameLen := binary.BigEndian.Uint64(raw[:8])
	if nameLen > uint64(len(raw)-8) {
		return "", nil, fmt.Errorf("stream: raw event name length %d exceeds value size", nameLen)
	}
	name := EventName(raw[8 : 8+nameLen])
	data := EventData(raw[8+nameLen:])
	return name, data, nil
}

// RangeKind discriminates the three shapes a ReadRange can take.
type RangeKind int

const (
	// FromEnd means "future events only": no catch-up scan.
	FromEnd RangeKind = iota
	// From means "catch up starting at From, then tail forever."
	From
	// FromUntil means "deliver exactly [From, Until)."
	FromUntil
)

// ReadRange describes which events of a stream a subscription wants.
type ReadRange struct {
	Kind  RangeKind
	From  Number
	Until Number // meaningful only when Kind == FromUntil
}

// Spec is a parsed subscription specifier: a stream name plus a range.
type Spec struct {
	Name  Name
	Range ReadRange
}

// ParseSpecError enumerates why a textual specifier failed to parse.
type ParseSpecError struct {
	msg string
}

func (e *ParseSpecError) Error() string { return e.msg }

// ParseSpec parses the `name[:from[:to]]` grammar from spec.md §4.3.
func ParseSpec(s string) (Spec, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		name, err := NewName(parts[0])
		if err != nil {
			return Spec{}, &ParseSpecError{fmt.Sprintf("stream specifier %q: %v", s, err)}
		}
		return Spec{Name: name, Range: ReadRange{Kind: FromEnd}}, nil

	case 2:
		name, err := NewName(parts[0])
		if err != nil {
			return Spec{}, &ParseSpecError{fmt.Sprintf("stream specifier %q: %v", s, err)}
		}
		from, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return Spec{}, &ParseSpecError{fmt.Sprintf("stream specifier %q: invalid \"from\": %v", s, err)}
		}
		return Spec{Name: name, Range: ReadRange{Kind: From, From: Number(from)}}, nil

	case 3:
		name, err := NewName(parts[0])
		if err != nil {
			return Spec{}, &ParseSpecError{fmt.Sprintf("stream specifier %q: %v", s, err)}
		}
		from, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return Spec{}, &ParseSpecError{fmt.Sprintf("stream specifier %q: invalid \"from\": %v", s, err)}
		}
		to, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return Spec{}, &ParseSpecError{fmt.Sprintf("stream specifier %q: invalid \"to\": %v", s, err)}
		}
		if from >= to {
			return Spec{}, &ParseSpecError{fmt.Sprintf("stream specifier %q: from (%d) must be < to (%d)", s, from, to)}
		}
		return Spec{Name: name, Range: ReadRange{Kind: FromUntil, From: Number(from), Until: Number(to)}}, nil

	default:
		return Spec{}, &ParseSpecError{fmt.Sprintf("stream specifier %q: too many colon-separated segments", s)}
	}
}

// String renders the Spec back to its textual form.
func (s Spec) String() string {
	switch s.Range.Kind {
	case From:
		return fmt.Sprintf("%s:%d", s.Name, s.Range.From)
	case FromUntil:
		return fmt.Sprintf("%s:%d:%d", s.Name, s.Range.From, s.Range.Until)
	default:
		return string(s.Name)
	}
}
