// Package resp implements the RESP wire encoding shared by the server and
// client: simple strings, errors, integers, bulk strings, arrays and nil.
package resp

import "fmt"

// Value is the tagged union of the five RESP types plus Nil. Exactly one
// of the fields is meaningful for a given Kind.
type Value struct {
	Kind    Kind
	Str     string  // SimpleString / Error
	Int     int64   // Integer
	Bulk    []byte  // BulkString (nil slice distinguished from empty by Kind, never by nilness alone)
	Array   []Value // Array
}

// Kind identifies which RESP variant a Value holds.
type Kind int

const (
	KindSimpleString Kind = iota
	KindError
	KindInteger
	KindBulkString
	KindArray
	KindNil
)

// SimpleString builds a RespValue SimpleString from anything with a String
// form, mirroring the original string() helper.
func SimpleString(v fmt.Stringer) Value {
	return Value{Kind: KindSimpleString, Str: v.String()}
}

// SimpleStringS builds a SimpleString directly from a Go string.
func SimpleStringS(s string) Value {
	return Value{Kind: KindSimpleString, Str: s}
}

// ErrorS builds an Error value from a Go string.
func ErrorS(s string) Value {
	return Value{Kind: KindError, Str: s}
}

// Errorf builds an Error value with fmt.Sprintf semantics.
func Errorf(format string, args ...any) Value {
	return Value{Kind: KindError, Str: fmt.Sprintf(format, args...)}
}

// IntegerV builds an Integer value.
func IntegerV(i int64) Value {
	return Value{Kind: KindInteger, Int: i}
}

// BulkStringB builds a BulkString value from raw bytes.
func BulkStringB(b []byte) Value {
	return Value{Kind: KindBulkString, Bulk: b}
}

// BulkStringS builds a BulkString value from a string.
func BulkStringS(s string) Value {
	return Value{Kind: KindBulkString, Bulk: []byte(s)}
}

// ArrayV builds an Array value.
func ArrayV(elems ...Value) Value {
	return Value{Kind: KindArray, Array: elems}
}

// Nil is the shared Nil value (encodes as a bulk string of length -1).
var Nil = Value{Kind: KindNil}

// Equal reports value equality: the same Kind with the same payload.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindSimpleString, KindError:
		return v.Str == other.Str
	case KindInteger:
		return v.Int == other.Int
	case KindBulkString:
		return string(v.Bulk) == string(other.Bulk)
	case KindArray:
		if len(v.Array) != len(other.Array) {
			return false
		}
		for i := range v.Array {
			if !v.Array[i].Equal(other.Array[i]) {
				return false
			}
		}
		return true
	case KindNil:
		return true
	}
	return false
}

// EqualString mirrors the original PartialEq<&str> impl: SimpleString,
// Error and BulkString all compare their textual payload against s.
func (v Value) EqualString(s string) bool {
	switch v.Kind {
	case KindSimpleString, KindError:
		return v.Str == s
	case KindBulkString:
		return string(v.Bulk) == s
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindSimpleString:
		return fmt.Sprintf("SimpleString(%q)", v.Str)
	case KindError:
		return fmt.Sprintf("Error(%q)", v.Str)
	case KindInteger:
		return fmt.Sprintf("Integer(%d)", v.Int)
	case KindBulkString:
		return fmt.Sprintf("BulkString(%q)", string(v.Bulk))
	case KindArray:
		return fmt.Sprintf("Array(%v)", v.Array)
	case KindNil:
		return "Nil"
	default:
		return "Invalid"
	}
}
