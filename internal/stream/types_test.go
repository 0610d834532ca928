package stream

import "testing"

func TestNewNameValidation(t *testing.T) {
	if _, err := NewName(""); err != ErrEmptyName {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
	if _, err := NewName("foo:bar"); err != ErrNameContainsColon {
		t.Fatalf("expected ErrNameContainsColon, got %v", err)
	}
	n, err := NewName("hello")
	if err != nil || n != "hello" {
		t.Fatalf("unexpected: %v %v", n, err)
	}
}

func TestParseSpecForms(t *testing.T) {
	cases := []struct {
		in   string
		want Spec
	}{
		{"hello", Spec{Name: "hello", Range: ReadRange{Kind: FromEnd}}},
		{"hello:0", Spec{Name: "hello", Range: ReadRange{Kind: From, From: 0}}},
		{"hello:1:4", Spec{Name: "hello", Range: ReadRange{Kind: FromUntil, From: 1, Until: 4}}},
		{"$all:0", Spec{Name: "$all", Range: ReadRange{Kind: From, From: 0}}},
	}

	for _, c := range cases {
		got, err := ParseSpec(c.in)
		if err != nil {
			t.Fatalf("ParseSpec(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseSpec(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestParseSpecRejectsBadBounds(t *testing.T) {
	if _, err := ParseSpec("hello:4:1"); err == nil {
		t.Fatalf("expected error for from >= to")
	}
	if _, err := ParseSpec("hello:4:4"); err == nil {
		t.Fatalf("expected error for from == to")
	}
	if _, err := ParseSpec("hello:x"); err == nil {
		t.Fatalf("expected error for non-numeric from")
	}
	if _, err := ParseSpec("a:1:2:3"); err == nil {
		t.Fatalf("expected error for too many segments")
	}
}

func TestRawEventRoundTrip(t *testing.T) {
	raw := EncodeRawEvent("created", EventData("payload"))
	name, data, err := DecodeRawEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if name != "created" || string(data) != "payload" {
		t.Fatalf("got name=%q data=%q", name, data)
	}
}

func TestRawEventRejectsOverrunLength(t *testing.T) {
	raw := make([]byte, 8)
	raw[7] = 255 // name length 255, far beyond the (empty) remaining buffer
	if _, _, err := DecodeRawEvent(raw); err == nil {
		t.Fatalf("expected an error for an overrunning name length")
	}
}

func TestNumberBytesRoundTrip(t *testing.T) {
	n := Number(123456789)
	b := n.Bytes()
	got, err := NumberFromBytes(b[:])
	if err != nil {
		t.Fatalf("NumberFromBytes: %v", err)
	}
	if got != n {
		t.Fatalf("got %d want %d", got, n)
	}
}

func TestNumberBytesOrderPreserving(t *testing.T) {
	a := Number(1).Bytes()
	b := Number(2).Bytes()
	if string(a[:]) >= string(b[:]) {
		t.Fatalf("expected byte order of %v < %v", a, b)
	}
}
