package bencode

import (
	"testing"
)

func TestRoundTripInt(t *testing.T) {
	for _, n := range []int64{0, 1, -1, 42, -42, 1 << 40, -(1 << 40)} {
		v := NewInt(n)
		got, rest, err := Decode(Encode(v))
		if err != nil {
			t.Fatalf("Decode(Encode(%d)): %v", n, err)
		}
		if len(rest) != 0 {
			t.Fatalf("Decode(Encode(%d)) left trailing bytes %q", n, rest)
		}
		if !got.Equal(v) {
			t.Fatalf("Decode(Encode(%d)) = %+v, want %+v", n, got, v)
		}
	}
}

func TestRoundTripString(t *testing.T) {
	for _, s := range []string{"", "a", "hello world", "\x00\x01\xff binary"} {
		v := NewString(s)
		got, _, err := Decode(Encode(v))
		if err != nil {
			t.Fatalf("Decode(Encode(%q)): %v", s, err)
		}
		if !got.Equal(v) {
			t.Fatalf("Decode(Encode(%q)) = %+v, want %+v", s, got, v)
		}
	}
}

func TestRoundTripListAndDict(t *testing.T) {
	v := NewDict(map[string]Value{
		"a": NewInt(1),
		"b": NewList(NewString("x"), NewString("y")),
		"c": NewDict(map[string]Value{"nested": NewInt(-5)}),
	})
	got, rest, err := Decode(Encode(v))
	if err != nil {
		t.Fatalf("Decode(Encode(v)): %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes: %q", rest)
	}
	if !got.Equal(v) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, v)
	}
}

func TestEncodeSortsDictKeys(t *testing.T) {
	v := NewDict(map[string]Value{
		"zebra": NewInt(1),
		"apple": NewInt(2),
		"mango": NewInt(3),
	})
	got := string(Encode(v))
	want := "d5:applei2e5:mangoi3e5:zebrai1ee"
	if got != want {
		t.Fatalf("Encode did not sort keys: got %q, want %q", got, want)
	}
}

func TestEncodeOfDecodedCanonicalInputMatches(t *testing.T) {
	// A well-formed input whose dict keys are already sorted must survive
	// decode-then-encode byte for byte.
	for _, b := range []string{
		"i42e",
		"5:hello",
		"le",
		"li1ei2ei3ee",
		"de",
		"d3:agei30e4:name5:alice4:tagsl2:ab2:cdee",
	} {
		v, rest, err := Decode([]byte(b))
		if err != nil {
			t.Fatalf("Decode(%q): %v", b, err)
		}
		if len(rest) != 0 {
			t.Fatalf("Decode(%q) left trailing bytes %q", b, rest)
		}
		if got := string(Encode(v)); got != b {
			t.Fatalf("Encode(Decode(%q)) = %q, want %q", b, got, b)
		}
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := []struct {
		name string
		in   string
		kind ErrorKind
	}{
		{"empty input", "", ErrUnexpectedEOF},
		{"leading zero integer", "i01e", ErrBadInteger},
		{"negative zero integer", "i-0e", ErrBadInteger},
		{"non-numeric integer", "ixe", ErrBadInteger},
		{"short string", "2:a", ErrBadLength},
		{"unterminated list", "li1e", ErrUnexpectedEOF},
		{"unterminated dict", "d1:ai1e", ErrUnexpectedEOF},
		{"non-string dict key", "di1ei2ee", ErrBadTag},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, _, err := Decode([]byte(c.in))
			if err == nil {
				t.Fatalf("Decode(%q) succeeded, want error", c.in)
			}
			se, ok := err.(*SyntaxError)
			if !ok {
				t.Fatalf("Decode(%q) returned %T, want *SyntaxError", c.in, err)
			}
			if se.Kind != c.kind {
				t.Fatalf("Decode(%q) kind = %v, want %v", c.in, se.Kind, c.kind)
			}
		})
	}
}

func TestDecodeAllowsTrailingDataAtTopLevel(t *testing.T) {
	v, rest, err := Decode([]byte("i1eJUNK"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n, ok := v.Int(); !ok || n != 1 {
		t.Fatalf("Decode value = %+v, want int 1", v)
	}
	if string(rest) != "JUNK" {
		t.Fatalf("rest = %q, want %q", rest, "JUNK")
	}
}

func TestDecodeExactRejectsTrailingData(t *testing.T) {
	if _, err := DecodeExact([]byte("i1eJUNK")); err == nil {
		t.Fatalf("DecodeExact succeeded, want error on trailing data")
	}
}

func TestGetMissingKey(t *testing.T) {
	d := NewDict(map[string]Value{"id": NewString("x")})
	if _, ok := d.Get("missing"); ok {
		t.Fatalf("Get(missing) ok = true, want false")
	}
	v, ok := d.Get("id")
	if !ok {
		t.Fatalf("Get(id) ok = false, want true")
	}
	if s, _ := v.Str(); s != "x" {
		t.Fatalf("Get(id) = %q, want %q", s, "x")
	}
}
