package tlv

import (
	"bytes"
	"testing"
)

// TestRoundTrip tests encoding followed by decoding for a range of tag and
// value sizes
func TestRoundTrip(t *testing.T) {
	valueLengths := []int{0, 1, 127, 128, 255, 65535}
	tags := []int{0x01, 0x7a, 0x7f49, 0x5fc102}

	for _, tag := range tags {
		for _, n := range valueLengths {
			value := make([]byte, n)
			for i := range value {
				value[i] = byte(i)
			}

			encoded := New(tag, value).Bytes()
			decoded, err := Parse(encoded)
			if err != nil {
				t.Fatalf("Parse(tag=%x, len=%d) error: %v", tag, n, err)
			}
			if decoded.Tag() != tag {
				t.Errorf("Tag = %x, want %x", decoded.Tag(), tag)
			}
			if !bytes.Equal(decoded.Value(), value) {
				t.Errorf("Value mismatch for tag=%x len=%d", tag, n)
			}
			if decoded.Length() != n {
				t.Errorf("Length = %d, want %d", decoded.Length(), n)
			}
		}
	}
}

// TestLengthEncoding tests the short/long form boundary
func TestLengthEncoding(t *testing.T) {
	tests := []struct {
		name    string
		valueLn int
		header  []byte // Expected tag + length bytes
	}{
		{"Empty", 0, []byte{0x71, 0x00}},
		{"Short form max", 127, []byte{0x71, 0x7f}},
		{"Long form one byte", 128, []byte{0x71, 0x81, 0x80}},
		{"Long form one byte max", 255, []byte{0x71, 0x81, 0xff}},
		{"Long form two bytes", 256, []byte{0x71, 0x82, 0x01, 0x00}},
		{"Long form 65535", 65535, []byte{0x71, 0x82, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := New(0x71, make([]byte, tt.valueLn)).Bytes()
			if !bytes.Equal(encoded[:len(tt.header)], tt.header) {
				t.Errorf("header = %x, want %x", encoded[:len(tt.header)], tt.header)
			}
			if len(encoded) != len(tt.header)+tt.valueLn {
				t.Errorf("total length = %d, want %d", len(encoded), len(tt.header)+tt.valueLn)
			}
		})
	}
}

// TestMultiByteTags tests tags that need more than one byte on the wire
func TestMultiByteTags(t *testing.T) {
	tests := []struct {
		name string
		tag  int
		wire []byte
	}{
		{"Single byte", 0x53, []byte{0x53, 0x01, 0xaa}},
		{"Two bytes", 0x7f49, []byte{0x7f, 0x49, 0x01, 0xaa}},
		{"Three bytes", 0x5fc101, []byte{0x5f, 0xc1, 0x01, 0x01, 0xaa}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := New(tt.tag, []byte{0xaa}).Bytes()
			if !bytes.Equal(encoded, tt.wire) {
				t.Errorf("Bytes() = %x, want %x", encoded, tt.wire)
			}
			decoded, err := Parse(tt.wire)
			if err != nil {
				t.Fatalf("Parse error: %v", err)
			}
			if decoded.Tag() != tt.tag {
				t.Errorf("Tag = %x, want %x", decoded.Tag(), tt.tag)
			}
		})
	}
}

// TestParseList tests that concatenated records parse in order
func TestParseList(t *testing.T) {
	var buf []byte
	buf = append(buf, New(0x71, []byte("first")).Bytes()...)
	buf = append(buf, New(0x74, []byte("second")).Bytes()...)
	buf = append(buf, New(0x71, []byte("third")).Bytes()...)

	list, err := ParseList(buf)
	if err != nil {
		t.Fatalf("ParseList error: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	if string(list[0].Value()) != "first" || string(list[2].Value()) != "third" {
		t.Errorf("entries out of order: %v", list)
	}
}

// TestParseDict tests that a duplicate tag keeps the later value
func TestParseDict(t *testing.T) {
	var buf []byte
	buf = append(buf, New(0x71, []byte("old")).Bytes()...)
	buf = append(buf, New(0x71, []byte("new")).Bytes()...)

	dict, err := ParseDict(buf)
	if err != nil {
		t.Fatalf("ParseDict error: %v", err)
	}
	if string(dict[0x71]) != "new" {
		t.Errorf("dict[0x71] = %q, want %q", dict[0x71], "new")
	}
}

// TestParseErrors tests decoding failures
func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"Truncated value", []byte{0x71, 0x05, 0x01}, ErrTruncated},
		{"Indefinite length", []byte{0x71, 0x80, 0x00}, ErrIndefiniteLength},
		{"Empty buffer", nil, ErrInvalidTagOrLength},
		{"Tag only", []byte{0x71}, ErrInvalidTagOrLength},
		{"Trailing data", append(New(0x71, []byte{1}).Bytes(), 0x00), ErrTrailingData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.data); err != tt.want {
				t.Errorf("Parse error = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestUnwrap tests tag-checked single record extraction
func TestUnwrap(t *testing.T) {
	data := New(0x7c, []byte{0xde, 0xad}).Bytes()

	value, err := Unwrap(0x7c, data)
	if err != nil {
		t.Fatalf("Unwrap error: %v", err)
	}
	if !bytes.Equal(value, []byte{0xde, 0xad}) {
		t.Errorf("value = %x", value)
	}

	if _, err := Unwrap(0x7d, data); err == nil {
		t.Error("Unwrap with wrong tag should fail")
	}
}
