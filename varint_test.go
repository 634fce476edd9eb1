package bpcpool

import (
	"bytes"
	"testing"
)

func TestVarintRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40, ^uint64(0) >> 1}
	for _, v := range cases {
		var buf bytes.Buffer
		writeVarint(&buf, v)
		got, err := readVarint(&buf)
		tassert(t, err == nil, "readVarint: %v", err)
		tassert(t, got == v, "expected %d got %d", v, got)
	}
}

func TestSignedVarintRoundTrip(t *testing.T) {
	cases := []int64{0, 1, -1, 42, -42, 1 << 30, -(1 << 30)}
	for _, v := range cases {
		var buf bytes.Buffer
		writeSignedVarint(&buf, v)
		got, err := readSignedVarint(&buf)
		tassert(t, err == nil, "readSignedVarint: %v", err)
		tassert(t, got == v, "expected %d got %d", v, got)
	}
}

func TestSize64RoundTrip(t *testing.T) {
	cases := []uint64{0, 5, 1 << 31, 1<<32 + 7, 3 * (1 << 20)}
	for _, v := range cases {
		var buf bytes.Buffer
		writeSize64(&buf, v)
		got, err := readSize64(&buf)
		tassert(t, err == nil, "readSize64: %v", err)
		tassert(t, got == v, "expected %d got %d", v, got)
	}
}

func TestVarintTooLong(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < maxVarintBytes+1; i++ {
		buf.WriteByte(0x80)
	}
	_, err := readVarint(&buf)
	tassert(t, err != nil, "expected error for oversized varint")
}

func TestStringLengthLimit(t *testing.T) {
	var buf bytes.Buffer
	writeVarint(&buf, maxStringBytes+1)
	_, err := readString(&buf)
	tassert(t, err != nil, "expected error for oversized string length")
}
