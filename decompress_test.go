package bpcpool

import (
	"bytes"
	"io"
	"testing"
)

func TestDecompressorRoundTrip(t *testing.T) {
	want := []byte("hello")
	blob := backupPCCompress(t, want)

	dec, err := NewDecompressor(bytes.NewReader(blob))
	tassert(t, err == nil, "NewDecompressor: %v", err)
	got, err := io.ReadAll(dec)
	tassert(t, err == nil, "ReadAll: %v", err)
	tassert(t, bytes.Equal(got, want), "expected %q got %q", want, got)
}

func TestDecompressorEmptyMarker(t *testing.T) {
	dec, err := NewDecompressor(bytes.NewReader([]byte{0xb3}))
	tassert(t, err == nil, "NewDecompressor: %v", err)
	got, err := io.ReadAll(dec)
	tassert(t, err == nil, "ReadAll: %v", err)
	tassert(t, len(got) == 0, "expected empty stream, got %d bytes", len(got))
}

func TestDecompressorDiscard(t *testing.T) {
	want := []byte("0123456789abcdef")
	blob := backupPCCompress(t, want)

	dec, err := NewDecompressor(bytes.NewReader(blob))
	tassert(t, err == nil, "NewDecompressor: %v", err)
	tassert(t, dec.Discard(4) == nil, "Discard")

	rest, err := io.ReadAll(dec)
	tassert(t, err == nil, "ReadAll: %v", err)
	tassert(t, bytes.Equal(rest, want[4:]), "expected %q got %q", want[4:], rest)
}

// TestDecompressorConcatenatedStreams exercises section 4.2's "when the
// first stream ends before EOF, a fresh decoder is spun up on the
// remaining bytes" rule: a blob carrying two concatenated deflate
// streams, both small enough to fit well within a single bufio fill, so
// any lost look-ahead bytes would silently truncate the second stream
// rather than erroring. Each embedded stream carries its own BackupPC
// header-byte substitution (original_source/src/compress.rs's
// InterpretAdapter::reset), so both streams go through
// backupPCCompress, not a plain zlib writer.
func TestDecompressorConcatenatedStreams(t *testing.T) {
	first := []byte("first-stream-bytes")
	second := []byte("second-stream-bytes-appended-after-the-first-ends")

	var blob bytes.Buffer
	blob.Write(backupPCCompress(t, first))
	blob.Write(backupPCCompress(t, second))

	dec, err := NewDecompressor(bytes.NewReader(blob.Bytes()))
	tassert(t, err == nil, "NewDecompressor: %v", err)
	got, err := io.ReadAll(dec)
	tassert(t, err == nil, "ReadAll: %v", err)

	want := append(append([]byte{}, first...), second...)
	tassert(t, bytes.Equal(got, want), "expected %q got %q", want, got)
}

func TestDecompressorCorrupt(t *testing.T) {
	dec, err := NewDecompressor(bytes.NewReader([]byte{0xd6, 0x00, 0x01, 0x02}))
	if err != nil {
		return // rejected at open: acceptable
	}
	_, err = io.ReadAll(dec)
	tassert(t, err != nil, "expected corrupt-stream error")
}
