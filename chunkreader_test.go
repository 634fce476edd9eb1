package bpcpool

import (
	"bytes"
	"errors"
	"os"
	"testing"
)

func TestReadHandleSmallFile(t *testing.T) {
	topdir := t.TempDir()
	data := []byte("hello")
	d := digestOf(data)
	writePoolBlob(t, topdir, d, backupPCCompress(t, data))

	h, err := OpenFile(topdir, d, uint64(len(data)), nil)
	tassert(t, err == nil, "OpenFile: %v", err)
	got, err := h.Read(0, len(data))
	tassert(t, err == nil, "Read: %v", err)
	tassert(t, bytes.Equal(got, data), "expected %q got %q", data, got)
}

func TestReadHandleMultiChunk(t *testing.T) {
	topdir := t.TempDir()

	chunk := func(b byte) []byte {
		buf := make([]byte, defaultChunkSize)
		for i := range buf {
			buf[i] = b
		}
		return buf
	}
	c0, c1, c2 := chunk('a'), chunk('b'), chunk('c')
	want := append(append(append([]byte{}, c0...), c1...), c2...)

	d0, d1, d2 := digestOf(c0), digestOf(c1), digestOf(c2)
	writePoolBlob(t, topdir, d0, backupPCCompress(t, c0))
	writePoolBlob(t, topdir, d1, backupPCCompress(t, c1))
	writePoolBlob(t, topdir, d2, backupPCCompress(t, c2))

	total := uint64(len(want))
	h, err := OpenFile(topdir, d0, total, []Digest{d1, d2})
	tassert(t, err == nil, "OpenFile: %v", err)

	got, err := h.Read(0, len(want))
	tassert(t, err == nil, "Read: %v", err)
	tassert(t, len(got) == len(want), "expected %d bytes got %d", len(want), len(got))
	tassert(t, bytes.Equal(got[:16], want[:16]), "first 16 bytes mismatch")
	tassert(t, bytes.Equal(got[len(got)-16:], want[len(want)-16:]), "last 16 bytes mismatch")

	// sequential 256 KiB reads must reassemble to the same bytes as a
	// single bulk read (section 8's testable property, checked with
	// larger steps than single bytes).
	var reassembled []byte
	h2, err := OpenFile(topdir, d0, total, []Digest{d1, d2})
	tassert(t, err == nil, "OpenFile: %v", err)
	for i := 0; i < len(want); i += 1 << 18 {
		n := 1 << 18
		if i+n > len(want) {
			n = len(want) - i
		}
		b, err := h2.Read(int64(i), n)
		tassert(t, err == nil, "Read at %d: %v", i, err)
		reassembled = append(reassembled, b...)
	}
	tassert(t, bytes.Equal(reassembled, want), "reassembled bytes mismatch")
}

func TestReadHandleMissingBlob(t *testing.T) {
	topdir := t.TempDir()
	d := digestOf([]byte("nope"))
	h, err := OpenFile(topdir, d, 4, nil)
	tassert(t, err == nil, "OpenFile: %v", err)
	_, err = h.Read(0, 4)
	tassert(t, err != nil, "expected MissingBlob error")
	tassert(t, isKind(err, KindMissingBlob), "expected MissingBlob, got %v", err)
}

func TestReadHandleTruncatedPool(t *testing.T) {
	topdir := t.TempDir()
	data := []byte("hello")
	d := digestOf(data)
	writePoolBlob(t, topdir, d, backupPCCompress(t, data))

	// claim a larger size than the pool actually holds
	h, err := OpenFile(topdir, d, 100, nil)
	tassert(t, err == nil, "OpenFile: %v", err)
	_, err = h.Read(0, 100)
	tassert(t, err != nil, "expected TruncatedPool error")
	tassert(t, isKind(err, KindTruncatedPool), "expected TruncatedPool, got %v", err)
}

func TestReadHandleUseAfterClose(t *testing.T) {
	topdir := t.TempDir()
	data := []byte("hello")
	d := digestOf(data)
	writePoolBlob(t, topdir, d, backupPCCompress(t, data))

	h, err := OpenFile(topdir, d, uint64(len(data)), nil)
	tassert(t, err == nil, "OpenFile: %v", err)
	tassert(t, h.Close() == nil, "Close")
	_, err = h.Read(0, 1)
	tassert(t, isKind(err, KindUseAfterClose), "expected UseAfterClose, got %v", err)
}

func TestOpenPoolVariantPicksFirstOpenable(t *testing.T) {
	topdir := t.TempDir()
	data := []byte("variant")
	d := digestOf(data)
	// only the _1 variant exists; _0 is missing
	writePoolBlob(t, topdir, d.WithExt(1), backupPCCompress(t, data))

	f, err := openPoolVariant(topdir, d)
	tassert(t, err == nil, "openPoolVariant: %v", err)
	defer f.Close()

	path0, _ := locatePool(topdir, d)
	_, statErr := os.Stat(path0)
	tassert(t, os.IsNotExist(statErr), "variant 0 should not exist for this test")
}

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
