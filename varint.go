package bpcpool

import (
	"io"

	humanize "github.com/dustin/go-humanize"
	. "github.com/stevegt/goadapt"
)

// Limits from section 4.4: a reader must reject these as corrupt
// rather than allocate unbounded memory for a hostile or corrupted
// attrib file.
const (
	maxVarintBytes = 10
	maxStringBytes = 1 << 20 // 1 MiB
	maxXattrCount  = 65535
)

// readVarint decodes a little-endian base-128 varint: 7 bits per byte,
// high bit set means "more bytes follow" (section 4.4).
func readVarint(r io.Reader) (val uint64, err error) {
	defer Return(&err)
	var shift uint
	var buf [1]byte
	for i := 0; i < maxVarintBytes; i++ {
		_, err = io.ReadFull(r, buf[:])
		Ck(err)
		b := buf[0]
		val |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return val, nil
		}
		shift += 7
	}
	return 0, wrapf(KindCorruptAttrib, "", nil, "varint exceeds %d bytes", maxVarintBytes)
}

// readSignedVarint decodes a zig-zag encoded signed varint (section
// 4.4: mtime is a "signed varint").
func readSignedVarint(r io.Reader) (val int64, err error) {
	defer Return(&err)
	u, err := readVarint(r)
	Ck(err)
	val = int64(u>>1) ^ -(int64(u & 1))
	return
}

// readSize64 decodes BackupPC's split 64-bit size encoding (section
// 4.4): a low 32-bit varint and a high 32-bit varint, the high half
// multiplied by 2^32.
func readSize64(r io.Reader) (size uint64, err error) {
	defer Return(&err)
	low, err := readVarint(r)
	Ck(err)
	high, err := readVarint(r)
	Ck(err)
	size = (high << 32) | (low & 0xffffffff)
	return
}

// readString reads a length-prefixed byte string: a varint length
// followed by that many raw bytes. The length is bounded by
// maxStringBytes to reject corrupted or hostile length fields before
// allocating.
func readString(r io.Reader) (s []byte, err error) {
	defer Return(&err)
	n, err := readVarint(r)
	Ck(err)
	if n > maxStringBytes {
		return nil, wrapf(KindCorruptAttrib, "", nil,
			"string length %s exceeds limit %s",
			humanize.Bytes(n), humanize.Bytes(maxStringBytes))
	}
	s = make([]byte, n)
	_, err = io.ReadFull(r, s)
	Ck(err)
	return
}
