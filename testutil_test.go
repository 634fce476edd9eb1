package bpcpool

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"os"
	"path/filepath"
	"testing"
)

// tassert mirrors the teacher's test boolean helper (pitbase_test.go).
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(txt, args...)
	}
}

// writeVarint, writeSignedVarint, writeSize64, and writeString are the
// golden encoder counterparts of varint.go's decoders, used only by
// tests to build synthetic attrib content and to exercise section 8's
// decode-then-re-encode round-trip property.
func writeVarint(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func writeSignedVarint(buf *bytes.Buffer, v int64) {
	u := uint64((v << 1) ^ (v >> 63))
	writeVarint(buf, u)
}

func writeSize64(buf *bytes.Buffer, v uint64) {
	writeVarint(buf, v&0xffffffff)
	writeVarint(buf, v>>32)
}

func writeString(buf *bytes.Buffer, s []byte) {
	writeVarint(buf, uint64(len(s)))
	buf.Write(s)
}

// encodeAttribEntry is the golden encoder mirroring decodeOneEntry's
// field order exactly (section 4.4).
func encodeAttribEntry(buf *bytes.Buffer, a FileAttr) {
	writeString(buf, a.Name)

	xattrs := a.Xattrs
	extraCount := 0
	if len(a.ExtraDigests) > 0 {
		extraCount = 1
	}
	writeVarint(buf, uint64(len(xattrs)+extraCount))

	writeVarint(buf, uint64(a.Type))
	writeVarint(buf, a.Mode)
	writeVarint(buf, a.Uid)
	writeVarint(buf, a.Gid)
	writeSize64(buf, a.Size)
	writeSignedVarint(buf, a.Mtime)
	writeVarint(buf, a.Inode)
	writeVarint(buf, a.Compress)
	writeVarint(buf, a.Nlinks)

	switch a.Type {
	case FileTypeHardlink:
		writeString(buf, []byte(a.LinkTarget))
	default:
		writeString(buf, a.Digest.Sum)
	}

	for k, v := range xattrs {
		writeString(buf, []byte(k))
		writeString(buf, v)
	}
	if extraCount > 0 {
		var raw bytes.Buffer
		for _, d := range a.ExtraDigests {
			raw.Write(d.Sum)
		}
		writeString(buf, []byte(xattrExtraDigestsKey))
		writeString(buf, raw.Bytes())
	}
}

// encodeAttrib builds a complete decoded-content byte stream: the
// section 4.4 magic followed by each entry.
func encodeAttrib(entries []FileAttr) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x17, 0xFB, 0x68, 0x79})
	for _, e := range entries {
		encodeAttribEntry(&buf, e)
	}
	return buf.Bytes()
}

// backupPCCompress zlib-compresses data and applies BackupPC's first-
// byte substitution (decompress.go's backupPCAdapter), producing the
// exact on-disk byte layout of a cpool blob.
func backupPCCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(data)
	tassert(t, err == nil, "zlib write: %v", err)
	tassert(t, zw.Close() == nil, "zlib close")
	out := buf.Bytes()
	tassert(t, len(out) > 0, "empty zlib stream")
	tassert(t, out[0] == 0x78, "unexpected zlib header byte %#x", out[0])
	out[0] = 0xd6
	return out
}

// writePoolBlob writes data (already BackupPC-compressed) to topdir's
// cpool at digest d's canonical path, creating parent directories.
func writePoolBlob(t *testing.T, topdir string, d Digest, compressed []byte) {
	t.Helper()
	path, err := locatePool(topdir, d)
	tassert(t, err == nil, "locatePool: %v", err)
	tassert(t, os.MkdirAll(filepath.Dir(path), 0755) == nil, "mkdir")
	tassert(t, os.WriteFile(path, compressed, 0644) == nil, "write blob")
}

// digestOf returns the MD5-based Digest BackupPC would assign to data's
// content, matching spec.md scenario 1's worked example.
func digestOf(data []byte) Digest {
	sum := md5.Sum(data)
	return Digest{Sum: sum[:]}
}

// writeAttribFile writes entries as an inline (uncompressed) attrib
// file directly at diskPath (section 6.2's non-indirection form, which
// loadAttribFromDisk recognizes by the content magic alone).
func writeAttribFile(t *testing.T, diskPath string, entries []FileAttr) {
	t.Helper()
	tassert(t, os.MkdirAll(filepath.Dir(diskPath), 0755) == nil, "mkdir")
	tassert(t, os.WriteFile(diskPath, encodeAttrib(entries), 0644) == nil, "write attrib")
}
