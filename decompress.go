package bpcpool

import (
	"bufio"
	"io"

	"github.com/klauspost/compress/zlib"
	. "github.com/stevegt/goadapt"
)

// zlibMagic is the first byte of a standard zlib stream with the
// default compression level (CMF=0x78). BackupPC rewrites this byte on
// disk; see backupPCAdapter below.
const zlibMagic = 0x78

// backupPCAdapter fixes up the first byte of a BackupPC cpool blob
// before handing it to a zlib reader. BackupPC's own compression layer
// swaps the first byte of the zlib stream: 0xd6 or 0xd7 in place of the
// standard 0x78 header byte, and 0xb3 to mean "empty stream" (no
// content at all, not even an empty deflate block). This is not
// documented in BackupPC's own format notes; it is preserved here from
// _examples/original_source/src/compress.rs, the reference
// implementation this package's behavior was checked against.
type backupPCAdapter struct {
	r     *bufio.Reader
	first bool
	empty bool
}

// newBackupPCAdapter peeks the blob's first byte up front so the empty
// (0xb3) case can be recognized before a zlib reader ever tries to
// parse a header out of it.
func newBackupPCAdapter(r io.Reader) (a *backupPCAdapter, err error) {
	defer Return(&err)
	a = &backupPCAdapter{r: bufio.NewReader(r), first: true}
	head, peekErr := a.r.Peek(1)
	if peekErr != nil {
		// Nothing at all in the blob; treat like the explicit
		// empty-stream marker.
		a.empty = true
		return
	}
	if head[0] == 0xb3 {
		a.r.Discard(1)
		a.empty = true
	}
	return
}

func (a *backupPCAdapter) Read(buf []byte) (n int, err error) {
	if a.empty {
		return 0, io.EOF
	}
	n, err = a.r.Read(buf)
	if a.first && n > 0 {
		a.first = false
		if buf[0] == 0xd6 || buf[0] == 0xd7 {
			buf[0] = zlibMagic
		}
	}
	return
}

// ReadByte makes backupPCAdapter satisfy io.ByteReader, which
// compress/flate's reader detects and relies on to read directly from
// a.r instead of wrapping the adapter in a second bufio.Reader of its
// own. Without this, flate would buffer ahead into bytes belonging to
// a second, concatenated deflate stream, and those bytes would be lost
// the moment this stream's flate.Reader is discarded in startStream.
func (a *backupPCAdapter) ReadByte() (b byte, err error) {
	if a.empty {
		return 0, io.EOF
	}
	b, err = a.r.ReadByte()
	if err != nil {
		return b, err
	}
	if a.first {
		a.first = false
		if b == 0xd6 || b == 0xd7 {
			b = zlibMagic
		}
	}
	return b, nil
}

// remaining reports whether the adapter's underlying reader still has
// unread bytes, used to detect a concatenated deflate stream (section
// 4.2: BackupPC appends additional deflate chunks for file extensions
// within the same blob in some configurations).
func (a *backupPCAdapter) remaining() bool {
	_, err := a.r.Peek(1)
	return err == nil
}

// Decompressor streams the decompressed bytes of one pool blob. It is
// forward-only except for Discard, which implements the "seek" BackupPC
// pool blobs support: since zlib is not random-access, moving forward
// discards decompressed bytes rather than truly seeking.
//
// A Decompressor is owned by a single File Reader handle and must not
// be shared across goroutines (section 5).
type Decompressor struct {
	src     io.Reader
	adapter *backupPCAdapter
	zr      io.ReadCloser
	pos     int64
	closed  bool
}

// NewDecompressor wraps an open file handle positioned at the start of
// a compressed pool blob.
func NewDecompressor(src io.Reader) (d *Decompressor, err error) {
	defer Return(&err)
	d = &Decompressor{src: src}
	err = d.startStream()
	Ck(err)
	return
}

// startStream (re)establishes the flate/zlib decoder on top of the
// Decompressor's one underlying buffered reader. The first call builds
// that adapter (over d.src); every later call -- section 4.2's
// concatenated-deflate-stream case -- reuses the same d.adapter rather
// than wrapping d.src in a fresh bufio.Reader, which would silently
// discard whatever of the next stream's bytes the first bufio.Reader
// had already buffered ahead. Each embedded stream carries its own
// BackupPC header-byte substitution, so a restart re-arms d.adapter.first
// rather than leaving it cleared from the first stream, matching
// original_source/src/compress.rs's InterpretAdapter::reset.
func (d *Decompressor) startStream() (err error) {
	defer Return(&err)
	if d.adapter == nil {
		adapter, aerr := newBackupPCAdapter(d.src)
		Ck(aerr)
		d.adapter = adapter
	} else {
		d.adapter.first = true
	}
	if d.adapter.empty {
		d.zr = io.NopCloser(new(emptyReader))
		return
	}
	zr, err := zlib.NewReader(d.adapter)
	if err != nil {
		return wrapf(KindCorruptBlob, "", err, "zlib header")
	}
	d.zr = zr
	return
}

// emptyReader is an io.Reader that immediately reports EOF, standing in
// for BackupPC's explicit empty-blob marker (0xb3) or a zero-length
// file on disk.
type emptyReader struct{}

func (*emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

// Read implements io.Reader, transparently restarting the zlib decoder
// when one concatenated deflate stream ends but the underlying blob has
// more bytes (section 4.2).
func (d *Decompressor) Read(buf []byte) (n int, err error) {
	defer Return(&err)
	if d.closed {
		return 0, newErr(KindUseAfterClose, "", nil)
	}
	for {
		n, err = d.zr.Read(buf)
		if n > 0 {
			d.pos += int64(n)
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, wrapf(KindCorruptBlob, "", err, "deflate stream")
		}
		// zlib stream ended; if more bytes remain in the blob, BackupPC
		// has chained another deflate stream onto this one.
		if !d.adapter.remaining() {
			return 0, io.EOF
		}
		d.zr.Close()
		err = d.startStream()
		Ck(err)
	}
}

// Discard advances the logical stream by n bytes, decompressing and
// throwing away the bytes in between. It implements the "seek forward"
// contract of section 4.2.
func (d *Decompressor) Discard(n int64) (err error) {
	defer Return(&err)
	buf := make([]byte, 32*1024)
	for n > 0 {
		want := int64(len(buf))
		if n < want {
			want = n
		}
		read, rerr := d.Read(buf[:want])
		n -= int64(read)
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return rerr
		}
	}
	return
}

// Pos returns the number of decompressed bytes produced so far.
func (d *Decompressor) Pos() int64 { return d.pos }

// Close releases the zlib decoder. It does not close the underlying
// source; the caller owns that.
func (d *Decompressor) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.zr != nil {
		return d.zr.Close()
	}
	return nil
}
