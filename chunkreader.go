package bpcpool

import (
	"bytes"
	"io"
	"os"
	"sync"

	humanize "github.com/dustin/go-humanize"
	. "github.com/stevegt/goadapt"
)

// defaultChunkSize is BackupPC's default uncompressed chunk window
// (section 3: "fixed-size windows (default 1 MiB uncompressed)").
const defaultChunkSize = 1 << 20

// maxPoolVariants bounds the _0, _1, ... probe described in section
// 4.3's tie-break rule; real pools rarely carry more than a handful of
// collision variants for the same digest.
const maxPoolVariants = 64

// openPoolVariant tries successive extension-counter variants of digest
// until one opens, per section 4.3's tie-break policy ("the first
// openable one is used"). It returns the opened file; which variant
// was used is not reported.
func openPoolVariant(topdir string, d Digest) (f *os.File, err error) {
	defer Return(&err)
	var lastErr error
	for ext := 0; ext < maxPoolVariants; ext++ {
		path, perr := locatePool(topdir, d.WithExt(ext))
		Ck(perr)
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		lastErr = err
		if !os.IsNotExist(err) {
			// a permission or I/O error on an existing path is not a
			// missing-variant signal; surface it directly rather than
			// probing further.
			return nil, err
		}
	}
	return nil, newErr(KindMissingBlob, d.Hex(), lastErr)
}

// decompressDigest fully decompresses one pool blob and returns its
// bytes. Used both by the attrib loader's sequential reader and by the
// File Reader's per-chunk decompression (section 4.3 point 1: the
// lazy chunk table is built by actually decompressing each chunk, since
// uncompressed sizes aren't known ahead of time).
func decompressDigest(topdir string, d Digest) (data []byte, err error) {
	defer Return(&err)
	f, err := openPoolVariant(topdir, d)
	Ck(err)
	defer f.Close()
	dec, err := NewDecompressor(f)
	Ck(err)
	defer dec.Close()
	data, err = io.ReadAll(dec)
	Ck(err)
	return
}

// sequentialPoolReader concatenates the decompressed bytes of a digest
// chain, forward-only, for callers (the attrib decoder) that never need
// random access.
type sequentialPoolReader struct {
	topdir  string
	digests []Digest
	idx     int
	cur     io.Reader
}

func newSequentialPoolReader(topdir string, digests []Digest) (r *sequentialPoolReader, err error) {
	r = &sequentialPoolReader{topdir: topdir, digests: digests}
	return
}

func (r *sequentialPoolReader) Read(buf []byte) (n int, err error) {
	for {
		if r.cur == nil {
			if r.idx >= len(r.digests) {
				return 0, io.EOF
			}
			data, derr := decompressDigest(r.topdir, r.digests[r.idx])
			if derr != nil {
				return 0, derr
			}
			r.idx++
			r.cur = bytes.NewReader(data)
		}
		n, err = r.cur.Read(buf)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			r.cur = nil
			continue
		}
		return n, err
	}
}

func (r *sequentialPoolReader) Close() error { return nil }

// handleState implements the File Reader handle state machine of
// section 4.7.
type handleState int

const (
	stateFresh handleState = iota
	statePartiallyMapped
	stateFullyMapped
	stateClosed
)

// ReadHandle is the section 4.3/6.4 File Reader handle: open(baseDigest,
// totalSize, extensionDigests[]) -> Handle; read(handle, offset, length)
// -> bytes. A ReadHandle is never safe for parallel use (section 5); its
// chunk table and window cache are mutated on every read.
type ReadHandle struct {
	topdir    string
	digests   []Digest
	totalSize int64

	mu          sync.Mutex
	state       handleState
	chunkStarts []int64 // chunkStarts[i] is the logical offset of chunk i; len == opened+1
	windows     *windowCache
}

// OpenFile builds a ReadHandle over a logical file's digest chain
// (section 4.3 point 1: "base, then each extension in order").
func OpenFile(topdir string, baseDigest Digest, totalSize uint64, extensions []Digest) (h *ReadHandle, err error) {
	defer Return(&err)
	digests := append([]Digest{baseDigest}, extensions...)
	wc, err := newWindowCache(defaultWindowCacheSize)
	Ck(err)
	h = &ReadHandle{
		topdir:      topdir,
		digests:     digests,
		totalSize:   int64(totalSize),
		state:       stateFresh,
		chunkStarts: []int64{0},
		windows:     wc,
	}
	return
}

// Close releases the handle's cached windows. Reads after Close fail
// with UseAfterClose (section 4.7).
func (h *ReadHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = stateClosed
	h.windows = nil
	return nil
}

// chunkBytes returns the fully decompressed bytes of chunk idx,
// extending the lazy chunk table (section 4.3 point 1) if idx is the
// next unopened chunk. Callers must hold h.mu.
func (h *ReadHandle) chunkBytes(idx int) (data []byte, err error) {
	defer Return(&err)
	if cached, ok := h.windows.get(idx); ok {
		return cached, nil
	}
	if idx < len(h.chunkStarts)-1 {
		// already mapped, but evicted from the window cache
		data, err = decompressDigest(h.topdir, h.digests[idx])
		Ck(err)
		h.windows.put(idx, data)
		return data, nil
	}
	Assert(idx == len(h.chunkStarts)-1,
		"chunk table is only extended sequentially: want idx %d, have %d chunks open",
		idx, len(h.chunkStarts)-1)
	if idx >= len(h.digests) {
		return nil, io.EOF
	}

	data, err = decompressDigest(h.topdir, h.digests[idx])
	Ck(err)

	isLast := idx == len(h.digests)-1
	if !isLast && int64(len(data)) != defaultChunkSize {
		return nil, wrapf(KindCorruptBlob, h.digests[idx].Hex(), nil,
			"chunk %d decoded to %s, expected exactly %s",
			idx, humanize.Bytes(uint64(len(data))), humanize.Bytes(defaultChunkSize))
	}
	if int64(len(data)) > defaultChunkSize {
		return nil, wrapf(KindCorruptBlob, h.digests[idx].Hex(), nil,
			"chunk %d decoded to %s, exceeding the %s chunk window",
			idx, humanize.Bytes(uint64(len(data))), humanize.Bytes(defaultChunkSize))
	}

	h.chunkStarts = append(h.chunkStarts, h.chunkStarts[idx]+int64(len(data)))
	h.windows.put(idx, data)
	return data, nil
}

// ensureMapped extends the chunk table until it covers logical offset
// end, or every digest has been opened.
func (h *ReadHandle) ensureMapped(end int64) (err error) {
	defer Return(&err)
	for h.chunkStarts[len(h.chunkStarts)-1] < end {
		idx := len(h.chunkStarts) - 1
		if idx >= len(h.digests) {
			break
		}
		_, err = h.chunkBytes(idx)
		if err == io.EOF {
			break
		}
		Ck(err)
	}
	return
}

// Read returns the logical bytes in [offset, offset+length) (section
// 4.3 points 2-3), decompressing and caching chunks as needed.
func (h *ReadHandle) Read(offset int64, length int) (out []byte, err error) {
	defer Return(&err)
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == stateClosed {
		return nil, newErr(KindUseAfterClose, "", nil)
	}
	if h.state == stateFresh {
		h.state = statePartiallyMapped
	}

	want := offset + int64(length)
	err = h.ensureMapped(want)
	Ck(err)

	mapped := h.chunkStarts[len(h.chunkStarts)-1]
	if mapped >= h.totalSize {
		h.state = stateFullyMapped
	}

	if offset > mapped {
		offset = mapped
	}
	out = make([]byte, 0, length)
	remaining := length
	pos := offset
	for remaining > 0 && pos < mapped {
		idx, chunkOff := h.locate(pos)
		data, cerr := h.chunkBytes(idx)
		Ck(cerr)
		avail := len(data) - chunkOff
		n := remaining
		if n > avail {
			n = avail
		}
		out = append(out, data[chunkOff:chunkOff+n]...)
		pos += int64(n)
		remaining -= n
	}

	chainExhausted := len(h.chunkStarts)-1 >= len(h.digests)
	if remaining > 0 && chainExhausted && mapped < h.totalSize {
		return out, wrapf(KindTruncatedPool, "", nil,
			"logical file produced %s, expected %s",
			humanize.Bytes(uint64(mapped)), humanize.Bytes(uint64(h.totalSize)))
	}
	return out, nil
}

// locate finds which already-opened chunk covers logical offset pos,
// and the byte offset within that chunk. Callers must hold h.mu and
// have already called ensureMapped past pos.
func (h *ReadHandle) locate(pos int64) (idx int, chunkOff int) {
	for i := 0; i < len(h.chunkStarts)-1; i++ {
		if pos >= h.chunkStarts[i] && pos < h.chunkStarts[i+1] {
			return i, int(pos - h.chunkStarts[i])
		}
	}
	// pos == end of last opened chunk (length 0 request at EOF)
	last := len(h.chunkStarts) - 2
	if last < 0 {
		last = 0
	}
	return last, 0
}
