package bpcpool

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	. "github.com/stevegt/goadapt"
)

// Digest identifies a BackupPC pool blob: the content hash (16 bytes
// MD5 for BackupPC v4) plus an extension counter disambiguating
// hash-bucket collisions. The on-disk filename is the lowercase hex of
// Sum, optionally followed by "_<Ext>" for the Ext'th collision.
type Digest struct {
	Sum []byte
	Ext int
}

// NewDigest parses a hex-encoded digest string, such as the name of a
// pool blob file. Attrib records and the attrib-indirection header
// carry raw digest bytes instead and are stored in Sum directly.
func NewDigest(hexSum string) (d Digest, err error) {
	defer Return(&err)
	sum, err := hex.DecodeString(hexSum)
	Ck(err)
	d = Digest{Sum: sum}
	return
}

// Hex returns the lowercase hex encoding of the digest's content hash,
// without any collision suffix.
func (d Digest) Hex() string {
	return hex.EncodeToString(d.Sum)
}

// WithExt returns a copy of the digest with a different extension
// counter, used by the File Reader to probe _0, _1, ... variants.
func (d Digest) WithExt(ext int) Digest {
	return Digest{Sum: d.Sum, Ext: ext}
}

// IsZero reports whether the digest carries no content hash, as seen
// on attrib entries that are neither files nor directories (symlinks,
// devices, deleted markers).
func (d Digest) IsZero() bool {
	return len(d.Sum) == 0
}

// poolDir is the only pool-directory variant this engine reads.
// BackupPC's uncompressed "pool" layout is a non-goal (section 1): it
// is never probed, so a digest stored only there is reported as
// MissingBlob, and no operation returns UnsupportedFormat for it.
const poolDir = "cpool"

// locatePool returns the candidate absolute path for digest d within
// topdir's compressed pool, per section 4.1: topdir/cpool/h0/h1/h2/hex[_n].
// It is a pure function of topdir and the digest; it never touches the
// filesystem, and it never inspects blob content — callers probe
// successive extension counters until one opens (section 4.3's
// tie-break rule).
func locatePool(topdir string, d Digest) (path string, err error) {
	defer Return(&err)
	hexSum := d.Hex()
	Assert(len(hexSum) >= 6, "digest too short: %s", hexSum)

	name := hexSum
	if d.Ext > 0 {
		name = fmt.Sprintf("%s_%d", hexSum, d.Ext)
	}

	path = filepath.Join(topdir, poolDir,
		hexSum[0:2], hexSum[2:4], hexSum[4:6], name)
	return
}
