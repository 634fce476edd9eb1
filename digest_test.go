package bpcpool

import (
	"testing"
)

func TestNewDigestHex(t *testing.T) {
	d, err := NewDigest("5d41402abc4b2a76b9719d911017c592")
	tassert(t, err == nil, "NewDigest: %v", err)
	tassert(t, d.Hex() == "5d41402abc4b2a76b9719d911017c592", "got %s", d.Hex())
	tassert(t, len(d.Sum) == 16, "expected 16 bytes, got %d", len(d.Sum))
}

func TestLocatePoolLayout(t *testing.T) {
	d, err := NewDigest("5d41402abc4b2a76b9719d911017c592")
	tassert(t, err == nil, "NewDigest: %v", err)

	path, err := locatePool("/pool", d)
	tassert(t, err == nil, "locatePool: %v", err)
	tassert(t, path == "/pool/cpool/5d/41/40/5d41402abc4b2a76b9719d911017c592",
		"got %s", path)

	path, err = locatePool("/pool", d.WithExt(2))
	tassert(t, err == nil, "locatePool: %v", err)
	tassert(t, path == "/pool/cpool/5d/41/40/5d41402abc4b2a76b9719d911017c592_2",
		"got %s", path)
}

func TestDigestIsZero(t *testing.T) {
	var d Digest
	tassert(t, d.IsZero(), "zero-value digest should report IsZero")
	d2 := digestOf([]byte("hello"))
	tassert(t, !d2.IsZero(), "non-empty digest should not report IsZero")
}
