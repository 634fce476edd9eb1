package bpcpool

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a failure returned by this package, per the
// error taxonomy of the engine's design: every fallible operation
// returns one of these wrapped in an error value, never a panic.
type ErrorKind int

const (
	// KindNotFound means a host, backup, or path does not exist.
	KindNotFound ErrorKind = iota
	// KindMissingBlob means a digest is known but no pool file opens for it.
	KindMissingBlob
	// KindCorruptAttrib means an attrib file violated its binary format.
	KindCorruptAttrib
	// KindCorruptBlob means a pool blob's compressed stream is malformed.
	KindCorruptBlob
	// KindCorruptIndex means a host's backups index is malformed beyond
	// a single skippable line.
	KindCorruptIndex
	// KindTruncatedPool means a logical file's chunks produced fewer
	// bytes than its recorded size promised.
	KindTruncatedPool
	// KindUnsupportedFormat means the pool uses a layout this engine
	// does not read (e.g. BackupPC v3, or an uncompressed pool).
	KindUnsupportedFormat
	// KindUseAfterClose means a read handle was used after Close.
	KindUseAfterClose
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindMissingBlob:
		return "MissingBlob"
	case KindCorruptAttrib:
		return "CorruptAttrib"
	case KindCorruptBlob:
		return "CorruptBlob"
	case KindCorruptIndex:
		return "CorruptIndex"
	case KindTruncatedPool:
		return "TruncatedPool"
	case KindUnsupportedFormat:
		return "UnsupportedFormat"
	case KindUseAfterClose:
		return "UseAfterClose"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the concrete error type returned by this package's exported
// functions. IoError from spec is represented by wrapping an underlying
// *os.PathError or similar with one of the Kind* sentinels below when
// the cause is known, or left unwrapped (bare io/os error) otherwise.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, bpcpool.NotFound) against a sentinel built
// with newErr(kind, "", nil).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func newErr(kind ErrorKind, path string, cause error) *Error {
	return &Error{Kind: kind, Path: path, Err: cause}
}

// wrapf builds an *Error with a formatted wrapped cause, preserving the
// original error via github.com/pkg/errors so %+v callers still get a
// stack trace from the original failure site. errors.Wrapf returns nil
// when cause is nil, which would otherwise silently drop the formatted
// message for the many validation failures raised with no underlying
// error (a bad magic number, an oversized count); errors.Errorf builds
// the message directly in that case instead.
func wrapf(kind ErrorKind, path string, cause error, format string, args ...interface{}) *Error {
	var wrapped error
	if cause == nil {
		wrapped = errors.Errorf(format, args...)
	} else {
		wrapped = errors.Wrapf(cause, format, args...)
	}
	return &Error{Kind: kind, Path: path, Err: wrapped}
}

// Sentinel errors for errors.Is comparisons against a bare kind, e.g.
// errors.Is(err, bpcpool.NotFound).
var (
	NotFound          = newErr(KindNotFound, "", nil)
	MissingBlob       = newErr(KindMissingBlob, "", nil)
	CorruptAttrib     = newErr(KindCorruptAttrib, "", nil)
	CorruptBlob       = newErr(KindCorruptBlob, "", nil)
	CorruptIndex      = newErr(KindCorruptIndex, "", nil)
	TruncatedPool     = newErr(KindTruncatedPool, "", nil)
	UnsupportedFormat = newErr(KindUnsupportedFormat, "", nil)
	UseAfterClose     = newErr(KindUseAfterClose, "", nil)
)
