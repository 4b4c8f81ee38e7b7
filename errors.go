package zipcore

import (
	"errors"

	"github.com/zipcore/zipcore/internal/record"
)

var (
	// ErrFormat is returned when the input is not a valid ZIP archive.
	ErrFormat = record.ErrFormat

	// ErrTruncated is returned when the archive ends inside a record.
	ErrTruncated = record.ErrTruncated

	// ErrUnsupported is returned for ZIP features, compression or
	// encryption methods the engine does not implement.
	ErrUnsupported = record.ErrUnsupported

	// ErrClosed is returned by any operation on a closed archive, or on
	// an entry or stream whose owning archive has been closed.
	ErrClosed = errors.New("zip: archive is closed")

	// ErrEntryNotFound is returned when the requested entry is not in
	// the central directory.
	ErrEntryNotFound = errors.New("zip: entry not found")

	// ErrEntryRemoved is returned when an entry handle is used after the
	// entry was removed from its archive.
	ErrEntryRemoved = errors.New("zip: entry was removed")

	// ErrPasswordMismatch is returned when the provided password fails
	// the cheap verification check, before any plaintext is produced.
	ErrPasswordMismatch = errors.New("zip: invalid password")

	// ErrAuthentication is returned when the WinZip AES MAC over the
	// ciphertext does not verify. CTR mode has no tamper detection of
	// its own, so this failure is terminal even if decompression
	// appeared to succeed.
	ErrAuthentication = errors.New("zip: aes authentication failed")

	// ErrChecksum is returned when decompressed data does not match the
	// stored CRC-32.
	ErrChecksum = errors.New("zip: checksum error")

	// ErrSizeMismatch is returned when the uncompressed size does not
	// match the directory record.
	ErrSizeMismatch = errors.New("zip: uncompressed size mismatch")

	// ErrDuplicateEntry is returned when adding a name that already
	// exists and overwrite was not requested.
	ErrDuplicateEntry = errors.New("zip: duplicate entry name")

	// ErrInvalidParameter is returned for out-of-range or inconsistent
	// parameters.
	ErrInvalidParameter = errors.New("zip: invalid parameter")

	// ErrCancelled is returned by an operation abandoned through its
	// progress monitor. The in-flight entry is always finished first.
	ErrCancelled = errors.New("zip: operation cancelled")

	// ErrInsecurePath is returned when an entry path escapes the
	// extraction root (Zip Slip).
	ErrInsecurePath = errors.New("zip: insecure file path")

	// ErrNotSplit is returned by split-archive operations on an archive
	// that is not split.
	ErrNotSplit = errors.New("zip: not a split archive")

	// ErrFilenameTooLong is returned when a name exceeds 65535 bytes.
	ErrFilenameTooLong = errors.New("zip: filename too long")

	// ErrCommentTooLong is returned when a comment exceeds 65535 bytes.
	ErrCommentTooLong = errors.New("zip: comment too long")
)
