// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"fmt"
	"io"
	"io/fs"
	"math"
	"strings"
	"time"

	"github.com/zipcore/zipcore/internal/record"
)

// SizeUnknown marks a pending entry whose uncompressed size cannot be
// determined before the flush streams it.
const SizeUnknown int64 = -1

// winZipAESMarker is the compression method number signalling WinZip
// AES; the real method hides in the 0x9901 extra field.
const winZipAESMarker = 99

// latestZipVersion is the ZIP specification version stamped into
// version-made-by (6.3).
const latestZipVersion uint16 = 63

// Unix file type bits carried in the high half of external attributes.
const (
	sIFMT  = 0xf000
	sIFDIR = 0x4000
	sIFREG = 0x8000
	sIFLNK = 0xa000
)

// entryParams is the persisted slice of Parameters: how the entry's
// payload is (or will be) encoded on disk.
type entryParams struct {
	method     CompressionMethod
	level      CompressionLevel
	encryption EncryptionMethod
	strength   AESKeyStrength
	aesVersion uint16 // record.AESVersion1 or 2, AES entries only
	password   string
}

// storedRange locates an entry's bytes inside the backing store. Flat
// offsets address the concatenation of all volumes; the (disk, offset)
// pair is what the central directory records for split archives.
type storedRange struct {
	diskStart    uint32
	offsetInDisk uint64
	headerOffset int64 // flat
	flags        uint16
	wireName     string // name inside the on-disk local header
}

// Entry is one file or directory slot in an archive's central
// directory. Entries are owned by the archive; an Entry obtained from a
// closed archive, or one that has been removed, fails all operations.
type Entry struct {
	arch *Archive

	name    string // forward-slash path, no trailing slash
	isDir   bool
	mode    fs.FileMode
	modTime time.Time
	comment string

	crc32            uint32
	compressedSize   int64
	uncompressedSize int64

	params entryParams
	extra  map[uint16][]byte

	// stored is set when the payload lives in the backing store.
	stored bool
	loc    storedRange

	// pending source for entries added but not yet flushed.
	source     func() (io.ReadCloser, error)
	sourceSize int64

	removed bool
}

// Name returns the entry's path within the archive.
func (e *Entry) Name() string { return e.name }

// IsDir reports whether the entry is a directory slot.
func (e *Entry) IsDir() bool { return e.isDir }

// Mode returns the entry's permission and type bits.
func (e *Entry) Mode() fs.FileMode { return e.mode }

// Size returns the uncompressed size, or SizeUnknown for a pending
// entry that has not been flushed yet.
func (e *Entry) Size() int64 { return e.uncompressedSize }

// CompressedSize returns the stored payload size including encryption
// framing. Zero until a pending entry is flushed.
func (e *Entry) CompressedSize() int64 { return e.compressedSize }

// CRC32 returns the checksum of the uncompressed content. AE-2 entries
// store zero by design.
func (e *Entry) CRC32() uint32 { return e.crc32 }

// ModTime returns the last-modified time at DOS two-second precision.
func (e *Entry) ModTime() time.Time { return e.modTime }

// Comment returns the entry's directory comment.
func (e *Entry) Comment() string { return e.comment }

// IsEncrypted reports whether the payload is password protected.
func (e *Entry) IsEncrypted() bool { return e.params.encryption != NotEncrypted }

// CompressionMethod returns the real compression method (behind the AES
// marker for encrypted entries).
func (e *Entry) CompressionMethod() CompressionMethod { return e.params.method }

// EncryptionMethod returns the entry's encryption scheme.
func (e *Entry) EncryptionMethod() EncryptionMethod { return e.params.encryption }

// AESKeyStrength returns the key strength of an AES entry, zero
// otherwise.
func (e *Entry) AESKeyStrength() AESKeyStrength {
	if e.params.encryption != AES {
		return 0
	}
	return e.params.strength
}

// headerName is the name as written into ZIP headers: directories carry
// a trailing slash.
func (e *Entry) headerName() string {
	if e.isDir {
		return e.name + "/"
	}
	return e.name
}

func (e *Entry) requiresZip64() bool {
	return e.compressedSize > math.MaxUint32 || e.uncompressedSize > math.MaxUint32
}

// checkLive verifies both the entry and the owning archive, under the
// archive lock held by the caller.
func (e *Entry) checkLive() error {
	if e.removed {
		return fmt.Errorf("%w: %s", ErrEntryRemoved, e.name)
	}
	if e.arch == nil || e.arch.closed {
		return ErrClosed
	}
	return nil
}

// headerBuilder assembles ZIP records from entry metadata. streamed
// sets bit 3 (sizes follow in a data descriptor); pending zeroes the
// size and checksum fields because they are not known yet; forceZip64
// reserves Zip64 width for an entry whose final sizes may overflow.
type headerBuilder struct {
	e          *Entry
	streamed   bool
	pending    bool
	forceZip64 bool
}

func (b headerBuilder) localHeader() record.LocalFileHeader {
	dosDate, dosTime := timeToDOS(b.e.modTime)
	hdr := record.LocalFileHeader{
		VersionNeededToExtract: b.versionNeeded(),
		GeneralPurposeBitFlag:  b.bitFlag(),
		CompressionMethod:      b.wireMethod(),
		LastModFileTime:        dosTime,
		LastModFileDate:        dosDate,
		Filename:               b.e.headerName(),
		ExtraField:             b.localExtra(),
	}
	if !b.pending {
		hdr.CRC32 = b.wireCRC()
		hdr.CompressedSize = uint32(min(math.MaxUint32, b.e.compressedSize))
		hdr.UncompressedSize = uint32(min(math.MaxUint32, b.e.uncompressedSize))
	}
	return hdr
}

func (b headerBuilder) centralDirEntry(diskStart uint32, offsetInDisk uint64) record.CentralDirEntry {
	dosDate, dosTime := timeToDOS(b.e.modTime)

	extra := make(map[uint16][]byte, len(b.e.extra)+2)
	for tag, field := range b.e.extra {
		if tag == record.Zip64ExtraTag || tag == record.AESExtraTag {
			continue // rebuilt below from current metadata
		}
		extra[tag] = field
	}

	offset32 := uint32(min(math.MaxUint32, int64(offsetInDisk)))
	disk16 := uint16(min(record.Max16, int(diskStart)))

	if b.e.requiresZip64() || offsetInDisk > math.MaxUint32 || diskStart > math.MaxUint16 {
		z := record.Zip64Extra{}
		if b.e.uncompressedSize > math.MaxUint32 {
			z.UncompressedSize = uint64(b.e.uncompressedSize)
			z.HasUncompressedSize = true
		}
		if b.e.compressedSize > math.MaxUint32 {
			z.CompressedSize = uint64(b.e.compressedSize)
			z.HasCompressedSize = true
		}
		if offsetInDisk > math.MaxUint32 {
			z.LocalHeaderOffset = offsetInDisk
			z.HasLocalHeaderOffset = true
			offset32 = math.MaxUint32
		}
		if diskStart > math.MaxUint16 {
			z.DiskNumberStart = diskStart
			z.HasDiskNumberStart = true
			disk16 = math.MaxUint16
		}
		extra[record.Zip64ExtraTag] = z.Encode()
	}
	if b.e.params.encryption == AES {
		extra[record.AESExtraTag] = b.aesExtra()
	}

	return record.CentralDirEntry{
		VersionMadeBy:          uint16(hostSystemUnix)<<8 | latestZipVersion,
		VersionNeededToExtract: b.versionNeeded(),
		GeneralPurposeBitFlag:  b.bitFlag(),
		CompressionMethod:      b.wireMethod(),
		LastModFileTime:        dosTime,
		LastModFileDate:        dosDate,
		CRC32:                  b.wireCRC(),
		CompressedSize:         uint32(min(math.MaxUint32, b.e.compressedSize)),
		UncompressedSize:       uint32(min(math.MaxUint32, b.e.uncompressedSize)),
		DiskNumberStart:        disk16,
		ExternalFileAttributes: b.externalAttributes(),
		LocalHeaderOffset:      offset32,
		Filename:               b.e.headerName(),
		ExtraField:             extra,
		Comment:                b.e.comment,
	}
}

func (b headerBuilder) versionNeeded() uint16 {
	switch {
	case b.e.params.encryption == AES:
		return 51
	case b.forceZip64, b.e.requiresZip64():
		return 45
	case b.e.params.method == Deflate,
		b.e.isDir,
		strings.Contains(b.e.name, "/"),
		b.e.params.encryption == ZipCrypto:
		return 20
	default:
		return 10
	}
}

func (b headerBuilder) bitFlag() uint16 {
	var flag uint16
	if b.e.params.encryption != NotEncrypted {
		flag |= 0x1
	}
	if b.streamed {
		flag |= 0x8
	}
	// Bit 11: names and comments are UTF-8. Go strings always are.
	flag |= 0x800
	return flag
}

func (b headerBuilder) wireMethod() uint16 {
	if b.e.params.encryption == AES {
		return winZipAESMarker
	}
	return uint16(b.e.params.method)
}

// wireCRC zeroes the checksum for AE-2 entries; the HMAC authenticates
// the payload instead.
func (b headerBuilder) wireCRC() uint32 {
	if b.e.params.encryption == AES && b.e.params.aesVersion == record.AESVersion2 {
		return 0
	}
	return b.e.crc32
}

func (b headerBuilder) aesExtra() []byte {
	return record.AESExtra{
		Version:  b.e.params.aesVersion,
		Strength: b.e.params.strength.strengthByte(),
		Method:   uint16(b.e.params.method),
	}.Encode()
}

// localExtra lays out the local extra field. When present, the Zip64
// block always comes first so its size fields sit at a fixed offset
// from the header for in-place patching.
func (b headerBuilder) localExtra() []byte {
	var buf []byte
	switch {
	case b.forceZip64:
		buf = append(buf, record.EncodeZip64LocalExtra(0, 0)...)
	case b.e.uncompressedSize > math.MaxUint32 || b.e.compressedSize > math.MaxUint32:
		buf = append(buf, record.EncodeZip64LocalExtra(
			uint64(b.e.uncompressedSize), uint64(b.e.compressedSize))...)
	}
	if b.e.params.encryption == AES {
		buf = append(buf, b.aesExtra()...)
	}
	return buf
}

func (b headerBuilder) externalAttributes() uint32 {
	mode := uint32(b.e.mode & fs.ModePerm)
	switch {
	case b.e.isDir:
		mode |= sIFDIR
	case b.e.mode&fs.ModeSymlink != 0:
		mode |= sIFLNK
	default:
		mode |= sIFREG
	}
	attrs := mode << 16
	if b.e.isDir {
		attrs |= 0x10 // DOS directory bit for non-Unix readers
	}
	return attrs
}
