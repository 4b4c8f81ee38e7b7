// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package record implements the binary ZIP record layer: local file
// headers, central directory headers, end-of-central-directory records
// (classic and Zip64), data descriptors and the split-archive marker.
// All multi-byte fields are little-endian. The package owns no I/O
// beyond the readers and writers handed to it.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
)

// Record signatures. Every ZIP record starts with a two byte "PK"
// marker followed by a record-type pair.
const (
	LocalFileHeaderSignature      uint32 = 0x04034b50
	DataDescriptorSignature       uint32 = 0x08074b50
	CentralDirectorySignature     uint32 = 0x02014b50
	EndOfCentralDirSignature      uint32 = 0x06054b50
	Zip64EndOfCentralDirSignature uint32 = 0x06064b50
	Zip64LocatorSignature         uint32 = 0x07064b50

	// SplitMarkerSignature is written as the first four bytes of the
	// first volume of a split archive. It shares its value with the
	// data descriptor signature; position disambiguates.
	SplitMarkerSignature uint32 = 0x08074b50
)

// Fixed record sizes, excluding variable-length tails.
const (
	LocalFileHeaderLen = 30
	CentralDirEntryLen = 46
	EndOfCentralDirLen = 22
	DataDescriptorLen  = 16 // with signature, 32-bit sizes
	Zip64EndLen        = 56
	Zip64LocatorLen    = 20
	SplitMarkerLen     = 4
)

// Structural decode failures. ErrFormat means the bytes are not a ZIP
// record at all, ErrTruncated means a record ran out of input, and
// ErrUnsupported marks features the engine refuses to guess about.
// Decoders never substitute defaults for malformed input.
var (
	ErrFormat      = errors.New("record: not a valid zip record")
	ErrTruncated   = errors.New("record: truncated record")
	ErrUnsupported = errors.New("record: unsupported feature")
)

// readSignature consumes a four-byte record signature and fails with
// ErrFormat when it does not match want.
func readSignature(src io.Reader, want uint32) error {
	var buf [4]byte
	if err := readFull(src, buf[:]); err != nil {
		return err
	}
	if got := binary.LittleEndian.Uint32(buf[:]); got != want {
		return fmt.Errorf("%w: signature %#010x, want %#010x", ErrFormat, got, want)
	}
	return nil
}

// readFull wraps io.ReadFull so that short reads surface as ErrTruncated
// instead of the ambiguous io.ErrUnexpectedEOF.
func readFull(src io.Reader, buf []byte) error {
	if _, err := io.ReadFull(src, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ErrTruncated
		}
		return err
	}
	return nil
}

type LocalFileHeader struct {
	VersionNeededToExtract uint16
	GeneralPurposeBitFlag  uint16
	CompressionMethod      uint16
	LastModFileTime        uint16
	LastModFileDate        uint16
	CRC32                  uint32
	CompressedSize         uint32
	UncompressedSize       uint32
	Filename               string
	ExtraField             []byte
}

// Encode serializes the header. The declared filename and extra-field
// lengths always equal the written byte counts; re-open depends on it.
func (h LocalFileHeader) Encode() []byte {
	buf := make([]byte, LocalFileHeaderLen+len(h.Filename)+len(h.ExtraField))

	binary.LittleEndian.PutUint32(buf[0:4], LocalFileHeaderSignature)
	binary.LittleEndian.PutUint16(buf[4:6], h.VersionNeededToExtract)
	binary.LittleEndian.PutUint16(buf[6:8], h.GeneralPurposeBitFlag)
	binary.LittleEndian.PutUint16(buf[8:10], h.CompressionMethod)
	binary.LittleEndian.PutUint16(buf[10:12], h.LastModFileTime)
	binary.LittleEndian.PutUint16(buf[12:14], h.LastModFileDate)
	binary.LittleEndian.PutUint32(buf[14:18], h.CRC32)
	binary.LittleEndian.PutUint32(buf[18:22], h.CompressedSize)
	binary.LittleEndian.PutUint32(buf[22:26], h.UncompressedSize)
	binary.LittleEndian.PutUint16(buf[26:28], uint16(len(h.Filename)))
	binary.LittleEndian.PutUint16(buf[28:30], uint16(len(h.ExtraField)))

	copy(buf[30:], h.Filename)
	copy(buf[30+len(h.Filename):], h.ExtraField)

	return buf
}

// ReadLocalFileHeader decodes a local file header, signature included.
func ReadLocalFileHeader(src io.Reader) (LocalFileHeader, error) {
	var buf [LocalFileHeaderLen]byte
	if err := readFull(src, buf[:]); err != nil {
		return LocalFileHeader{}, err
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != LocalFileHeaderSignature {
		return LocalFileHeader{}, fmt.Errorf("%w: bad local file header signature", ErrFormat)
	}

	h := LocalFileHeader{
		VersionNeededToExtract: binary.LittleEndian.Uint16(buf[4:6]),
		GeneralPurposeBitFlag:  binary.LittleEndian.Uint16(buf[6:8]),
		CompressionMethod:      binary.LittleEndian.Uint16(buf[8:10]),
		LastModFileTime:        binary.LittleEndian.Uint16(buf[10:12]),
		LastModFileDate:        binary.LittleEndian.Uint16(buf[12:14]),
		CRC32:                  binary.LittleEndian.Uint32(buf[14:18]),
		CompressedSize:         binary.LittleEndian.Uint32(buf[18:22]),
		UncompressedSize:       binary.LittleEndian.Uint32(buf[22:26]),
	}

	filenameLen := int(binary.LittleEndian.Uint16(buf[26:28]))
	extraLen := int(binary.LittleEndian.Uint16(buf[28:30]))

	if filenameLen > 0 {
		name := make([]byte, filenameLen)
		if err := readFull(src, name); err != nil {
			return LocalFileHeader{}, err
		}
		h.Filename = string(name)
	}
	if extraLen > 0 {
		h.ExtraField = make([]byte, extraLen)
		if err := readFull(src, h.ExtraField); err != nil {
			return LocalFileHeader{}, err
		}
	}

	return h, nil
}

type CentralDirEntry struct {
	VersionMadeBy          uint16
	VersionNeededToExtract uint16
	GeneralPurposeBitFlag  uint16
	CompressionMethod      uint16
	LastModFileTime        uint16
	LastModFileDate        uint16
	CRC32                  uint32
	CompressedSize         uint32
	UncompressedSize       uint32
	DiskNumberStart        uint16
	InternalFileAttributes uint16
	ExternalFileAttributes uint32
	LocalHeaderOffset      uint32
	Filename               string
	ExtraField             map[uint16][]byte
	Comment                string
}

// ReadCentralDirEntry decodes one central directory record. The caller
// must have consumed the 4-byte signature already.
func ReadCentralDirEntry(src io.Reader) (CentralDirEntry, error) {
	var buf [CentralDirEntryLen - 4]byte
	if err := readFull(src, buf[:]); err != nil {
		return CentralDirEntry{}, err
	}

	e := CentralDirEntry{
		VersionMadeBy:          binary.LittleEndian.Uint16(buf[0:2]),
		VersionNeededToExtract: binary.LittleEndian.Uint16(buf[2:4]),
		GeneralPurposeBitFlag:  binary.LittleEndian.Uint16(buf[4:6]),
		CompressionMethod:      binary.LittleEndian.Uint16(buf[6:8]),
		LastModFileTime:        binary.LittleEndian.Uint16(buf[8:10]),
		LastModFileDate:        binary.LittleEndian.Uint16(buf[10:12]),
		CRC32:                  binary.LittleEndian.Uint32(buf[12:16]),
		CompressedSize:         binary.LittleEndian.Uint32(buf[16:20]),
		UncompressedSize:       binary.LittleEndian.Uint32(buf[20:24]),
		DiskNumberStart:        binary.LittleEndian.Uint16(buf[30:32]),
		InternalFileAttributes: binary.LittleEndian.Uint16(buf[32:34]),
		ExternalFileAttributes: binary.LittleEndian.Uint32(buf[34:38]),
		LocalHeaderOffset:      binary.LittleEndian.Uint32(buf[38:42]),
	}

	filenameLen := int(binary.LittleEndian.Uint16(buf[24:26]))
	extraLen := int(binary.LittleEndian.Uint16(buf[26:28]))
	commentLen := int(binary.LittleEndian.Uint16(buf[28:30]))

	if filenameLen > 0 {
		name := make([]byte, filenameLen)
		if err := readFull(src, name); err != nil {
			return CentralDirEntry{}, err
		}
		e.Filename = string(name)
	}
	if extraLen > 0 {
		extra := make([]byte, extraLen)
		if err := readFull(src, extra); err != nil {
			return CentralDirEntry{}, err
		}
		e.ExtraField = ParseExtraField(extra)
	}
	if commentLen > 0 {
		comment := make([]byte, commentLen)
		if err := readFull(src, comment); err != nil {
			return CentralDirEntry{}, err
		}
		e.Comment = string(comment)
	}

	return e, nil
}

func (e CentralDirEntry) extraFieldLength() int {
	var n int
	for _, field := range e.ExtraField {
		n += len(field)
	}
	return n
}

func (e CentralDirEntry) Encode() []byte {
	extraLen := e.extraFieldLength()
	buf := make([]byte, CentralDirEntryLen+len(e.Filename)+extraLen+len(e.Comment))

	binary.LittleEndian.PutUint32(buf[0:4], CentralDirectorySignature)
	binary.LittleEndian.PutUint16(buf[4:6], e.VersionMadeBy)
	binary.LittleEndian.PutUint16(buf[6:8], e.VersionNeededToExtract)
	binary.LittleEndian.PutUint16(buf[8:10], e.GeneralPurposeBitFlag)
	binary.LittleEndian.PutUint16(buf[10:12], e.CompressionMethod)
	binary.LittleEndian.PutUint16(buf[12:14], e.LastModFileTime)
	binary.LittleEndian.PutUint16(buf[14:16], e.LastModFileDate)
	binary.LittleEndian.PutUint32(buf[16:20], e.CRC32)
	binary.LittleEndian.PutUint32(buf[20:24], e.CompressedSize)
	binary.LittleEndian.PutUint32(buf[24:28], e.UncompressedSize)
	binary.LittleEndian.PutUint16(buf[28:30], uint16(len(e.Filename)))
	binary.LittleEndian.PutUint16(buf[30:32], uint16(extraLen))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(len(e.Comment)))
	binary.LittleEndian.PutUint16(buf[34:36], e.DiskNumberStart)
	binary.LittleEndian.PutUint16(buf[36:38], e.InternalFileAttributes)
	binary.LittleEndian.PutUint32(buf[38:42], e.ExternalFileAttributes)
	binary.LittleEndian.PutUint32(buf[42:46], e.LocalHeaderOffset)

	offset := CentralDirEntryLen
	offset += copy(buf[offset:], e.Filename)
	for _, field := range sortedExtraFields(e.ExtraField) {
		offset += copy(buf[offset:], field)
	}
	copy(buf[offset:], e.Comment)

	return buf
}

type EndOfCentralDir struct {
	DiskNumber        uint16
	CDStartDiskNumber uint16
	CDCountOnDisk     uint16
	CDCount           uint16
	CDSize            uint32
	CDOffset          uint32
	Comment           string
}

// NeedsZip64 reports whether any field carries an overflow sentinel and
// the true values live in a Zip64 end record.
func (e EndOfCentralDir) NeedsZip64() bool {
	return e.CDCount == math.MaxUint16 ||
		e.CDOffset == math.MaxUint32 ||
		e.CDSize == math.MaxUint32 ||
		e.DiskNumber == math.MaxUint16
}

// ReadEndOfCentralDir decodes an end-of-central-directory record,
// signature included.
func ReadEndOfCentralDir(src io.Reader) (EndOfCentralDir, error) {
	if err := readSignature(src, EndOfCentralDirSignature); err != nil {
		return EndOfCentralDir{}, err
	}
	var buf [EndOfCentralDirLen - 4]byte
	if err := readFull(src, buf[:]); err != nil {
		return EndOfCentralDir{}, err
	}
	e := EndOfCentralDir{
		DiskNumber:        binary.LittleEndian.Uint16(buf[0:2]),
		CDStartDiskNumber: binary.LittleEndian.Uint16(buf[2:4]),
		CDCountOnDisk:     binary.LittleEndian.Uint16(buf[4:6]),
		CDCount:           binary.LittleEndian.Uint16(buf[6:8]),
		CDSize:            binary.LittleEndian.Uint32(buf[8:12]),
		CDOffset:          binary.LittleEndian.Uint32(buf[12:16]),
	}
	if commentLen := binary.LittleEndian.Uint16(buf[16:18]); commentLen > 0 {
		comment := make([]byte, commentLen)
		if err := readFull(src, comment); err != nil {
			return EndOfCentralDir{}, err
		}
		e.Comment = string(comment)
	}
	return e, nil
}

func (e EndOfCentralDir) Encode() []byte {
	commentLen := min(len(e.Comment), math.MaxUint16)
	buf := make([]byte, EndOfCentralDirLen+commentLen)

	binary.LittleEndian.PutUint32(buf[0:4], EndOfCentralDirSignature)
	binary.LittleEndian.PutUint16(buf[4:6], e.DiskNumber)
	binary.LittleEndian.PutUint16(buf[6:8], e.CDStartDiskNumber)
	binary.LittleEndian.PutUint16(buf[8:10], e.CDCountOnDisk)
	binary.LittleEndian.PutUint16(buf[10:12], e.CDCount)
	binary.LittleEndian.PutUint32(buf[12:16], e.CDSize)
	binary.LittleEndian.PutUint32(buf[16:20], e.CDOffset)
	binary.LittleEndian.PutUint16(buf[20:22], uint16(commentLen))
	copy(buf[22:], e.Comment[:commentLen])

	return buf
}

type Zip64EndOfCentralDir struct {
	Size              uint64
	VersionMadeBy     uint16
	VersionNeeded     uint16
	DiskNumber        uint32
	CDStartDiskNumber uint32
	CDCountOnDisk     uint64
	CDCount           uint64
	CDSize            uint64
	CDOffset          uint64
}

// ReadZip64EndOfCentralDir decodes a Zip64 end record, signature
// included.
func ReadZip64EndOfCentralDir(src io.Reader) (Zip64EndOfCentralDir, error) {
	if err := readSignature(src, Zip64EndOfCentralDirSignature); err != nil {
		return Zip64EndOfCentralDir{}, err
	}
	var buf [Zip64EndLen - 4]byte
	if err := readFull(src, buf[:]); err != nil {
		return Zip64EndOfCentralDir{}, err
	}
	return Zip64EndOfCentralDir{
		Size:              binary.LittleEndian.Uint64(buf[0:8]),
		VersionMadeBy:     binary.LittleEndian.Uint16(buf[8:10]),
		VersionNeeded:     binary.LittleEndian.Uint16(buf[10:12]),
		DiskNumber:        binary.LittleEndian.Uint32(buf[12:16]),
		CDStartDiskNumber: binary.LittleEndian.Uint32(buf[16:20]),
		CDCountOnDisk:     binary.LittleEndian.Uint64(buf[20:28]),
		CDCount:           binary.LittleEndian.Uint64(buf[28:36]),
		CDSize:            binary.LittleEndian.Uint64(buf[36:44]),
		CDOffset:          binary.LittleEndian.Uint64(buf[44:52]),
	}, nil
}

func (e Zip64EndOfCentralDir) Encode() []byte {
	buf := make([]byte, Zip64EndLen)

	binary.LittleEndian.PutUint32(buf[0:4], Zip64EndOfCentralDirSignature)
	binary.LittleEndian.PutUint64(buf[4:12], Zip64EndLen-12) // size of remaining record
	binary.LittleEndian.PutUint16(buf[12:14], e.VersionMadeBy)
	binary.LittleEndian.PutUint16(buf[14:16], e.VersionNeeded)
	binary.LittleEndian.PutUint32(buf[16:20], e.DiskNumber)
	binary.LittleEndian.PutUint32(buf[20:24], e.CDStartDiskNumber)
	binary.LittleEndian.PutUint64(buf[24:32], e.CDCountOnDisk)
	binary.LittleEndian.PutUint64(buf[32:40], e.CDCount)
	binary.LittleEndian.PutUint64(buf[40:48], e.CDSize)
	binary.LittleEndian.PutUint64(buf[48:56], e.CDOffset)

	return buf
}

type Zip64Locator struct {
	Zip64EndDiskNumber uint32
	Zip64EndOffset     uint64
	TotalDisks         uint32
}

// ReadZip64Locator decodes a Zip64 end record locator, signature
// included. A wrong signature fails with ErrFormat, which lets callers
// probe for the locator's optional presence.
func ReadZip64Locator(src io.Reader) (Zip64Locator, error) {
	if err := readSignature(src, Zip64LocatorSignature); err != nil {
		return Zip64Locator{}, err
	}
	var buf [Zip64LocatorLen - 4]byte
	if err := readFull(src, buf[:]); err != nil {
		return Zip64Locator{}, err
	}
	return Zip64Locator{
		Zip64EndDiskNumber: binary.LittleEndian.Uint32(buf[0:4]),
		Zip64EndOffset:     binary.LittleEndian.Uint64(buf[4:12]),
		TotalDisks:         binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

func (l Zip64Locator) Encode() []byte {
	buf := make([]byte, Zip64LocatorLen)

	binary.LittleEndian.PutUint32(buf[0:4], Zip64LocatorSignature)
	binary.LittleEndian.PutUint32(buf[4:8], l.Zip64EndDiskNumber)
	binary.LittleEndian.PutUint64(buf[8:16], l.Zip64EndOffset)
	binary.LittleEndian.PutUint32(buf[16:20], l.TotalDisks)

	return buf
}

// DataDescriptor trails streamed entries whose header was written before
// sizes were known (general purpose bit 3).
type DataDescriptor struct {
	CRC32            uint32
	CompressedSize   uint64
	UncompressedSize uint64
}

// ReadDataDescriptor decodes a descriptor. The leading signature is
// optional per the specification; zip64 selects 64-bit size fields.
func ReadDataDescriptor(src io.Reader, zip64 bool) (DataDescriptor, error) {
	var head [4]byte
	if err := readFull(src, head[:]); err != nil {
		return DataDescriptor{}, err
	}

	crc := binary.LittleEndian.Uint32(head[:])
	if crc == DataDescriptorSignature {
		if err := readFull(src, head[:]); err != nil {
			return DataDescriptor{}, err
		}
		crc = binary.LittleEndian.Uint32(head[:])
	}

	size := 8
	if zip64 {
		size = 16
	}
	buf := make([]byte, size)
	if err := readFull(src, buf); err != nil {
		return DataDescriptor{}, err
	}

	d := DataDescriptor{CRC32: crc}
	if zip64 {
		d.CompressedSize = binary.LittleEndian.Uint64(buf[0:8])
		d.UncompressedSize = binary.LittleEndian.Uint64(buf[8:16])
	} else {
		d.CompressedSize = uint64(binary.LittleEndian.Uint32(buf[0:4]))
		d.UncompressedSize = uint64(binary.LittleEndian.Uint32(buf[4:8]))
	}
	return d, nil
}

// Encode serializes the descriptor with its signature. zip64 selects
// 64-bit size fields; the writer must use the same width the local
// header's extra field announced.
func (d DataDescriptor) Encode(zip64 bool) []byte {
	size := DataDescriptorLen
	if zip64 {
		size += 8
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, DataDescriptorSignature)
	buf = binary.LittleEndian.AppendUint32(buf, d.CRC32)
	if zip64 {
		buf = binary.LittleEndian.AppendUint64(buf, d.CompressedSize)
		buf = binary.LittleEndian.AppendUint64(buf, d.UncompressedSize)
	} else {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(d.CompressedSize))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(d.UncompressedSize))
	}
	return buf
}

// EncodeSplitMarker returns the spanning signature that opens the first
// volume of a split archive.
func EncodeSplitMarker() []byte {
	buf := make([]byte, SplitMarkerLen)
	binary.LittleEndian.PutUint32(buf, SplitMarkerSignature)
	return buf
}

// sortedExtraFields returns extra fields in ascending tag order so that
// encoded output is deterministic.
func sortedExtraFields(extraField map[uint16][]byte) [][]byte {
	if len(extraField) == 0 {
		return nil
	}
	tags := make([]uint16, 0, len(extraField))
	for tag := range extraField {
		tags = append(tags, tag)
	}
	slices.Sort(tags)

	fields := make([][]byte, len(tags))
	for i, tag := range tags {
		fields[i] = extraField[tag]
	}
	return fields
}

// ParseExtraField splits raw extra-field bytes into full (tag-prefixed)
// blocks keyed by tag ID. Malformed tails are dropped rather than
// guessed at.
func ParseExtraField(extraField []byte) map[uint16][]byte {
	m := make(map[uint16][]byte)

	for offset := 0; offset+4 <= len(extraField); {
		tag := binary.LittleEndian.Uint16(extraField[offset : offset+2])
		size := int(binary.LittleEndian.Uint16(extraField[offset+2 : offset+4]))

		if offset+4+size > len(extraField) {
			break
		}
		m[tag] = extraField[offset : offset+4+size]
		offset += 4 + size
	}
	return m
}
