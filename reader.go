// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"math"
	"strings"

	"github.com/zipcore/zipcore/internal/record"
)

// eocdSearchChunk is the step size of the backward end-of-directory
// scan.
const eocdSearchChunk = 1024

// maxEOCDSearch bounds the scan: a maximal comment plus the record
// itself.
const maxEOCDSearch = math.MaxUint16 + record.EndOfCentralDirLen

// readDirectory parses the central directory out of the backing
// volumes and populates the archive's entry table.
func (a *Archive) readDirectory() error {
	eocd, eocdOffset, err := a.findEndOfCentralDir()
	if err != nil {
		return err
	}
	a.comment = eocd.Comment

	count := uint64(eocd.CDCount)
	cdOffset := uint64(eocd.CDOffset)
	cdSize := uint64(eocd.CDSize)
	cdDisk := uint32(eocd.CDStartDiskNumber)

	if eocd.NeedsZip64() {
		zip64, ok, err := a.findZip64Directory(eocdOffset)
		if err != nil {
			return err
		}
		if ok {
			a.zip64 = true
			count = zip64.CDCount
			cdOffset = zip64.CDOffset
			cdSize = zip64.CDSize
			cdDisk = zip64.CDStartDiskNumber
		}
	}

	flatCD, err := a.vols.flatOffset(cdDisk, cdOffset)
	if err != nil {
		return err
	}
	if flatCD+int64(cdSize) > a.vols.size() {
		return fmt.Errorf("%w: central directory extends past archive end", ErrFormat)
	}

	cd := make([]byte, cdSize)
	if _, err := io.ReadFull(io.NewSectionReader(a.vols, flatCD, int64(cdSize)), cd); err != nil {
		return fmt.Errorf("%w: central directory", ErrTruncated)
	}

	src := bytes.NewReader(cd)
	for i := uint64(0); i < count; i++ {
		var sig [4]byte
		if _, err := io.ReadFull(src, sig[:]); err != nil {
			return fmt.Errorf("%w: central directory entry %d", ErrTruncated, i)
		}
		if binary.LittleEndian.Uint32(sig[:]) != record.CentralDirectorySignature {
			return fmt.Errorf("%w: bad central directory signature at entry %d", ErrFormat, i)
		}
		rec, err := record.ReadCentralDirEntry(src)
		if err != nil {
			return err
		}
		e, err := a.entryFromRecord(rec)
		if err != nil {
			return err
		}
		if _, dup := a.index[e.name]; dup {
			return fmt.Errorf("%w: %s appears twice in central directory", ErrFormat, e.name)
		}
		a.entries = append(a.entries, e)
		a.index[e.name] = e
	}
	return nil
}

// findEndOfCentralDir scans backward from the end of the last volume
// for the end-of-central-directory record.
func (a *Archive) findEndOfCentralDir() (record.EndOfCentralDir, int64, error) {
	size := a.vols.size()
	if size < record.EndOfCentralDirLen {
		return record.EndOfCentralDir{}, 0, fmt.Errorf("%w: %d bytes is too small for a ZIP archive", ErrFormat, size)
	}
	limit := int64(maxEOCDSearch)
	if limit > size {
		limit = size
	}

	buf := make([]byte, eocdSearchChunk+3)
	for scanned := int64(0); scanned < limit; {
		chunk := int64(eocdSearchChunk)
		if scanned+chunk > limit {
			chunk = limit - scanned
		}
		start := size - scanned - chunk
		// Overlap 3 bytes so a signature split across chunks is found.
		n := chunk + 3
		if start+n > size {
			n = size - start
		}
		if _, err := a.vols.ReadAt(buf[:n], start); err != nil && !errors.Is(err, io.EOF) {
			return record.EndOfCentralDir{}, 0, fmt.Errorf("scan end of central directory: %w", err)
		}
		for i := n - 4; i >= 0; i-- {
			if binary.LittleEndian.Uint32(buf[i:i+4]) != record.EndOfCentralDirSignature {
				continue
			}
			at := start + i
			eocd, err := record.ReadEndOfCentralDir(io.NewSectionReader(a.vols, at, size-at))
			if err != nil {
				continue // signature bytes inside other data
			}
			return eocd, at, nil
		}
		scanned += chunk
	}
	return record.EndOfCentralDir{}, 0, fmt.Errorf("%w: end of central directory not found", ErrFormat)
}

// findZip64Directory locates the Zip64 end-of-central-directory record
// through its locator, which sits immediately before the classic one.
// A missing locator is not an error; some writers stamp 0xffff markers
// without writing Zip64 records.
func (a *Archive) findZip64Directory(eocdOffset int64) (record.Zip64EndOfCentralDir, bool, error) {
	locOffset := eocdOffset - record.Zip64LocatorLen
	if locOffset < 0 {
		return record.Zip64EndOfCentralDir{}, false, nil
	}
	loc, err := record.ReadZip64Locator(io.NewSectionReader(a.vols, locOffset, record.Zip64LocatorLen))
	if err != nil {
		if errors.Is(err, ErrFormat) || errors.Is(err, ErrTruncated) {
			return record.Zip64EndOfCentralDir{}, false, nil
		}
		return record.Zip64EndOfCentralDir{}, false, err
	}
	flat, err := a.vols.flatOffset(loc.Zip64EndDiskNumber, loc.Zip64EndOffset)
	if err != nil {
		return record.Zip64EndOfCentralDir{}, false, err
	}
	zip64, err := record.ReadZip64EndOfCentralDir(io.NewSectionReader(a.vols, flat, a.vols.size()-flat))
	if err != nil {
		return record.Zip64EndOfCentralDir{}, false, err
	}
	return zip64, true, nil
}

// entryFromRecord builds the in-memory entry for one central directory
// record, resolving Zip64 and AES extra fields.
func (a *Archive) entryFromRecord(rec record.CentralDirEntry) (*Entry, error) {
	compressed := int64(rec.CompressedSize)
	uncompressed := int64(rec.UncompressedSize)
	offsetInDisk := uint64(rec.LocalHeaderOffset)
	diskStart := uint32(rec.DiskNumberStart)

	if block, ok := rec.ExtraField[record.Zip64ExtraTag]; ok {
		z, err := record.ParseZip64Extra(block,
			rec.UncompressedSize == math.MaxUint32,
			rec.CompressedSize == math.MaxUint32,
			rec.LocalHeaderOffset == math.MaxUint32,
			rec.DiskNumberStart == math.MaxUint16)
		if err != nil {
			return nil, err
		}
		if z.HasUncompressedSize {
			uncompressed = int64(z.UncompressedSize)
		}
		if z.HasCompressedSize {
			compressed = int64(z.CompressedSize)
		}
		if z.HasLocalHeaderOffset {
			offsetInDisk = z.LocalHeaderOffset
		}
		if z.HasDiskNumberStart {
			diskStart = z.DiskNumberStart
		}
	}

	headerOffset, err := a.vols.flatOffset(diskStart, offsetInDisk)
	if err != nil {
		return nil, err
	}

	name := rec.Filename
	isDir := strings.HasSuffix(name, "/") ||
		(rec.VersionMadeBy>>8 == hostSystemDOS && rec.ExternalFileAttributes&0x10 != 0)

	params := entryParams{method: CompressionMethod(rec.CompressionMethod)}
	if rec.GeneralPurposeBitFlag&0x1 != 0 {
		params.encryption = ZipCrypto
	}
	if rec.CompressionMethod == winZipAESMarker {
		block, ok := rec.ExtraField[record.AESExtraTag]
		if !ok {
			return nil, fmt.Errorf("%w: %s: AES entry without AES extra field", ErrFormat, name)
		}
		aes, err := record.ParseAESExtra(block)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		strength, err := aesStrengthFromByte(aes.Strength)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		params.encryption = AES
		params.strength = strength
		params.aesVersion = aes.Version
		params.method = CompressionMethod(aes.Method)
	}

	e := &Entry{
		arch:             a,
		name:             cleanEntryName(name),
		isDir:            isDir,
		mode:             modeFromAttributes(byte(rec.VersionMadeBy>>8), rec.ExternalFileAttributes, isDir),
		modTime:          dosToTime(rec.LastModFileDate, rec.LastModFileTime),
		comment:          rec.Comment,
		crc32:            rec.CRC32,
		compressedSize:   compressed,
		uncompressedSize: uncompressed,
		params:           params,
		extra:            rec.ExtraField,
		stored:           true,
		loc: storedRange{
			diskStart:    diskStart,
			offsetInDisk: offsetInDisk,
			headerOffset: headerOffset,
			flags:        rec.GeneralPurposeBitFlag,
			wireName:     rec.Filename,
		},
	}
	if e.name == "" {
		return nil, fmt.Errorf("%w: empty entry name", ErrFormat)
	}
	return e, nil
}

// localDataOffset reads an entry's local header and returns the flat
// offset of its payload. Local name and extra lengths can differ from
// the central directory's, so the header must be consulted. The name
// check uses the name the header was written with: a renamed entry
// keeps its old on-disk name until the next flush rewrites it.
func (a *Archive) localDataOffset(e *Entry) (int64, error) {
	src := io.NewSectionReader(a.vols, e.loc.headerOffset, a.vols.size()-e.loc.headerOffset)
	hdr, err := record.ReadLocalFileHeader(src)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", e.name, err)
	}
	if hdr.Filename != e.loc.wireName {
		return 0, fmt.Errorf("%w: %s: local header names %q", ErrFormat, e.name, hdr.Filename)
	}
	return e.loc.headerOffset + record.LocalFileHeaderLen +
		int64(len(hdr.Filename)) + int64(len(hdr.ExtraField)), nil
}

// payloadSection returns a reader over an entry's stored payload,
// encryption framing included.
func (a *Archive) payloadSection(e *Entry) (*io.SectionReader, error) {
	dataOffset, err := a.localDataOffset(e)
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(a.vols, dataOffset, e.compressedSize), nil
}

// Open returns a reader over the entry's decrypted, decompressed
// content. The CRC-32 and size are verified as the stream drains; a
// mismatch surfaces as ErrChecksum or ErrSizeMismatch on the read that
// hits end of stream.
func (e *Entry) Open() (io.ReadCloser, error) {
	return e.OpenWithPassword("")
}

// OpenWithPassword is Open with an entry-specific password overriding
// the archive default.
func (e *Entry) OpenWithPassword(password string) (io.ReadCloser, error) {
	if e.arch == nil {
		return nil, ErrClosed
	}
	e.arch.mu.RLock()
	defer e.arch.mu.RUnlock()
	if err := e.checkLive(); err != nil {
		return nil, err
	}
	if e.isDir {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if password == "" {
		password = e.params.password
	}
	if password == "" {
		password = e.arch.password
	}
	if e.source != nil {
		// Pending entry: serve the raw source, nothing is encoded yet.
		return e.source()
	}
	return e.arch.openStored(e, password)
}

// openStored builds the decrypt, decompress, verify pipeline for a
// stored entry. Caller holds the archive read lock.
func (a *Archive) openStored(e *Entry, password string) (io.ReadCloser, error) {
	section, err := a.payloadSection(e)
	if err != nil {
		return nil, err
	}

	var src io.Reader = section
	switch e.params.encryption {
	case ZipCrypto:
		if password == "" {
			return nil, fmt.Errorf("%w: %s: password required", ErrPasswordMismatch, e.name)
		}
		_, dosTime := timeToDOS(e.modTime)
		src, err = newZipCryptoReader(section, password, e.loc.flags, e.crc32, dosTime)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.name, err)
		}
	case AES:
		if password == "" {
			return nil, fmt.Errorf("%w: %s: password required", ErrPasswordMismatch, e.name)
		}
		src, err = newAESReader(section, password, e.params.strength, e.compressedSize)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.name, err)
		}
	}

	dec, err := a.codecs.decompressor(e.params.method)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.name, err)
	}
	content, err := dec.Decompress(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.name, err)
	}

	// AE-2 stores no checksum; the HMAC already authenticates the
	// stream, so CRC verification is skipped.
	verifyCRC := !(e.params.encryption == AES && e.params.aesVersion == record.AESVersion2)
	return &checksumReader{
		src:       content,
		hash:      crc32.NewIEEE(),
		want:      e.crc32,
		wantSize:  e.uncompressedSize,
		verifyCRC: verifyCRC,
		name:      e.name,
	}, nil
}

// checksumReader verifies CRC-32 and uncompressed size once the
// wrapped stream is fully drained.
type checksumReader struct {
	src       io.ReadCloser
	hash      hash.Hash32
	want      uint32
	wantSize  int64
	size      int64
	verifyCRC bool
	name      string
	checked   bool
}

func (r *checksumReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	r.hash.Write(p[:n])
	r.size += int64(n)
	if errors.Is(err, io.EOF) && !r.checked {
		r.checked = true
		if verr := r.verify(); verr != nil {
			return n, verr
		}
	}
	return n, err
}

func (r *checksumReader) verify() error {
	if r.size != r.wantSize {
		return fmt.Errorf("%w: %s: got %d bytes, directory says %d",
			ErrSizeMismatch, r.name, r.size, r.wantSize)
	}
	if r.verifyCRC && r.hash.Sum32() != r.want {
		return fmt.Errorf("%w: %s: crc32 %08x, directory says %08x",
			ErrChecksum, r.name, r.hash.Sum32(), r.want)
	}
	return nil
}

func (r *checksumReader) Close() error {
	return r.src.Close()
}
