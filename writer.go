// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/zipcore/zipcore/internal/record"
)

// flushSink is where a staged rewrite lands. The flat single-file sink
// supports in-place header patching; the split sink rolls volumes and
// cannot patch, so entries written through it use data descriptors.
// Writers must call reserve before emitting a record and capture the
// position afterwards: reserve rolls the volume when the record would
// straddle a boundary, so the position it leaves behind is the one the
// record actually lands at.
type flushSink interface {
	io.Writer
	// position returns the current write position as the (disk,
	// offset-in-disk) pair recorded in headers plus the flat offset.
	position() (disk uint32, offsetInDisk uint64, flat int64)
	// reserve guarantees the next n bytes land on a single volume.
	reserve(n int) error
	canPatch() bool
	patchAt(offsetInDisk uint64, b []byte) error
}

// fileSink writes a flat archive to a single file.
type fileSink struct {
	f   *os.File
	off int64
}

func (s *fileSink) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	s.off += int64(n)
	return n, err
}

func (s *fileSink) position() (uint32, uint64, int64) {
	return 0, uint64(s.off), s.off
}

func (s *fileSink) reserve(int) error { return nil }

func (s *fileSink) canPatch() bool { return true }

func (s *fileSink) patchAt(offsetInDisk uint64, b []byte) error {
	_, err := s.f.WriteAt(b, int64(offsetInDisk))
	return err
}

// flushState holds per-flush results that must not touch the live
// entries until the rewrite has landed, so a failed flush leaves the
// archive object usable.
type flushState struct {
	loc map[*Entry]storedRange
}

// flushLocked rewrites the archive from the in-memory directory.
// Caller holds the write lock.
func (a *Archive) flushLocked(ctx context.Context) error {
	if a.splitSize > 0 && !a.split {
		return a.flushSplitLocked(ctx)
	}

	dir := filepath.Dir(a.path)
	tmp, err := os.CreateTemp(dir, ".ziptmp-*")
	if err != nil {
		return fmt.Errorf("stage archive: %w", err)
	}
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	a.monitor.begin(a.flushWorkTotal())
	sink := &fileSink{f: tmp}
	state := &flushState{loc: make(map[*Entry]storedRange)}

	err = a.writeArchive(ctx, sink, state)
	if err == nil {
		err = tmp.Sync()
	}
	if err != nil {
		a.monitor.finish(err)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		tmp = nil
		a.monitor.finish(err)
		return fmt.Errorf("stage archive: %w", err)
	}

	// Old volumes must release the path before the rename on platforms
	// that lock open files.
	if a.vols != nil {
		a.vols.Close()
		a.vols = nil
	}
	if err := os.Rename(tmp.Name(), a.path); err != nil {
		os.Remove(tmp.Name())
		tmp = nil
		a.monitor.finish(err)
		return fmt.Errorf("commit archive: %w", err)
	}
	tmp = nil

	vols, err := openVolumes(a.path)
	if err != nil {
		a.monitor.finish(err)
		return err
	}
	a.vols = vols
	a.commitFlush(state)
	a.monitor.finish(nil)
	return nil
}

// commitFlush moves staged entry locations into the live directory.
func (a *Archive) commitFlush(state *flushState) {
	for e, loc := range state.loc {
		e.loc = loc
		e.stored = true
		e.source = nil
		e.sourceSize = 0
	}
	a.dirty = false
}

// flushWorkTotal estimates the byte count the monitor tracks: raw
// payload for copies, uncompressed input for fresh entries.
func (a *Archive) flushWorkTotal() int64 {
	var total int64
	for _, e := range a.entries {
		switch {
		case e.source != nil:
			if e.sourceSize > 0 {
				total += e.sourceSize
			}
		case e.stored:
			total += e.compressedSize
		}
	}
	return total
}

// writeArchive emits every entry, the central directory and the end
// records into the sink.
func (a *Archive) writeArchive(ctx context.Context, s flushSink, state *flushState) error {
	for _, e := range a.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if a.monitor.cancelled() {
			return ErrCancelled
		}
		if err := a.writeEntry(ctx, s, e, state); err != nil {
			return err
		}
	}
	return a.writeCentralDirectory(s, state)
}

func (a *Archive) writeEntry(ctx context.Context, s flushSink, e *Entry, state *flushState) error {
	switch {
	case e.isDir:
		return a.writeDirEntry(s, e, state)
	case e.source != nil:
		return a.writePendingEntry(ctx, s, e, state)
	case e.stored:
		return a.copyStoredEntry(ctx, s, e, state)
	default:
		return fmt.Errorf("%w: entry %s has no content source", ErrInvalidParameter, e.name)
	}
}

func (a *Archive) writeDirEntry(s flushSink, e *Entry, state *flushState) error {
	b := headerBuilder{e: e}
	hdr := b.localHeader().Encode()
	if err := s.reserve(len(hdr)); err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}
	disk, off, flat := s.position()
	if _, err := s.Write(hdr); err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}
	state.loc[e] = storedRange{
		diskStart:    disk,
		offsetInDisk: off,
		headerOffset: flat,
		flags:        b.bitFlag(),
		wireName:     e.headerName(),
	}
	return nil
}

// copyStoredEntry moves an existing entry's payload without decoding
// it. The header is rebuilt from current metadata so renames and
// comment edits stick; entries that streamed with a data descriptor
// keep bit 3 and get a fresh descriptor, because ZipCrypto check bytes
// depend on that flag.
func (a *Archive) copyStoredEntry(ctx context.Context, s flushSink, e *Entry, state *flushState) error {
	payload, err := a.payloadSection(e)
	if err != nil {
		return err
	}

	streamed := e.loc.flags&0x8 != 0
	b := headerBuilder{e: e, streamed: streamed}
	hdr := b.localHeader().Encode()
	// Reserve one byte beyond the header so the payload starts on the
	// same volume.
	if err := s.reserve(len(hdr) + 1); err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}
	disk, off, flat := s.position()
	if _, err := s.Write(hdr); err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}

	dest := io.MultiWriter(s, progressWriter{&a.monitor})
	if _, err := io.Copy(dest, &contextReader{ctx: ctx, src: payload}); err != nil {
		return fmt.Errorf("%s: copy payload: %w", e.name, err)
	}

	if streamed {
		desc := record.DataDescriptor{
			CRC32:            b.wireCRC(),
			CompressedSize:   uint64(e.compressedSize),
			UncompressedSize: uint64(e.uncompressedSize),
		}
		raw := desc.Encode(e.requiresZip64())
		if err := s.reserve(len(raw)); err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
		if _, err := s.Write(raw); err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
	}

	state.loc[e] = storedRange{
		diskStart:    disk,
		offsetInDisk: off,
		headerOffset: flat,
		flags:        b.bitFlag(),
		wireName:     e.headerName(),
	}
	return nil
}

// zip64Headroom decides up front whether an entry needs Zip64 width in
// its local header: unknown sizes always reserve it, known sizes when
// the worst-case encoded payload could cross 4 GiB.
func zip64Headroom(sourceSize int64) bool {
	if sourceSize == SizeUnknown {
		return true
	}
	return sourceSize+(sourceSize>>9)+(1<<16) >= math.MaxUint32
}

// writePendingEntry encodes a freshly added entry: compress, then
// encrypt, then land in the sink. On a patchable sink the header is
// fixed up in place afterwards; otherwise the entry streams with bit 3
// and a trailing data descriptor. ZipCrypto always streams, because
// its password check byte would otherwise need the checksum before the
// payload is read.
func (a *Archive) writePendingEntry(ctx context.Context, s flushSink, e *Entry, state *flushState) error {
	streamed := e.params.encryption == ZipCrypto || !s.canPatch()
	forceZip64 := zip64Headroom(e.sourceSize)

	b := headerBuilder{e: e, streamed: streamed, pending: true, forceZip64: forceZip64}
	hdr := b.localHeader()
	raw := hdr.Encode()
	// Reserve one byte beyond the header so the payload starts on the
	// same volume.
	if err := s.reserve(len(raw) + 1); err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}
	disk, off, flat := s.position()
	if _, err := s.Write(raw); err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}

	crc, uncompressed, compressed, err := a.encodePayload(ctx, s, e)
	if err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}
	if e.sourceSize >= 0 && uncompressed != e.sourceSize {
		return fmt.Errorf("%w: %s: source produced %d bytes, declared %d",
			ErrSizeMismatch, e.name, uncompressed, e.sourceSize)
	}
	e.crc32 = crc
	e.uncompressedSize = uncompressed
	e.compressedSize = compressed

	if streamed {
		desc := record.DataDescriptor{
			CRC32:            b.wireCRC(),
			CompressedSize:   uint64(compressed),
			UncompressedSize: uint64(uncompressed),
		}
		enc := desc.Encode(forceZip64)
		if err := s.reserve(len(enc)); err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
		if _, err := s.Write(enc); err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
	} else {
		if err := a.patchLocalHeader(s, e, b, off, len(hdr.Filename)); err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
	}

	state.loc[e] = storedRange{
		diskStart:    disk,
		offsetInDisk: off,
		headerOffset: flat,
		flags:        b.bitFlag(),
		wireName:     e.headerName(),
	}
	return nil
}

// encodePayload runs the compress-then-encrypt pipeline for a pending
// entry and returns its checksum and sizes.
func (a *Archive) encodePayload(ctx context.Context, s flushSink, e *Entry) (crc uint32, uncompressed, compressed int64, err error) {
	src, err := e.source()
	if err != nil {
		return 0, 0, 0, err
	}
	defer src.Close()

	password := e.params.password
	if password == "" {
		password = a.password
	}

	counter := &byteCountWriter{dest: s}
	var enc io.WriteCloser
	switch e.params.encryption {
	case NotEncrypted:
		enc = nopWriteCloser{counter}
	case ZipCrypto:
		_, dosTime := timeToDOS(e.modTime)
		enc, err = newZipCryptoWriter(counter, password, byte(dosTime>>8))
	case AES:
		enc, err = newAESWriter(counter, password, e.params.strength)
	}
	if err != nil {
		return 0, 0, 0, err
	}

	comp, err := a.codecs.compressor(e.params.method, e.params.level)
	if err != nil {
		return 0, 0, 0, err
	}

	crcHash := crc32.NewIEEE()
	reader := io.TeeReader(
		&contextReader{ctx: ctx, src: src},
		io.MultiWriter(crcHash, progressWriter{&a.monitor}),
	)
	n, err := comp.Compress(reader, enc)
	if err != nil {
		enc.Close()
		return 0, 0, 0, err
	}
	if err := enc.Close(); err != nil {
		return 0, 0, 0, err
	}
	return crcHash.Sum32(), n, counter.count, nil
}

// patchLocalHeader writes the now-known checksum and sizes back into a
// header emitted with zeroed fields. The Zip64 block, when reserved,
// is the first block of the extra field, so its size slots sit at a
// fixed offset past the filename.
func (a *Archive) patchLocalHeader(s flushSink, e *Entry, b headerBuilder, headerOff uint64, nameLen int) error {
	var fix [12]byte
	binary.LittleEndian.PutUint32(fix[0:4], b.wireCRC())
	if b.forceZip64 {
		binary.LittleEndian.PutUint32(fix[4:8], math.MaxUint32)
		binary.LittleEndian.PutUint32(fix[8:12], math.MaxUint32)
	} else {
		binary.LittleEndian.PutUint32(fix[4:8], uint32(e.compressedSize))
		binary.LittleEndian.PutUint32(fix[8:12], uint32(e.uncompressedSize))
	}
	if err := s.patchAt(headerOff+14, fix[:]); err != nil {
		return err
	}

	if b.forceZip64 {
		var sizes [16]byte
		binary.LittleEndian.PutUint64(sizes[0:8], uint64(e.uncompressedSize))
		binary.LittleEndian.PutUint64(sizes[8:16], uint64(e.compressedSize))
		zip64Off := headerOff + record.LocalFileHeaderLen + uint64(nameLen) + 4
		if err := s.patchAt(zip64Off, sizes[:]); err != nil {
			return err
		}
	}
	return nil
}

// writeCentralDirectory emits the directory records followed by the
// Zip64 records when any field overflows, then the classic end record.
// Every record is reserved before its position is read, so the recorded
// (disk, offset) pairs are the ones the bytes actually land at; the end
// records are reserved as one block to keep them on the final volume.
func (a *Archive) writeCentralDirectory(s flushSink, state *flushState) error {
	cdStartDisk, cdStartOff, cdStartFlat := s.position()
	perDisk := make(map[uint32]uint64)

	for i, e := range a.entries {
		loc, ok := state.loc[e]
		if !ok {
			return fmt.Errorf("%w: entry %s was not written", ErrInvalidParameter, e.name)
		}
		streamed := loc.flags&0x8 != 0
		b := headerBuilder{e: e, streamed: streamed}
		rec := b.centralDirEntry(loc.diskStart, loc.offsetInDisk).Encode()
		if err := s.reserve(len(rec)); err != nil {
			return fmt.Errorf("central directory: %w", err)
		}
		recDisk, recOff, recFlat := s.position()
		if i == 0 {
			cdStartDisk, cdStartOff, cdStartFlat = recDisk, recOff, recFlat
		}
		if _, err := s.Write(rec); err != nil {
			return fmt.Errorf("central directory: %w", err)
		}
		perDisk[recDisk]++
	}

	_, _, endFlat := s.position()
	cdSize := uint64(endFlat - cdStartFlat)
	count := uint64(len(a.entries))

	endLen := record.EndOfCentralDirLen + len(a.comment)
	curDisk, _, _ := s.position()
	// curDisk+1 bounds the disk the end records can land on after the
	// reserve below rolls at most once.
	needsZip64 := count > record.Max16 ||
		cdSize > math.MaxUint32 ||
		cdStartOff > math.MaxUint32 ||
		cdStartDisk > record.Max16 ||
		curDisk+1 > record.Max16

	if needsZip64 {
		endLen += record.Zip64EndLen + record.Zip64LocatorLen
	}
	if err := s.reserve(endLen); err != nil {
		return fmt.Errorf("end of central directory: %w", err)
	}
	endDisk, _, _ := s.position()

	if needsZip64 {
		zipEndDisk, zipEndOff, _ := s.position()
		zip64 := record.Zip64EndOfCentralDir{
			Size:              record.Zip64EndLen - 12,
			VersionMadeBy:     uint16(hostSystemUnix)<<8 | latestZipVersion,
			VersionNeeded:     45,
			DiskNumber:        zipEndDisk,
			CDStartDiskNumber: cdStartDisk,
			CDCountOnDisk:     perDisk[zipEndDisk],
			CDCount:           count,
			CDSize:            cdSize,
			CDOffset:          cdStartOff,
		}
		if _, err := s.Write(zip64.Encode()); err != nil {
			return fmt.Errorf("zip64 end record: %w", err)
		}
		loc := record.Zip64Locator{
			Zip64EndDiskNumber: zipEndDisk,
			Zip64EndOffset:     zipEndOff,
			TotalDisks:         zipEndDisk + 1,
		}
		if _, err := s.Write(loc.Encode()); err != nil {
			return fmt.Errorf("zip64 locator: %w", err)
		}
	}

	eocd := record.EndOfCentralDir{
		DiskNumber:        uint16(min(record.Max16, int(endDisk))),
		CDStartDiskNumber: uint16(min(record.Max16, int(cdStartDisk))),
		CDCountOnDisk:     uint16(min(record.Max16, int(perDisk[endDisk]))),
		CDCount:           uint16(min(record.Max16, int(count))),
		CDSize:            uint32(min(math.MaxUint32, int64(cdSize))),
		CDOffset:          uint32(min(math.MaxUint32, int64(cdStartOff))),
		Comment:           a.comment,
	}
	if _, err := s.Write(eocd.Encode()); err != nil {
		return fmt.Errorf("end of central directory: %w", err)
	}
	return nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
