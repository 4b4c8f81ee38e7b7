// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zipcore/zipcore/internal/record"
)

// splitSink writes a split archive. The volume being written always
// carries the final .zip name; on rollover it is renamed to its .zNN
// part name and a fresh final volume is opened. Payload writes fill
// each volume to exactly splitSize and continue on the next; records
// that must stay whole are reserved first, which rolls the volume when
// they would straddle the boundary.
type splitSink struct {
	finalPath string
	splitSize int64

	f        *os.File
	disk     uint32
	off      int64 // within current volume
	flatBase int64 // flat offset where current volume begins
	parts    []string
}

func newSplitSink(path string, splitSize int64) (*splitSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create split archive: %w", err)
	}
	s := &splitSink{finalPath: path, splitSize: splitSize, f: f}
	// The spanning marker opens the first volume; offsets include it.
	if _, err := s.f.Write(record.EncodeSplitMarker()); err != nil {
		s.abort()
		return nil, fmt.Errorf("create split archive: %w", err)
	}
	s.off = record.SplitMarkerLen
	return s, nil
}

func (s *splitSink) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if s.off >= s.splitSize {
			if err := s.rollover(); err != nil {
				return total, err
			}
		}
		chunk := p
		if room := s.splitSize - s.off; int64(len(chunk)) > room {
			chunk = chunk[:room]
		}
		n, err := s.f.Write(chunk)
		s.off += int64(n)
		total += n
		p = p[n:]
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// reserve rolls to the next volume when n bytes would cross the
// boundary. Chunks larger than a whole volume cannot be kept intact
// and are left to straddle.
func (s *splitSink) reserve(n int) error {
	if int64(n) <= s.splitSize && s.off+int64(n) > s.splitSize {
		return s.rollover()
	}
	return nil
}

// rollover seals the current volume under its part name and starts the
// next one.
func (s *splitSink) rollover() error {
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close split volume: %w", err)
	}
	part := splitPartName(s.finalPath, int(s.disk))
	if err := os.Rename(s.finalPath, part); err != nil {
		return fmt.Errorf("seal split volume: %w", err)
	}
	s.parts = append(s.parts, part)

	f, err := os.Create(s.finalPath)
	if err != nil {
		return fmt.Errorf("open next split volume: %w", err)
	}
	s.f = f
	s.disk++
	s.flatBase += s.off
	s.off = 0
	return nil
}

func (s *splitSink) position() (uint32, uint64, int64) {
	return s.disk, uint64(s.off), s.flatBase + s.off
}

func (s *splitSink) canPatch() bool { return false }

func (s *splitSink) patchAt(uint64, []byte) error {
	return fmt.Errorf("%w: cannot patch split output", ErrUnsupported)
}

func (s *splitSink) finish() error {
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// abort removes everything written so far.
func (s *splitSink) abort() {
	if s.f != nil {
		s.f.Close()
	}
	os.Remove(s.finalPath)
	for _, part := range s.parts {
		os.Remove(part)
	}
}

// flushSplitLocked writes a fresh split archive. Split output rolls
// volumes as it goes, so it is written under its final names rather
// than staged; a failed flush removes all volumes.
func (a *Archive) flushSplitLocked(ctx context.Context) error {
	sink, err := newSplitSink(a.path, a.splitSize)
	if err != nil {
		return err
	}

	a.monitor.begin(a.flushWorkTotal())
	state := &flushState{loc: make(map[*Entry]storedRange)}

	if err := a.writeArchive(ctx, sink, state); err != nil {
		sink.abort()
		a.monitor.finish(err)
		return err
	}
	if err := sink.finish(); err != nil {
		sink.abort()
		a.monitor.finish(err)
		return fmt.Errorf("commit split archive: %w", err)
	}

	vols, err := openVolumes(a.path)
	if err != nil {
		a.monitor.finish(err)
		return err
	}
	a.vols = vols
	a.split = true
	a.commitFlush(state)
	a.monitor.finish(nil)
	return nil
}

// MergeSplit writes the archive's contents as a single flat archive at
// outPath. Entry payloads are copied raw; only headers and offsets are
// rewritten. The receiver must be a split archive and stays open on
// its volumes afterwards.
func (a *Archive) MergeSplit(ctx context.Context, outPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if !a.split {
		return fmt.Errorf("%w: %s", ErrNotSplit, a.path)
	}
	if outPath == a.path {
		return fmt.Errorf("%w: merge target equals archive path", ErrInvalidParameter)
	}

	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".ziptmp-*")
	if err != nil {
		return fmt.Errorf("stage merged archive: %w", err)
	}
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	a.monitor.begin(a.flushWorkTotal())
	state := &flushState{loc: make(map[*Entry]storedRange)}

	// The merged copy gets its own locations; the live directory keeps
	// addressing the split volumes.
	err = a.writeArchive(ctx, &fileSink{f: tmp}, state)
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
		return fmt.Errorf("stage merged archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), outPath); err != nil {
		os.Remove(tmp.Name())
		tmp = nil
		a.monitor.finish(err)
		return fmt.Errorf("commit merged archive: %w", err)
	}
	tmp = nil
	a.monitor.finish(nil)
	return nil
}
