// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// splitPartName returns the path of split part n (0-based) for an
// archive whose final volume is finalPath. The last part keeps the
// .zip name; earlier parts are numbered .z01, .z02, ...
func splitPartName(finalPath string, n int) string {
	base := strings.TrimSuffix(finalPath, filepath.Ext(finalPath))
	return fmt.Sprintf("%s.z%02d", base, n+1)
}

// volume is one physical file of a possibly split archive.
type volume struct {
	path string
	file *os.File
	size int64
}

// volumeSet presents an ordered list of volumes as a single flat byte
// range. Flat offsets address the concatenation of all volumes, which
// is the coordinate space the rest of the reader works in.
type volumeSet struct {
	vols  []volume
	bases []int64 // flat offset where each volume begins
	total int64
}

// openVolumes opens the archive at path together with any preceding
// split parts. Split parts are detected by the presence of the .z01
// sibling; parts must be contiguous.
func openVolumes(path string) (*volumeSet, error) {
	var paths []string
	for n := 0; ; n++ {
		part := splitPartName(path, n)
		if _, err := os.Stat(part); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			return nil, fmt.Errorf("stat split part: %w", err)
		}
		paths = append(paths, part)
	}
	paths = append(paths, path)

	set := &volumeSet{}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("open volume: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			set.Close()
			return nil, fmt.Errorf("stat volume: %w", err)
		}
		set.bases = append(set.bases, set.total)
		set.vols = append(set.vols, volume{path: p, file: f, size: info.Size()})
		set.total += info.Size()
	}
	return set, nil
}

func (s *volumeSet) isSplit() bool { return len(s.vols) > 1 }

func (s *volumeSet) size() int64 { return s.total }

// flatOffset maps a (disk, offset-in-disk) pair from the central
// directory to the flat coordinate space.
func (s *volumeSet) flatOffset(disk uint32, offsetInDisk uint64) (int64, error) {
	if int(disk) >= len(s.vols) {
		return 0, fmt.Errorf("%w: entry on disk %d of %d", ErrFormat, disk, len(s.vols))
	}
	flat := s.bases[disk] + int64(offsetInDisk)
	if flat > s.total {
		return 0, fmt.Errorf("%w: offset beyond volume", ErrFormat)
	}
	return flat, nil
}

// ReadAt implements io.ReaderAt over the volume concatenation. Reads
// crossing a volume boundary are stitched together.
func (s *volumeSet) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > s.total {
		return 0, fmt.Errorf("%w: read at %d", ErrTruncated, off)
	}
	total := 0
	for len(p) > 0 {
		i := s.volumeAt(off)
		if i < 0 {
			return total, io.EOF
		}
		local := off - s.bases[i]
		n, err := s.vols[i].file.ReadAt(p, local)
		total += n
		off += int64(n)
		p = p[n:]
		if err != nil && !errors.Is(err, io.EOF) {
			return total, err
		}
		if errors.Is(err, io.EOF) && i == len(s.vols)-1 {
			if len(p) > 0 {
				return total, io.EOF
			}
			break
		}
	}
	return total, nil
}

// volumeAt returns the index of the volume containing flat offset off,
// or -1 when off is at or past the end.
func (s *volumeSet) volumeAt(off int64) int {
	for i := len(s.vols) - 1; i >= 0; i-- {
		if off >= s.bases[i] {
			if off >= s.bases[i]+s.vols[i].size {
				return -1
			}
			return i
		}
	}
	return -1
}

func (s *volumeSet) Close() error {
	var first error
	for _, v := range s.vols {
		if v.file == nil {
			continue
		}
		if err := v.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.vols = nil
	return first
}
