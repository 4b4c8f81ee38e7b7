// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"context"
	"io"
	"io/fs"
	"strings"
	"time"
)

// Host systems for the high byte of version-made-by.
const (
	hostSystemDOS  = 0
	hostSystemUnix = 3
)

// timeToDOS converts t to MS-DOS date and time fields. Times before
// 1980 clamp to the epoch; precision is two seconds.
func timeToDOS(t time.Time) (dosDate, dosTime uint16) {
	if t.Year() < 1980 {
		return 0x21, 0 // 1980-01-01 00:00:00
	}
	dosDate = uint16((t.Year()-1980)<<9 | int(t.Month())<<5 | t.Day())
	dosTime = uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	return dosDate, dosTime
}

// dosToTime converts MS-DOS date and time fields to a local time.
func dosToTime(dosDate, dosTime uint16) time.Time {
	return time.Date(
		int(dosDate>>9)+1980,
		time.Month(dosDate>>5&0xf),
		int(dosDate&0x1f),
		int(dosTime>>11),
		int(dosTime>>5&0x3f),
		int(dosTime&0x1f)*2,
		0,
		time.Local,
	)
}

// nowDOS returns the current local time truncated to the two-second
// precision DOS timestamps can hold.
func nowDOS() time.Time {
	d, t := timeToDOS(time.Now())
	return dosToTime(d, t)
}

// modeFromAttributes recovers permission and type bits from central
// directory external attributes, honoring the recording host.
func modeFromAttributes(madeByHost byte, attrs uint32, isDir bool) fs.FileMode {
	var mode fs.FileMode
	if madeByHost == hostSystemUnix {
		unix := attrs >> 16
		mode = fs.FileMode(unix & 0o777)
		switch unix & sIFMT {
		case sIFDIR:
			mode |= fs.ModeDir
		case sIFLNK:
			mode |= fs.ModeSymlink
		}
	}
	if mode&fs.ModePerm == 0 {
		if isDir {
			mode |= 0o755
		} else {
			mode |= 0o644
		}
	}
	if isDir {
		mode |= fs.ModeDir
	}
	if attrs&0x01 != 0 { // DOS read-only
		mode &^= 0o222
	}
	return mode
}

// cleanEntryName normalizes a user-supplied path into an archive entry
// name: forward slashes, no leading slash, no trailing slash.
func cleanEntryName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "/")
	return strings.TrimSuffix(name, "/")
}

// byteCountWriter counts bytes passed through to the underlying writer.
type byteCountWriter struct {
	dest  io.Writer
	count int64
}

func (w *byteCountWriter) Write(p []byte) (int, error) {
	n, err := w.dest.Write(p)
	w.count += int64(n)
	return n, err
}

// contextReader aborts an in-flight copy when its context is done.
type contextReader struct {
	ctx context.Context
	src io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.src.Read(p)
}
