// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zipcore/zipcore/internal/record"
)

// AddOption adjusts the Parameters of a single add operation.
type AddOption func(*Parameters)

// WithCompression selects the compression method.
func WithCompression(m CompressionMethod) AddOption {
	return func(p *Parameters) { p.CompressionMethod = m }
}

// WithLevel selects the compression level.
func WithLevel(l CompressionLevel) AddOption {
	return func(p *Parameters) { p.CompressionLevel = l }
}

// WithEncryption selects the encryption method. A password must be
// available, either through WithPassword or on the archive.
func WithEncryption(m EncryptionMethod) AddOption {
	return func(p *Parameters) { p.EncryptionMethod = m }
}

// WithAESStrength selects the AES key strength.
func WithAESStrength(s AESKeyStrength) AddOption {
	return func(p *Parameters) { p.AESKeyStrength = s }
}

// WithPassword sets an entry-specific password. A non-empty password
// implies AES encryption unless another method was chosen.
func WithPassword(password string) AddOption {
	return func(p *Parameters) { p.Password = password }
}

// WithEntryName overrides the in-archive name derived from the source.
func WithEntryName(name string) AddOption {
	return func(p *Parameters) { p.Name = name }
}

// WithEntryComment attaches a comment to the new entry.
func WithEntryComment(comment string) AddOption {
	return func(p *Parameters) { p.Comment = comment }
}

// WithOverwrite replaces an existing entry of the same name instead of
// failing with ErrDuplicateEntry.
func WithOverwrite() AddOption {
	return func(p *Parameters) { p.Overwrite = true }
}

// WithParameters replaces the whole parameter set at once.
func WithParameters(params Parameters) AddOption {
	return func(p *Parameters) { *p = params }
}

func (a *Archive) buildParams(opts []AddOption) (Parameters, error) {
	p := Parameters{CompressionMethod: Deflate, CompressionLevel: LevelNormal}
	for _, opt := range opts {
		opt(&p)
	}
	return p.normalize(a.password)
}

// AddFile queues the file at path for addition. The entry is named
// after the file's base name unless WithEntryName overrides it; the
// file is read when the archive is flushed.
func (a *Archive) AddFile(path string, opts ...AddOption) error {
	params, err := a.buildParams(opts)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("add file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory, use AddDir", ErrInvalidParameter, path)
	}
	name := params.Name
	if name == "" {
		name = filepath.Base(path)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addEntryLocked(name, false, info.Mode(), info.ModTime(), info.Size(),
		func() (io.ReadCloser, error) { return os.Open(path) }, params)
}

// AddDir queues the directory at path and everything beneath it. Entry
// names are rooted at the directory's base name.
func (a *Archive) AddDir(path string, opts ...AddOption) error {
	params, err := a.buildParams(opts)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("add directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidParameter, path)
	}
	root := params.Name
	if root == "" {
		root = filepath.Base(path)
	}
	root = cleanEntryName(root)

	a.mu.Lock()
	defer a.mu.Unlock()
	return filepath.WalkDir(path, func(sub string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, sub)
		if err != nil {
			return err
		}
		name := root
		if rel != "." {
			name = root + "/" + filepath.ToSlash(rel)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return a.addEntryLocked(name, true, info.Mode(), info.ModTime(), 0, nil, params)
		}
		return a.addEntryLocked(name, false, info.Mode(), info.ModTime(), info.Size(),
			func() (io.ReadCloser, error) { return os.Open(sub) }, params)
	})
}

// AddData queues an in-memory payload under the given entry name. The
// data is copied; the caller may reuse the buffer.
func (a *Archive) AddData(name string, data []byte, opts ...AddOption) error {
	params, err := a.buildParams(opts)
	if err != nil {
		return err
	}
	if params.Name != "" {
		name = params.Name
	}
	buf := bytes.Clone(data)

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addEntryLocked(name, false, 0o644, nowDOS(), int64(len(buf)),
		func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf)), nil }, params)
}

// AddReader queues a streamed payload. open is called once per flush
// attempt and must return a fresh reader each time. size may be
// SizeUnknown; a known size is verified against the bytes actually
// read.
func (a *Archive) AddReader(name string, size int64, open func() (io.ReadCloser, error), opts ...AddOption) error {
	params, err := a.buildParams(opts)
	if err != nil {
		return err
	}
	if open == nil {
		return fmt.Errorf("%w: nil source", ErrInvalidParameter)
	}
	if size < 0 && size != SizeUnknown {
		return fmt.Errorf("%w: size %d", ErrInvalidParameter, size)
	}
	if params.Name != "" {
		name = params.Name
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addEntryLocked(name, false, 0o644, nowDOS(), size, open, params)
}

// AddEmptyDir queues a directory entry with no content.
func (a *Archive) AddEmptyDir(name string, opts ...AddOption) error {
	params, err := a.buildParams(opts)
	if err != nil {
		return err
	}
	if params.Name != "" {
		name = params.Name
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addEntryLocked(name, true, 0o755|fs.ModeDir, nowDOS(), 0, nil, params)
}

func (a *Archive) addEntryLocked(name string, isDir bool, mode fs.FileMode,
	modTime time.Time, size int64, source func() (io.ReadCloser, error), params Parameters) error {

	if err := a.checkMutable(); err != nil {
		return err
	}
	name = cleanEntryName(name)
	if name == "" {
		return fmt.Errorf("%w: empty entry name", ErrInvalidParameter)
	}
	if strings.HasPrefix(name, "../") || strings.Contains(name, "/../") || name == ".." {
		return fmt.Errorf("%w: %s", ErrInsecurePath, name)
	}
	if len(name)+1 > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes", ErrFilenameTooLong, len(name))
	}
	if len(params.Comment) > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes", ErrCommentTooLong, len(params.Comment))
	}

	if old, ok := a.index[name]; ok {
		if old.isDir && isDir {
			return nil // directory slot already present
		}
		if !params.Overwrite {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, name)
		}
		a.removeLocked(old)
	}

	ep := entryParams{
		method:     params.CompressionMethod,
		level:      params.CompressionLevel,
		encryption: params.EncryptionMethod,
		strength:   params.AESKeyStrength,
		password:   params.Password,
	}
	if isDir {
		// Directory slots carry no payload, so nothing to compress or
		// protect.
		ep = entryParams{method: Store}
	}
	if ep.encryption == AES {
		if ep.method == Store {
			ep.aesVersion = record.AESVersion1
		} else {
			ep.aesVersion = record.AESVersion2
		}
	}

	a.ensureParentDirs(name)
	e := &Entry{
		arch:       a,
		name:       name,
		isDir:      isDir,
		mode:       mode,
		modTime:    modTime,
		comment:    params.Comment,
		params:     ep,
		source:     source,
		sourceSize: size,
	}
	if isDir {
		e.source = nil
		e.sourceSize = 0
	}
	a.entries = append(a.entries, e)
	a.index[name] = e
	a.dirty = true
	return nil
}
