// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zipcore reads, creates and edits ZIP archives. It supports
// standard deflate and stored entries, Zstandard via an opt-in codec,
// ZipCrypto and WinZip AES encryption, Zip64 archives, and split
// (multi-volume) archives.
//
// An Archive holds the central directory in memory. Mutations edit the
// directory only; payload bytes move once, when Flush or Close commits
// the pending state with a single staged rewrite of the backing file.
package zipcore

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
)

// MinSplitSize is the smallest allowed split volume size.
const MinSplitSize int64 = 65536

// Archive is an open ZIP archive. An Archive is safe for concurrent
// use: readers proceed in parallel, mutations are serialized.
type Archive struct {
	mu sync.RWMutex

	path     string
	password string
	comment  string

	vols    *volumeSet
	entries []*Entry
	index   map[string]*Entry

	codecs  *codecRegistry
	monitor ProgressMonitor

	splitSize int64 // target volume size when creating split output
	split     bool  // backing store spans multiple volumes
	zip64     bool  // directory was read through Zip64 records

	dirty  bool
	closed bool
}

// Open opens an existing archive for reading and editing.
func Open(path string) (*Archive, error) {
	return OpenWithPassword(path, "")
}

// OpenWithPassword opens an existing archive and remembers password as
// the default for encrypted entries and future additions.
func OpenWithPassword(path, password string) (*Archive, error) {
	vols, err := openVolumes(path)
	if err != nil {
		return nil, err
	}
	a := &Archive{
		path:     path,
		password: password,
		vols:     vols,
		index:    make(map[string]*Entry),
		codecs:   newCodecRegistry(),
		split:    vols.isSplit(),
	}
	if err := a.readDirectory(); err != nil {
		vols.Close()
		return nil, err
	}
	return a, nil
}

// Create starts a new empty archive at path. Nothing is written until
// Flush or Close.
func Create(path string) (*Archive, error) {
	return CreateWithPassword(path, "")
}

// CreateWithPassword starts a new empty archive with a default password
// for added entries.
func CreateWithPassword(path, password string) (*Archive, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty archive path", ErrInvalidParameter)
	}
	return &Archive{
		path:     path,
		password: password,
		index:    make(map[string]*Entry),
		codecs:   newCodecRegistry(),
		dirty:    true,
	}, nil
}

// CreateSplit starts a new split archive whose volumes roll over at
// splitSize bytes. splitSize must be at least MinSplitSize.
func CreateSplit(path string, splitSize int64) (*Archive, error) {
	if splitSize < MinSplitSize {
		return nil, fmt.Errorf("%w: split size %d below minimum %d",
			ErrInvalidParameter, splitSize, MinSplitSize)
	}
	a, err := Create(path)
	if err != nil {
		return nil, err
	}
	a.splitSize = splitSize
	return a, nil
}

// Path returns the archive's file path (the final volume for split
// archives). Path, Comment, EntryCount, Entries, IsSplit and
// IsEncrypted are snapshots: they keep answering from the last known
// state after Close, while every operation that touches entries or
// bytes fails with ErrClosed.
func (a *Archive) Path() string { return a.path }

// Monitor returns the archive's progress monitor. The same monitor is
// reused across operations.
func (a *Archive) Monitor() *ProgressMonitor { return &a.monitor }

// IsSplit reports whether the archive spans multiple volumes.
func (a *Archive) IsSplit() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.split || a.splitSize > 0
}

// IsEncrypted reports whether any entry is password protected.
func (a *Archive) IsEncrypted() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, e := range a.entries {
		if e.params.encryption != NotEncrypted {
			return true
		}
	}
	return false
}

// IsValid reports whether path denotes a readable ZIP archive. It does
// not verify entry payloads.
func IsValid(path string) bool {
	a, err := Open(path)
	if err != nil {
		return false
	}
	a.Close()
	return true
}

// Comment returns the archive comment.
func (a *Archive) Comment() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.comment
}

// SetComment replaces the archive comment. ZIP limits comments to
// 65535 bytes.
func (a *Archive) SetComment(comment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMutable(); err != nil {
		return err
	}
	if len(comment) > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes", ErrCommentTooLong, len(comment))
	}
	a.comment = comment
	a.dirty = true
	return nil
}

// SetPassword replaces the default password used for encrypted entries
// that carry no password of their own.
func (a *Archive) SetPassword(password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.password = password
}

// EntryCount returns the number of live entries.
func (a *Archive) EntryCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Entries returns the live entries in central directory order. The
// returned slice is a copy; the entries are shared.
func (a *Archive) Entries() []*Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// EntryByName finds an entry by its archive path. Directory entries
// match with or without a trailing slash.
func (a *Archive) EntryByName(name string) (*Entry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, ErrClosed
	}
	e, ok := a.index[cleanEntryName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	return e, nil
}

// EntryByIndex returns the entry at position i in directory order.
func (a *Archive) EntryByIndex(i int) (*Entry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, ErrClosed
	}
	if i < 0 || i >= len(a.entries) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrEntryNotFound, i, len(a.entries))
	}
	return a.entries[i], nil
}

// Remove deletes the named entry. Removing a directory entry also
// removes everything beneath it. The backing file shrinks on the next
// Flush or Close.
func (a *Archive) Remove(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMutable(); err != nil {
		return err
	}
	e, ok := a.index[cleanEntryName(name)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	a.removeLocked(e)
	return nil
}

// RemoveEntry deletes the given entry, and its subtree for
// directories.
func (a *Archive) RemoveEntry(e *Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMutable(); err != nil {
		return err
	}
	if err := e.checkLive(); err != nil {
		return err
	}
	if e.arch != a {
		return fmt.Errorf("%w: entry belongs to a different archive", ErrInvalidParameter)
	}
	a.removeLocked(e)
	return nil
}

func (a *Archive) removeLocked(e *Entry) {
	victims := []*Entry{e}
	if e.isDir {
		prefix := e.name + "/"
		for _, other := range a.entries {
			if len(other.name) > len(prefix) && other.name[:len(prefix)] == prefix {
				victims = append(victims, other)
			}
		}
	}
	for _, v := range victims {
		v.removed = true
		delete(a.index, v.name)
	}
	live := a.entries[:0]
	for _, other := range a.entries {
		if !other.removed {
			live = append(live, other)
		}
	}
	a.entries = live
	a.dirty = true
}

// Rename changes an entry's archive path. Renaming a directory entry
// rewrites the paths of everything beneath it.
func (a *Archive) Rename(oldName, newName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMutable(); err != nil {
		return err
	}
	e, ok := a.index[cleanEntryName(oldName)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, oldName)
	}
	newName = cleanEntryName(newName)
	if newName == "" {
		return fmt.Errorf("%w: empty entry name", ErrInvalidParameter)
	}
	if len(newName)+1 > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes", ErrFilenameTooLong, len(newName))
	}
	if newName == e.name {
		return nil
	}
	if _, taken := a.index[newName]; taken {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, newName)
	}

	if e.isDir {
		oldPrefix := e.name + "/"
		newPrefix := newName + "/"
		for _, child := range a.entries {
			if len(child.name) > len(oldPrefix) && child.name[:len(oldPrefix)] == oldPrefix {
				renamed := newPrefix + child.name[len(oldPrefix):]
				if _, taken := a.index[renamed]; taken {
					return fmt.Errorf("%w: %s", ErrDuplicateEntry, renamed)
				}
			}
		}
		for _, child := range a.entries {
			if len(child.name) > len(oldPrefix) && child.name[:len(oldPrefix)] == oldPrefix {
				delete(a.index, child.name)
				child.name = newPrefix + child.name[len(oldPrefix):]
				a.index[child.name] = child
			}
		}
	}
	delete(a.index, e.name)
	e.name = newName
	a.index[newName] = e
	a.ensureParentDirs(newName)
	a.dirty = true
	return nil
}

// Flush commits all pending mutations. Untouched stored entries are
// copied raw; pending entries are compressed and encrypted as data
// streams. The rewrite is staged to a temporary file and renamed into
// place, so a failed flush leaves the previous archive intact.
func (a *Archive) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if !a.dirty {
		return nil
	}
	return a.flushLocked(ctx)
}

// Close flushes pending mutations and releases the backing volumes.
// Further operations on the archive or its entries fail with ErrClosed.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	var err error
	if a.dirty {
		err = a.flushLocked(context.Background())
	}
	if a.vols != nil {
		if cerr := a.vols.Close(); err == nil {
			err = cerr
		}
		a.vols = nil
	}
	a.closed = true
	return err
}

// checkMutable guards mutations: closed archives and existing split
// archives cannot be edited.
func (a *Archive) checkMutable() error {
	if a.closed {
		return ErrClosed
	}
	if a.split {
		return fmt.Errorf("%w: split archives cannot be modified in place", ErrUnsupported)
	}
	return nil
}

// ensureParentDirs materializes directory entries for every ancestor of
// name that is not yet present.
func (a *Archive) ensureParentDirs(name string) {
	for i, r := range name {
		if r != '/' {
			continue
		}
		dir := name[:i]
		if dir == "" {
			continue
		}
		if _, ok := a.index[dir]; ok {
			continue
		}
		e := &Entry{
			arch:    a,
			name:    dir,
			isDir:   true,
			mode:    os.ModeDir | 0o755,
			modTime: nowDOS(),
			params:  entryParams{method: Store},
		}
		a.entries = append(a.entries, e)
		a.index[dir] = e
	}
}
