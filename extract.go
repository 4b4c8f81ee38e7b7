// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ExtractOption adjusts an extract operation.
type ExtractOption func(*extractConfig)

type extractConfig struct {
	password    string
	concurrency int
}

// WithExtractPassword supplies a password for this operation only,
// overriding the archive default.
func WithExtractPassword(password string) ExtractOption {
	return func(c *extractConfig) { c.password = password }
}

// WithConcurrency extracts up to n entries in parallel. Values below 2
// keep extraction sequential.
func WithConcurrency(n int) ExtractOption {
	return func(c *extractConfig) { c.concurrency = n }
}

func buildExtractConfig(opts []ExtractOption) extractConfig {
	var c extractConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// OpenEntry returns a reader over the named entry's content. It is
// shorthand for EntryByName followed by Open.
func (a *Archive) OpenEntry(name string) (io.ReadCloser, error) {
	e, err := a.EntryByName(name)
	if err != nil {
		return nil, err
	}
	return e.Open()
}

// ExtractData returns the named entry's content in memory.
func (a *Archive) ExtractData(name string, opts ...ExtractOption) ([]byte, error) {
	cfg := buildExtractConfig(opts)
	e, err := a.EntryByName(name)
	if err != nil {
		return nil, err
	}
	rc, err := e.OpenWithPassword(cfg.password)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ExtractAll writes every entry beneath destDir, restoring permission
// bits and modification times. Progress is reported on the archive's
// monitor; cancellation, through the monitor or ctx, takes effect
// between entries.
func (a *Archive) ExtractAll(ctx context.Context, destDir string, opts ...ExtractOption) error {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return ErrClosed
	}
	entries := make([]*Entry, len(a.entries))
	copy(entries, a.entries)
	a.mu.RUnlock()

	return a.extractEntries(ctx, entries, destDir, buildExtractConfig(opts))
}

// ExtractFile extracts the named entry, and its subtree for directory
// entries.
func (a *Archive) ExtractFile(ctx context.Context, name string, destDir string, opts ...ExtractOption) error {
	e, err := a.EntryByName(name)
	if err != nil {
		return err
	}
	return a.ExtractEntry(ctx, e, destDir, opts...)
}

// ExtractEntry extracts one entry beneath destDir. Directory entries
// bring everything beneath them.
func (a *Archive) ExtractEntry(ctx context.Context, e *Entry, destDir string, opts ...ExtractOption) error {
	a.mu.RLock()
	if err := e.checkLive(); err != nil {
		a.mu.RUnlock()
		return err
	}
	targets := []*Entry{e}
	if e.isDir {
		prefix := e.name + "/"
		for _, other := range a.entries {
			if strings.HasPrefix(other.name, prefix) {
				targets = append(targets, other)
			}
		}
	}
	a.mu.RUnlock()

	return a.extractEntries(ctx, targets, destDir, buildExtractConfig(opts))
}

func (a *Archive) extractEntries(ctx context.Context, entries []*Entry, destDir string, cfg extractConfig) error {
	var total int64
	for _, e := range entries {
		if !e.isDir {
			total += e.uncompressedSize
		}
	}
	a.monitor.begin(total)

	var err error
	if cfg.concurrency > 1 {
		err = a.extractParallel(ctx, entries, destDir, cfg)
	} else {
		err = a.extractSequential(ctx, entries, destDir, cfg)
	}
	a.monitor.finish(err)
	return err
}

func (a *Archive) extractSequential(ctx context.Context, entries []*Entry, destDir string, cfg extractConfig) error {
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if a.monitor.cancelled() {
			return ErrCancelled
		}
		if err := a.extractOne(ctx, e, destDir, cfg.password); err != nil {
			return err
		}
	}
	return nil
}

// extractParallel fans entries out over an errgroup. Entries write to
// distinct files, so they can proceed independently; directory slots
// are created first so parents exist before their children land.
func (a *Archive) extractParallel(ctx context.Context, entries []*Entry, destDir string, cfg extractConfig) error {
	for _, e := range entries {
		if e.isDir {
			if err := a.extractOne(ctx, e, destDir, cfg.password); err != nil {
				return err
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	for _, e := range entries {
		if e.isDir {
			continue
		}
		if a.monitor.cancelled() {
			break
		}
		e := e
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if a.monitor.cancelled() {
				return ErrCancelled
			}
			return a.extractOne(gctx, e, destDir, cfg.password)
		})
	}
	return g.Wait()
}

// securePath joins an entry name onto destDir, rejecting names that
// would escape it.
func securePath(destDir, name string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return "", fmt.Errorf("%w: %s", ErrInsecurePath, name)
	}
	return filepath.Join(destDir, filepath.FromSlash(name)), nil
}

func (a *Archive) extractOne(ctx context.Context, e *Entry, destDir, password string) error {
	target, err := securePath(destDir, e.name)
	if err != nil {
		return err
	}

	if e.isDir {
		if err := os.MkdirAll(target, e.mode.Perm()|0o700); err != nil {
			return fmt.Errorf("extract %s: %w", e.name, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("extract %s: %w", e.name, err)
	}

	rc, err := e.OpenWithPassword(password)
	if err != nil {
		return err
	}
	defer rc.Close()

	if e.mode&fs.ModeSymlink != 0 {
		return a.extractSymlink(e, rc, target)
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, e.mode.Perm())
	if err != nil {
		return fmt.Errorf("extract %s: %w", e.name, err)
	}
	dest := io.MultiWriter(f, progressWriter{&a.monitor})
	_, err = io.Copy(dest, &contextReader{ctx: ctx, src: rc})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return fmt.Errorf("extract %s: %w", e.name, err)
	}
	if !e.modTime.IsZero() {
		os.Chtimes(target, e.modTime, e.modTime)
	}
	return nil
}

// extractSymlink materializes a symlink entry. Targets that point
// outside the extraction root are refused.
func (a *Archive) extractSymlink(e *Entry, rc io.Reader, target string) error {
	raw, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("extract %s: %w", e.name, err)
	}
	link := string(raw)
	if filepath.IsAbs(link) || !filepath.IsLocal(filepath.Join(filepath.Dir(e.name), link)) {
		return fmt.Errorf("%w: %s -> %s", ErrInsecurePath, e.name, link)
	}
	os.Remove(target)
	if err := os.Symlink(link, target); err != nil {
		return fmt.Errorf("extract %s: %w", e.name, err)
	}
	a.monitor.advance(int64(len(raw)))
	return nil
}
