// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// Compressor transforms raw data into compressed data.
type Compressor interface {
	// Compress reads from src and writes compressed data to dest.
	// Returns the number of uncompressed bytes read.
	Compress(src io.Reader, dest io.Writer) (int64, error)
}

// Decompressor transforms compressed data back into raw data.
type Decompressor interface {
	// Decompress returns a stream of uncompressed data.
	Decompress(src io.Reader) (io.ReadCloser, error)
}

// codecRegistry resolves compression methods to codecs. Store and
// Deflate are built in; further methods (Zstd among them) register
// explicitly. Unknown methods fail, never pass bytes through raw.
type codecRegistry struct {
	mu            sync.RWMutex
	compressors   map[CompressionMethod]func(level CompressionLevel) (Compressor, error)
	decompressors map[CompressionMethod]Decompressor
	deflaters     map[int]*deflateCompressor
}

func newCodecRegistry() *codecRegistry {
	r := &codecRegistry{
		compressors:   make(map[CompressionMethod]func(CompressionLevel) (Compressor, error)),
		decompressors: make(map[CompressionMethod]Decompressor),
		deflaters:     make(map[int]*deflateCompressor),
	}
	r.decompressors[Store] = storedDecompressor{}
	r.decompressors[Deflate] = deflateDecompressor{}
	return r
}

func (r *codecRegistry) registerCompressor(method CompressionMethod, factory func(CompressionLevel) (Compressor, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compressors[method] = factory
}

func (r *codecRegistry) registerDecompressor(method CompressionMethod, d Decompressor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decompressors[method] = d
}

func (r *codecRegistry) compressor(method CompressionMethod, level CompressionLevel) (Compressor, error) {
	r.mu.RLock()
	factory, ok := r.compressors[method]
	r.mu.RUnlock()
	if ok {
		return factory(level)
	}

	switch method {
	case Store:
		return storedCompressor{}, nil
	case Deflate:
		flateLevel, err := level.flateLevel()
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.deflaters[flateLevel]; ok {
			return c, nil
		}
		c := newDeflateCompressor(flateLevel)
		r.deflaters[flateLevel] = c
		return c, nil
	default:
		return nil, fmt.Errorf("%w: compression method %s", ErrUnsupported, method)
	}
}

func (r *codecRegistry) decompressor(method CompressionMethod) (Decompressor, error) {
	r.mu.RLock()
	d, ok := r.decompressors[method]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: compression method %s", ErrUnsupported, method)
	}
	return d, nil
}

// storedCompressor implements the Store method (pass-through).
type storedCompressor struct{}

func (storedCompressor) Compress(src io.Reader, dest io.Writer) (int64, error) {
	return io.Copy(dest, src)
}

type storedDecompressor struct{}

func (storedDecompressor) Decompress(src io.Reader) (io.ReadCloser, error) {
	if rc, ok := src.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(src), nil
}

// deflateCompressor reuses flate writers across entries at one level.
type deflateCompressor struct {
	pool sync.Pool
}

func newDeflateCompressor(level int) *deflateCompressor {
	return &deflateCompressor{
		pool: sync.Pool{
			New: func() interface{} {
				w, _ := flate.NewWriter(io.Discard, level)
				return w
			},
		},
	}
}

func (d *deflateCompressor) Compress(src io.Reader, dest io.Writer) (int64, error) {
	w := d.pool.Get().(*flate.Writer)
	defer d.pool.Put(w)

	w.Reset(dest)

	n, err := io.Copy(w, src)
	if err != nil {
		return n, err
	}
	return n, w.Close()
}

type deflateDecompressor struct{}

func (deflateDecompressor) Decompress(src io.Reader) (io.ReadCloser, error) {
	return flate.NewReader(src), nil
}

// ZstdCompressor implements Zstandard compression (method 93). It is
// not registered by default; callers opt in via RegisterZstd.
type ZstdCompressor struct {
	level zstd.EncoderLevel
}

func (c ZstdCompressor) Compress(src io.Reader, dest io.Writer) (int64, error) {
	enc, err := zstd.NewWriter(dest, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(enc, src)
	if err != nil {
		enc.Close()
		return n, err
	}
	return n, enc.Close()
}

// ZstdDecompressor implements Zstandard decompression.
type ZstdDecompressor struct{}

func (ZstdDecompressor) Decompress(src io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(dec.IOReadCloser()), nil
}

// RegisterZstd enables reading and writing Zstandard entries on the
// archive. Archives using method 93 are not readable by most ZIP tools.
func (a *Archive) RegisterZstd() {
	a.codecs.registerCompressor(Zstd, func(level CompressionLevel) (Compressor, error) {
		enc := zstd.SpeedDefault
		switch level {
		case LevelFastest, LevelNone:
			enc = zstd.SpeedFastest
		case LevelMaximum:
			enc = zstd.SpeedBestCompression
		}
		return ZstdCompressor{level: enc}, nil
	})
	a.codecs.registerDecompressor(Zstd, ZstdDecompressor{})
}

// RegisterCompressor installs a codec factory for a compression method.
func (a *Archive) RegisterCompressor(method CompressionMethod, factory func(CompressionLevel) (Compressor, error)) {
	a.codecs.registerCompressor(method, factory)
}

// RegisterDecompressor adds read support for a compression method.
func (a *Archive) RegisterDecompressor(method CompressionMethod, d Decompressor) {
	a.codecs.registerDecompressor(method, d)
}
