// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"crypto/rand"
	"fmt"
	"hash/crc32"
	"io"
)

// Traditional PKWARE encryption. Not cryptographically strong, kept
// bit-compatible with the ZIP standard for interoperability.

const (
	zipCryptoHeaderLen = 12
	zipCryptoMagic     = 134775813
)

var zipCryptoTable = crc32.MakeTable(crc32.IEEE)

// zipCryptoCipher holds the three rolling key registers. The state is
// fixed-size, so the cipher composes with streaming reads and writes.
type zipCryptoCipher struct {
	k0, k1, k2 uint32
}

func newZipCryptoCipher(password string) *zipCryptoCipher {
	c := &zipCryptoCipher{
		k0: 0x12345678,
		k1: 0x23456789,
		k2: 0x34567890,
	}
	for i := 0; i < len(password); i++ {
		c.updateKeys(password[i])
	}
	return c
}

func (c *zipCryptoCipher) updateKeys(b byte) {
	c.k0 = zipCryptoTable[(c.k0^uint32(b))&0xff] ^ (c.k0 >> 8)
	c.k1 = (c.k1+(c.k0&0xff))*zipCryptoMagic + 1
	c.k2 = zipCryptoTable[(c.k2^uint32(byte(c.k1>>24)))&0xff] ^ (c.k2 >> 8)
}

func (c *zipCryptoCipher) magicByte() byte {
	t := c.k2 | 2
	return byte((t * (t ^ 1)) >> 8)
}

func (c *zipCryptoCipher) encrypt(buf []byte) {
	for i, b := range buf {
		out := b ^ c.magicByte()
		c.updateKeys(b)
		buf[i] = out
	}
}

func (c *zipCryptoCipher) decrypt(buf []byte) {
	for i, in := range buf {
		b := in ^ c.magicByte()
		c.updateKeys(b)
		buf[i] = b
	}
}

// zipCryptoWriter encrypts a payload stream. The 12-byte encryption
// header is written up front; its last byte is the verification byte
// the reader will check against the CRC.
type zipCryptoWriter struct {
	dest   io.Writer
	cipher *zipCryptoCipher
}

func newZipCryptoWriter(dest io.Writer, password string, checkByte byte) (io.WriteCloser, error) {
	cipher := newZipCryptoCipher(password)

	header := make([]byte, zipCryptoHeaderLen)
	if _, err := rand.Read(header); err != nil {
		return nil, fmt.Errorf("crypto rand: %w", err)
	}
	header[zipCryptoHeaderLen-1] = checkByte
	cipher.encrypt(header)

	if _, err := dest.Write(header); err != nil {
		return nil, fmt.Errorf("write crypto header: %w", err)
	}

	return &zipCryptoWriter{dest: dest, cipher: cipher}, nil
}

func (w *zipCryptoWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	// Encrypt a copy so the caller's buffer survives.
	buf := make([]byte, len(p))
	copy(buf, p)
	w.cipher.encrypt(buf)
	return w.dest.Write(buf)
}

func (w *zipCryptoWriter) Close() error {
	if c, ok := w.dest.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type zipCryptoReader struct {
	src    io.Reader
	cipher *zipCryptoCipher
}

// newZipCryptoReader decrypts the 12-byte header and rejects with
// ErrPasswordMismatch before exposing any payload. When bit 3 of the
// general purpose flag is set the local header carried no CRC, so the
// high byte of the DOS time stands in as the verification byte.
func newZipCryptoReader(src io.Reader, password string, flags uint16, crc uint32, dosTime uint16) (io.Reader, error) {
	cipher := newZipCryptoCipher(password)

	header := make([]byte, zipCryptoHeaderLen)
	if _, err := io.ReadFull(src, header); err != nil {
		return nil, fmt.Errorf("read crypto header: %w", err)
	}
	cipher.decrypt(header)

	var want byte
	if flags&0x8 != 0 {
		want = byte(dosTime >> 8)
	} else {
		want = byte(crc >> 24)
	}
	if header[zipCryptoHeaderLen-1] != want {
		return nil, ErrPasswordMismatch
	}

	return &zipCryptoReader{src: src, cipher: cipher}, nil
}

func (r *zipCryptoReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.cipher.decrypt(p[:n])
	}
	return n, err
}
