// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// WinZip AES (AE-1/AE-2). Payload layout per entry:
//
//	salt | 2-byte password verifier | AES-CTR ciphertext | 10-byte MAC
//
// The counter is 128-bit little-endian starting at 1, the MAC is
// HMAC-SHA1 over the ciphertext truncated to 10 bytes, and all key
// material comes from one PBKDF2-HMAC-SHA1 pass with 1000 iterations.

const (
	aesMacLen      = 10
	aesVerifierLen = 2
	aesIterations  = 1000
)

type aesKeys struct {
	encKey   []byte
	macKey   []byte
	verifier []byte
}

func deriveAESKeys(password string, salt []byte, keySize int) aesKeys {
	dk := pbkdf2.Key([]byte(password), salt, aesIterations, 2*keySize+aesVerifierLen, sha1.New)
	return aesKeys{
		encKey:   dk[:keySize],
		macKey:   dk[keySize : 2*keySize],
		verifier: dk[2*keySize:],
	}
}

// aesOverhead is the per-entry byte cost beyond the ciphertext.
func aesOverhead(strength AESKeyStrength) int64 {
	return int64(strength.saltSize() + aesVerifierLen + aesMacLen)
}

// ctrStream implements the WinZip CTR variant. The standard library's
// CTR increments the counter big-endian; WinZip increments it
// little-endian, so the keystream is produced by hand.
type ctrStream struct {
	block   cipher.Block
	counter [aes.BlockSize]byte
	stream  [aes.BlockSize]byte
	pos     int
}

func newCTRStream(block cipher.Block) *ctrStream {
	s := &ctrStream{block: block}
	s.counter[0] = 1
	return s
}

func (s *ctrStream) XORKeyStream(dst, src []byte) {
	for i := range src {
		if s.pos == 0 {
			s.block.Encrypt(s.stream[:], s.counter[:])
			for j := 0; j < aes.BlockSize; j++ {
				s.counter[j]++
				if s.counter[j] != 0 {
					break
				}
			}
		}
		dst[i] = src[i] ^ s.stream[s.pos]
		s.pos = (s.pos + 1) % aes.BlockSize
	}
}

// aesWriter encrypts a payload stream: encrypt-then-MAC, tag appended
// on Close.
type aesWriter struct {
	dest   io.Writer
	stream *ctrStream
	mac    hash.Hash
}

func newAESWriter(dest io.Writer, password string, strength AESKeyStrength) (io.WriteCloser, error) {
	keySize, err := strength.keySize()
	if err != nil {
		return nil, err
	}

	salt := make([]byte, strength.saltSize())
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("aes rand: %w", err)
	}
	keys := deriveAESKeys(password, salt, keySize)

	if _, err := dest.Write(salt); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	if _, err := dest.Write(keys.verifier); err != nil {
		return nil, fmt.Errorf("write password verifier: %w", err)
	}

	block, err := aes.NewCipher(keys.encKey)
	if err != nil {
		return nil, err
	}

	return &aesWriter{
		dest:   dest,
		stream: newCTRStream(block),
		mac:    hmac.New(sha1.New, keys.macKey),
	}, nil
}

func (w *aesWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	w.stream.XORKeyStream(buf, p)
	w.mac.Write(buf)
	return w.dest.Write(buf)
}

func (w *aesWriter) Close() error {
	sum := w.mac.Sum(nil)
	if _, err := w.dest.Write(sum[:aesMacLen]); err != nil {
		return fmt.Errorf("write auth code: %w", err)
	}
	if c, ok := w.dest.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// aesReader decrypts a payload stream. The password verifier is checked
// before any ciphertext is touched; the MAC is checked when the payload
// is exhausted, and a mismatch fails the read even though the plaintext
// already streamed through the decompressor.
type aesReader struct {
	payload io.Reader // exactly the ciphertext bytes
	tail    io.Reader // positioned at the MAC after payload EOF
	stream  *ctrStream
	mac     hash.Hash
	checked bool
}

// newAESReader expects src positioned at the salt. compressedSize is
// the full stored payload including salt, verifier and MAC.
func newAESReader(src io.Reader, password string, strength AESKeyStrength, compressedSize int64) (io.Reader, error) {
	keySize, err := strength.keySize()
	if err != nil {
		return nil, err
	}

	overhead := aesOverhead(strength)
	if compressedSize < overhead {
		return nil, fmt.Errorf("%w: aes payload smaller than its framing", ErrTruncated)
	}

	salt := make([]byte, strength.saltSize())
	if _, err := io.ReadFull(src, salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	keys := deriveAESKeys(password, salt, keySize)

	verifier := make([]byte, aesVerifierLen)
	if _, err := io.ReadFull(src, verifier); err != nil {
		return nil, fmt.Errorf("read password verifier: %w", err)
	}
	if !bytes.Equal(verifier, keys.verifier) {
		return nil, ErrPasswordMismatch
	}

	block, err := aes.NewCipher(keys.encKey)
	if err != nil {
		return nil, err
	}

	return &aesReader{
		payload: io.LimitReader(src, compressedSize-overhead),
		tail:    src,
		stream:  newCTRStream(block),
		mac:     hmac.New(sha1.New, keys.macKey),
	}, nil
}

func (r *aesReader) Read(p []byte) (int, error) {
	n, err := r.payload.Read(p)
	if n > 0 {
		r.mac.Write(p[:n])
		r.stream.XORKeyStream(p[:n], p[:n])
	}

	if err == io.EOF && !r.checked {
		r.checked = true
		want := make([]byte, aesMacLen)
		if _, macErr := io.ReadFull(r.tail, want); macErr != nil {
			return n, fmt.Errorf("read auth code: %w", macErr)
		}
		if !hmac.Equal(r.mac.Sum(nil)[:aesMacLen], want) {
			return n, ErrAuthentication
		}
	}

	return n, err
}
