// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZipCryptoKeySchedule(t *testing.T) {
	// Identical passwords produce identical register states, different
	// passwords diverge.
	a := newZipCryptoCipher("password")
	b := newZipCryptoCipher("password")
	assert.Equal(t, *a, *b)

	c := newZipCryptoCipher("passwore")
	assert.NotEqual(t, *a, *c)
}

func TestZipCryptoWriterReaderRoundTrip(t *testing.T) {
	plain := []byte("the quick brown fox jumps over the lazy dog")
	crc := uint32(0xa1b2c3d4)

	for _, streamed := range []bool{false, true} {
		var buf bytes.Buffer

		check := byte(crc >> 24)
		flags := uint16(0)
		if streamed {
			check = byte(uint16(0x7d1c) >> 8)
			flags = 0x8
		}

		w, err := newZipCryptoWriter(&buf, "hunter2", check)
		require.NoError(t, err)
		_, err = w.Write(plain)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		assert.Equal(t, zipCryptoHeaderLen+len(plain), buf.Len())

		r, err := newZipCryptoReader(&buf, "hunter2", flags, crc, 0x7d1c)
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestZipCryptoWriterLeavesInputIntact(t *testing.T) {
	var buf bytes.Buffer
	w, err := newZipCryptoWriter(&buf, "pw", 0x00)
	require.NoError(t, err)

	plain := []byte("do not mutate")
	keep := append([]byte(nil), plain...)
	_, err = w.Write(plain)
	require.NoError(t, err)
	assert.Equal(t, keep, plain)
}

func TestAESRoundTripAllStrengths(t *testing.T) {
	plain := testAESPayload(4 << 10)

	for _, strength := range []AESKeyStrength{AES128, AES192, AES256} {
		var buf bytes.Buffer

		w, err := newAESWriter(&buf, "correct horse", strength)
		require.NoError(t, err)
		_, err = w.Write(plain)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		assert.Equal(t, int64(len(plain))+aesOverhead(strength), int64(buf.Len()))

		r, err := newAESReader(bytes.NewReader(buf.Bytes()), "correct horse", strength, int64(buf.Len()))
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestAESWrongPassword(t *testing.T) {
	var buf bytes.Buffer
	w, err := newAESWriter(&buf, "right", AES256)
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = newAESReader(bytes.NewReader(buf.Bytes()), "wrong", AES256, int64(buf.Len()))
	assert.ErrorIs(t, err, ErrPasswordMismatch)
}

func TestAESTamperDetected(t *testing.T) {
	var buf bytes.Buffer
	w, err := newAESWriter(&buf, "pw", AES128)
	require.NoError(t, err)
	_, err = w.Write(testAESPayload(1 << 10))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw := buf.Bytes()
	// Flip one ciphertext byte past the salt and verifier.
	raw[int(aesOverhead(AES128))-aesMacLen+100] ^= 0x01

	r, err := newAESReader(bytes.NewReader(raw), "pw", AES128, int64(len(raw)))
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestAESPayloadTooShort(t *testing.T) {
	_, err := newAESReader(bytes.NewReader(make([]byte, 4)), "pw", AES256, 4)
	assert.ErrorIs(t, err, ErrTruncated)
}

func testAESPayload(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i * 31)
	}
	return buf
}
