// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePasswordImpliesAES(t *testing.T) {
	p, err := Parameters{CompressionMethod: Deflate, Password: "pw"}.normalize("")
	require.NoError(t, err)
	assert.Equal(t, AES, p.EncryptionMethod)
	assert.Equal(t, AES256, p.AESKeyStrength)
}

func TestNormalizeArchivePasswordFallback(t *testing.T) {
	p, err := Parameters{CompressionMethod: Deflate, EncryptionMethod: ZipCrypto}.normalize("archive-pw")
	require.NoError(t, err)
	assert.Equal(t, "archive-pw", p.Password)
	assert.Equal(t, ZipCrypto, p.EncryptionMethod)
}

func TestNormalizeRejectsBadValues(t *testing.T) {
	_, err := Parameters{CompressionMethod: 42}.normalize("")
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = Parameters{CompressionMethod: Deflate, EncryptionMethod: ZipCrypto}.normalize("")
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = Parameters{CompressionMethod: Deflate, CompressionLevel: 17}.normalize("")
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestDOSTimeRoundTrip(t *testing.T) {
	// Two-second resolution, local zone.
	want := time.Date(2024, time.March, 15, 13, 37, 42, 0, time.Local)
	d, tm := timeToDOS(want)
	assert.Equal(t, want, dosToTime(d, tm))

	odd := time.Date(2024, time.March, 15, 13, 37, 43, 0, time.Local)
	d, tm = timeToDOS(odd)
	assert.Equal(t, want, dosToTime(d, tm), "odd seconds truncate")
}

func TestDOSTimeClampsPre1980(t *testing.T) {
	d, tm := timeToDOS(time.Date(1969, time.July, 20, 20, 17, 0, 0, time.UTC))
	got := dosToTime(d, tm)
	assert.Equal(t, 1980, got.Year())
}

func TestCleanEntryName(t *testing.T) {
	assert.Equal(t, "a/b.txt", cleanEntryName("a/b.txt"))
	assert.Equal(t, "a/b.txt", cleanEntryName("/a/b.txt"))
	assert.Equal(t, "docs", cleanEntryName("docs/"))
	assert.Equal(t, "a/b", cleanEntryName(`a\b`))
}

func TestZip64Headroom(t *testing.T) {
	assert.True(t, zip64Headroom(SizeUnknown))
	assert.False(t, zip64Headroom(1<<20))
	assert.True(t, zip64Headroom(1<<40))
}

func TestSplitPartName(t *testing.T) {
	assert.Equal(t, "/tmp/a.z01", splitPartName("/tmp/a.zip", 0))
	assert.Equal(t, "/tmp/a.z12", splitPartName("/tmp/a.zip", 11))
}
