// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package record

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFileHeaderRoundTrip(t *testing.T) {
	want := LocalFileHeader{
		VersionNeededToExtract: 20,
		GeneralPurposeBitFlag:  0x0800,
		CompressionMethod:      8,
		LastModFileTime:        0x7d1c,
		LastModFileDate:        0x5a21,
		CRC32:                  0xdeadbeef,
		CompressedSize:         1234,
		UncompressedSize:       5678,
		Filename:               "dir/file.txt",
		ExtraField:             []byte{0x01, 0x02, 0x03, 0x04},
	}

	got, err := ReadLocalFileHeader(bytes.NewReader(want.Encode()))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadLocalFileHeaderBadSignature(t *testing.T) {
	buf := make([]byte, LocalFileHeaderLen)
	binary.LittleEndian.PutUint32(buf, 0x12345678)

	_, err := ReadLocalFileHeader(bytes.NewReader(buf))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestReadLocalFileHeaderTruncated(t *testing.T) {
	full := LocalFileHeader{Filename: "a.txt"}.Encode()

	_, err := ReadLocalFileHeader(bytes.NewReader(full[:10]))
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = ReadLocalFileHeader(bytes.NewReader(full[:len(full)-2]))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestCentralDirEntryRoundTrip(t *testing.T) {
	want := CentralDirEntry{
		VersionMadeBy:          0x033f,
		VersionNeededToExtract: 45,
		GeneralPurposeBitFlag:  0x0809,
		CompressionMethod:      99,
		LastModFileTime:        0x7d1c,
		LastModFileDate:        0x5a21,
		CRC32:                  0xcafef00d,
		CompressedSize:         100,
		UncompressedSize:       200,
		DiskNumberStart:        2,
		ExternalFileAttributes: 0o644 << 16,
		LocalHeaderOffset:      4096,
		Filename:               "payload.bin",
		ExtraField: map[uint16][]byte{
			AESExtraTag: AESExtra{Version: AESVersion2, Strength: AESStrength256, Method: 8}.Encode(),
		},
		Comment: "entry comment",
	}

	enc := want.Encode()
	src := bytes.NewReader(enc)
	require.Equal(t, CentralDirectorySignature, binary.LittleEndian.Uint32(enc[:4]))
	src.Seek(4, 0)

	got, err := ReadCentralDirEntry(src)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEndOfCentralDirRoundTrip(t *testing.T) {
	want := EndOfCentralDir{
		DiskNumber:        1,
		CDStartDiskNumber: 1,
		CDCountOnDisk:     3,
		CDCount:           7,
		CDSize:            322,
		CDOffset:          9000,
		Comment:           "archive comment",
	}

	got, err := ReadEndOfCentralDir(bytes.NewReader(want.Encode()))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEndOfCentralDirNeedsZip64(t *testing.T) {
	assert.False(t, EndOfCentralDir{CDCount: 10}.NeedsZip64())
	assert.True(t, EndOfCentralDir{CDCount: Max16}.NeedsZip64())
	assert.True(t, EndOfCentralDir{CDOffset: Max32}.NeedsZip64())
	assert.True(t, EndOfCentralDir{CDSize: Max32}.NeedsZip64())
}

func TestZip64EndAndLocatorRoundTrip(t *testing.T) {
	end := Zip64EndOfCentralDir{
		Size:              Zip64EndLen - 12,
		VersionMadeBy:     0x033f,
		VersionNeeded:     45,
		DiskNumber:        3,
		CDStartDiskNumber: 2,
		CDCountOnDisk:     5,
		CDCount:           70000,
		CDSize:            1 << 33,
		CDOffset:          1 << 34,
	}
	gotEnd, err := ReadZip64EndOfCentralDir(bytes.NewReader(end.Encode()))
	require.NoError(t, err)
	assert.Equal(t, end, gotEnd)

	loc := Zip64Locator{
		Zip64EndDiskNumber: 3,
		Zip64EndOffset:     1 << 35,
		TotalDisks:         4,
	}
	gotLoc, err := ReadZip64Locator(bytes.NewReader(loc.Encode()))
	require.NoError(t, err)
	assert.Equal(t, loc, gotLoc)
}

func TestReadZip64LocatorWrongSignature(t *testing.T) {
	// Probing at a position that holds a different record must fail
	// cleanly with ErrFormat.
	_, err := ReadZip64Locator(bytes.NewReader(EndOfCentralDir{}.Encode()))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestDataDescriptorRoundTrip(t *testing.T) {
	d := DataDescriptor{CRC32: 0xabad1dea, CompressedSize: 11, UncompressedSize: 22}

	for _, zip64 := range []bool{false, true} {
		enc := d.Encode(zip64)
		got, err := ReadDataDescriptor(bytes.NewReader(enc), zip64)
		require.NoError(t, err)
		assert.Equal(t, d, got)

		// The signature is optional on the wire.
		got, err = ReadDataDescriptor(bytes.NewReader(enc[4:]), zip64)
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
}

func TestDataDescriptorZip64Sizes(t *testing.T) {
	d := DataDescriptor{CRC32: 1, CompressedSize: 1 << 40, UncompressedSize: 1 << 41}
	got, err := ReadDataDescriptor(bytes.NewReader(d.Encode(true)), true)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestZip64ExtraSelectiveFields(t *testing.T) {
	z := Zip64Extra{
		UncompressedSize:     1 << 33,
		HasUncompressedSize:  true,
		LocalHeaderOffset:    1 << 34,
		HasLocalHeaderOffset: true,
	}
	enc := z.Encode()

	got, err := ParseZip64Extra(enc, true, false, true, false)
	require.NoError(t, err)
	assert.Equal(t, z, got)
}

func TestZip64ExtraTruncated(t *testing.T) {
	z := Zip64Extra{UncompressedSize: 5, HasUncompressedSize: true, CompressedSize: 6, HasCompressedSize: true}
	enc := z.Encode()

	_, err := ParseZip64Extra(enc[:len(enc)-4], true, true, false, false)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestAESExtraRoundTrip(t *testing.T) {
	want := AESExtra{Version: AESVersion1, Strength: AESStrength192, Method: 0}
	got, err := ParseAESExtra(want.Encode())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAESExtraRejectsBadFields(t *testing.T) {
	bad := AESExtra{Version: AESVersion2, Strength: AESStrength128, Method: 8}.Encode()
	bad[6], bad[7] = 'X', 'Y'
	_, err := ParseAESExtra(bad)
	assert.ErrorIs(t, err, ErrFormat)

	bad = AESExtra{Version: AESVersion2, Strength: AESStrength128, Method: 8}.Encode()
	bad[8] = 0x09
	_, err = ParseAESExtra(bad)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestParseExtraFieldSplitsBlocks(t *testing.T) {
	aes := AESExtra{Version: AESVersion2, Strength: AESStrength256, Method: 8}.Encode()
	zip64 := EncodeZip64LocalExtra(10, 20)

	fields := ParseExtraField(append(append([]byte{}, zip64...), aes...))
	require.Len(t, fields, 2)
	assert.Equal(t, zip64, fields[Zip64ExtraTag])
	assert.Equal(t, aes, fields[AESExtraTag])
}

func TestEncodeSplitMarker(t *testing.T) {
	marker := EncodeSplitMarker()
	require.Len(t, marker, SplitMarkerLen)
	assert.Equal(t, SplitMarkerSignature, binary.LittleEndian.Uint32(marker))
}
