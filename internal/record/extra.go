// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package record

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Extra field tags handled by the engine.
const (
	Zip64ExtraTag uint16 = 0x0001
	AESExtraTag   uint16 = 0x9901
)

// Zip64Extra carries the 64-bit values whose 32-bit directory fields
// overflowed. Presence flags mirror which directory fields held the
// 0xFFFFFFFF (or 0xFFFF for the disk number) sentinel.
type Zip64Extra struct {
	UncompressedSize  uint64
	CompressedSize    uint64
	LocalHeaderOffset uint64
	DiskNumberStart   uint32

	HasUncompressedSize  bool
	HasCompressedSize    bool
	HasLocalHeaderOffset bool
	HasDiskNumberStart   bool
}

// ParseZip64Extra reads a Zip64 extra block (tag and length included).
// The block only contains values for fields that overflowed, in the
// fixed ZIP appnote order, so the caller passes the sentinel state of
// the enclosing directory entry.
func ParseZip64Extra(block []byte, sizeMax, compMax, offsetMax, diskMax bool) (Zip64Extra, error) {
	var z Zip64Extra
	if len(block) < 4 {
		return z, fmt.Errorf("%w: short zip64 extra field", ErrTruncated)
	}
	data := block[4:]
	pos := 0

	need := func(n int) error {
		if pos+n > len(data) {
			return fmt.Errorf("%w: zip64 extra field shorter than declared fields", ErrTruncated)
		}
		return nil
	}

	if sizeMax {
		if err := need(8); err != nil {
			return z, err
		}
		z.UncompressedSize = binary.LittleEndian.Uint64(data[pos:])
		z.HasUncompressedSize = true
		pos += 8
	}
	if compMax {
		if err := need(8); err != nil {
			return z, err
		}
		z.CompressedSize = binary.LittleEndian.Uint64(data[pos:])
		z.HasCompressedSize = true
		pos += 8
	}
	if offsetMax {
		if err := need(8); err != nil {
			return z, err
		}
		z.LocalHeaderOffset = binary.LittleEndian.Uint64(data[pos:])
		z.HasLocalHeaderOffset = true
		pos += 8
	}
	if diskMax {
		if err := need(4); err != nil {
			return z, err
		}
		z.DiskNumberStart = binary.LittleEndian.Uint32(data[pos:])
		z.HasDiskNumberStart = true
	}
	return z, nil
}

// Encode serializes only the flagged values, matching the sentinel
// layout the central directory entry will carry.
func (z Zip64Extra) Encode() []byte {
	buf := make([]byte, 4, 4+28)
	binary.LittleEndian.PutUint16(buf[0:2], Zip64ExtraTag)

	if z.HasUncompressedSize {
		buf = binary.LittleEndian.AppendUint64(buf, z.UncompressedSize)
	}
	if z.HasCompressedSize {
		buf = binary.LittleEndian.AppendUint64(buf, z.CompressedSize)
	}
	if z.HasLocalHeaderOffset {
		buf = binary.LittleEndian.AppendUint64(buf, z.LocalHeaderOffset)
	}
	if z.HasDiskNumberStart {
		buf = binary.LittleEndian.AppendUint32(buf, z.DiskNumberStart)
	}

	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(buf)-4))
	return buf
}

// EncodeZip64LocalExtra is the local-header variant: the appnote
// requires both sizes whenever the field appears in a local header.
func EncodeZip64LocalExtra(uncompressed, compressed uint64) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint16(buf[0:2], Zip64ExtraTag)
	binary.LittleEndian.PutUint16(buf[2:4], 16)
	binary.LittleEndian.PutUint64(buf[4:12], uncompressed)
	binary.LittleEndian.PutUint64(buf[12:20], compressed)
	return buf
}

// AES extra-field constants per the WinZip AE-x specification.
const (
	AESVendorID = "AE"

	AESVersion1 uint16 = 0x0001 // AE-1: CRC present
	AESVersion2 uint16 = 0x0002 // AE-2: CRC zeroed

	AESStrength128 byte = 0x01
	AESStrength192 byte = 0x02
	AESStrength256 byte = 0x03
)

// AESExtra is the 0x9901 extra block: AE format version, key strength
// and the real compression method hidden behind the 99 method marker.
type AESExtra struct {
	Version  uint16
	Strength byte
	Method   uint16
}

func ParseAESExtra(block []byte) (AESExtra, error) {
	// Tag(2) + Size(2) + Version(2) + "AE"(2) + Strength(1) + Method(2)
	if len(block) < 11 {
		return AESExtra{}, fmt.Errorf("%w: short aes extra field", ErrTruncated)
	}
	if block[6] != 'A' || block[7] != 'E' {
		return AESExtra{}, fmt.Errorf("%w: bad aes vendor id", ErrFormat)
	}
	e := AESExtra{
		Version:  binary.LittleEndian.Uint16(block[4:6]),
		Strength: block[8],
		Method:   binary.LittleEndian.Uint16(block[9:11]),
	}
	if e.Version != AESVersion1 && e.Version != AESVersion2 {
		return AESExtra{}, fmt.Errorf("%w: aes format version %d", ErrUnsupported, e.Version)
	}
	switch e.Strength {
	case AESStrength128, AESStrength192, AESStrength256:
	default:
		return AESExtra{}, fmt.Errorf("%w: aes key strength %#x", ErrUnsupported, e.Strength)
	}
	return e, nil
}

func (e AESExtra) Encode() []byte {
	buf := make([]byte, 11)
	binary.LittleEndian.PutUint16(buf[0:2], AESExtraTag)
	binary.LittleEndian.PutUint16(buf[2:4], 7)
	binary.LittleEndian.PutUint16(buf[4:6], e.Version)
	buf[6] = AESVendorID[0]
	buf[7] = AESVendorID[1]
	buf[8] = e.Strength
	binary.LittleEndian.PutUint16(buf[9:11], e.Method)
	return buf
}

// Sentinel values marking "read the Zip64 extra field instead".
const (
	Max16 = math.MaxUint16
	Max32 = math.MaxUint32
)
