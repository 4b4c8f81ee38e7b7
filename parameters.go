// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"fmt"

	"github.com/klauspost/compress/flate"
	"github.com/zipcore/zipcore/internal/record"
)

// CompressionMethod identifies the algorithm an entry's payload is
// stored with, using the ZIP method numbers.
type CompressionMethod uint16

const (
	Store   CompressionMethod = 0  // no compression
	Deflate CompressionMethod = 8  // DEFLATE, the common case
	Zstd    CompressionMethod = 93 // Zstandard, via the codec registry
)

func (m CompressionMethod) String() string {
	switch m {
	case Store:
		return "store"
	case Deflate:
		return "deflate"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("method(%d)", uint16(m))
	}
}

// CompressionLevel selects the speed/ratio trade-off for Deflate.
type CompressionLevel int

const (
	LevelNormal  CompressionLevel = iota // balanced, the default
	LevelNone                            // no compression effort
	LevelFastest                         // favor speed
	LevelMaximum                         // favor ratio
)

// flateLevel maps a level onto the flate package's numeric scale.
func (l CompressionLevel) flateLevel() (int, error) {
	switch l {
	case LevelNone:
		return flate.NoCompression, nil
	case LevelFastest:
		return flate.BestSpeed, nil
	case LevelNormal:
		return flate.DefaultCompression, nil
	case LevelMaximum:
		return flate.BestCompression, nil
	default:
		return 0, fmt.Errorf("%w: compression level %d", ErrInvalidParameter, int(l))
	}
}

// EncryptionMethod identifies how an entry's payload is protected.
type EncryptionMethod uint8

const (
	NotEncrypted EncryptionMethod = iota
	ZipCrypto                     // traditional PKWARE encryption
	AES                           // WinZip AES (AE-1/AE-2)
)

func (m EncryptionMethod) String() string {
	switch m {
	case NotEncrypted:
		return "none"
	case ZipCrypto:
		return "zipcrypto"
	case AES:
		return "aes"
	default:
		return fmt.Sprintf("encryption(%d)", uint8(m))
	}
}

// AESKeyStrength selects the AES key size in bits.
type AESKeyStrength uint8

const (
	AES128 AESKeyStrength = 1
	AES192 AESKeyStrength = 2
	AES256 AESKeyStrength = 3
)

// keySize returns the key length in bytes. Salt length is half of it
// per the WinZip specification.
func (s AESKeyStrength) keySize() (int, error) {
	switch s {
	case AES128:
		return 16, nil
	case AES192:
		return 24, nil
	case AES256:
		return 32, nil
	default:
		return 0, fmt.Errorf("%w: aes key strength %d", ErrInvalidParameter, uint8(s))
	}
}

func (s AESKeyStrength) saltSize() int {
	n, _ := s.keySize()
	return n / 2
}

func (s AESKeyStrength) strengthByte() byte {
	return byte(s)
}

func aesStrengthFromByte(b byte) (AESKeyStrength, error) {
	switch b {
	case record.AESStrength128:
		return AES128, nil
	case record.AESStrength192:
		return AES192, nil
	case record.AESStrength256:
		return AES256, nil
	default:
		return 0, fmt.Errorf("%w: aes key strength %#x", ErrUnsupported, b)
	}
}

// Parameters configure a single add operation. Add operations start
// from deflate at normal level with no encryption; note that the zero
// CompressionMethod is Store, so WithParameters replaces the defaults
// entirely. Parameters are consumed at add time and never persisted.
type Parameters struct {
	// CompressionMethod for the new entry.
	CompressionMethod CompressionMethod

	// CompressionLevel for Deflate. Ignored by Store.
	CompressionLevel CompressionLevel

	// EncryptionMethod for the new entry. Setting a password with
	// NotEncrypted upgrades to AES.
	EncryptionMethod EncryptionMethod

	// AESKeyStrength for AES entries. Zero defaults to AES256.
	AESKeyStrength AESKeyStrength

	// Password overrides the archive-level password for this entry.
	Password string

	// Name overrides the in-archive name derived from the source.
	Name string

	// Comment is attached to the entry's directory record.
	Comment string

	// Overwrite replaces an existing entry with the same name instead
	// of failing with ErrDuplicateEntry.
	Overwrite bool
}

// normalize applies the archive defaults and the upgrade rules, then
// validates every closed set. Unknown values fail; nothing is silently
// substituted.
func (p Parameters) normalize(archivePassword string) (Parameters, error) {
	if p.Password == "" {
		p.Password = archivePassword
	}
	if p.Password != "" && p.EncryptionMethod == NotEncrypted {
		p.EncryptionMethod = AES
	}
	if p.EncryptionMethod == AES && p.AESKeyStrength == 0 {
		p.AESKeyStrength = AES256
	}

	switch p.CompressionMethod {
	case Store, Deflate, Zstd:
	default:
		return p, fmt.Errorf("%w: compression method %d", ErrInvalidParameter, uint16(p.CompressionMethod))
	}
	if _, err := p.CompressionLevel.flateLevel(); err != nil {
		return p, err
	}

	switch p.EncryptionMethod {
	case NotEncrypted:
	case ZipCrypto, AES:
		if p.Password == "" {
			return p, fmt.Errorf("%w: encryption requested without a password", ErrInvalidParameter)
		}
		if p.EncryptionMethod == AES {
			if _, err := p.AESKeyStrength.keySize(); err != nil {
				return p, err
			}
		}
	default:
		return p, fmt.Errorf("%w: encryption method %d", ErrInvalidParameter, uint8(p.EncryptionMethod))
	}

	return p, nil
}
