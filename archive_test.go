// Copyright 2025 The zipcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zipcore/zipcore"
)

// testPayload is compressible but not trivial.
func testPayload(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i*7 + i/253)
	}
	return buf
}

func archivePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.zip")
}

func TestRoundTripMatrix(t *testing.T) {
	content := testPayload(10 << 10)

	cases := []struct {
		name string
		opts []zipcore.AddOption
	}{
		{"store-plain", []zipcore.AddOption{zipcore.WithCompression(zipcore.Store)}},
		{"deflate-plain", nil},
		{"deflate-max", []zipcore.AddOption{zipcore.WithLevel(zipcore.LevelMaximum)}},
		{"store-zipcrypto", []zipcore.AddOption{
			zipcore.WithCompression(zipcore.Store),
			zipcore.WithEncryption(zipcore.ZipCrypto),
			zipcore.WithPassword("secret"),
		}},
		{"deflate-zipcrypto", []zipcore.AddOption{
			zipcore.WithEncryption(zipcore.ZipCrypto),
			zipcore.WithPassword("secret"),
		}},
		{"store-aes256", []zipcore.AddOption{
			zipcore.WithCompression(zipcore.Store),
			zipcore.WithPassword("secret"),
		}},
		{"deflate-aes128", []zipcore.AddOption{
			zipcore.WithPassword("secret"),
			zipcore.WithAESStrength(zipcore.AES128),
		}},
		{"deflate-aes192", []zipcore.AddOption{
			zipcore.WithPassword("secret"),
			zipcore.WithAESStrength(zipcore.AES192),
		}},
		{"deflate-aes256", []zipcore.AddOption{
			zipcore.WithPassword("secret"),
			zipcore.WithAESStrength(zipcore.AES256),
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := archivePath(t)

			a, err := zipcore.Create(path)
			require.NoError(t, err)
			require.NoError(t, a.AddData("data.bin", content, tc.opts...))
			require.NoError(t, a.Close())

			b, err := zipcore.OpenWithPassword(path, "secret")
			require.NoError(t, err)
			defer b.Close()

			got, err := b.ExtractData("data.bin")
			require.NoError(t, err)
			assert.Equal(t, content, got)

			e, err := b.EntryByName("data.bin")
			require.NoError(t, err)
			assert.Equal(t, int64(len(content)), e.Size())
		})
	}
}

func TestEncryptedHelloScenario(t *testing.T) {
	path := archivePath(t)
	content := []byte("hello, world\n")

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	require.NoError(t, a.AddData("hello.txt", content, zipcore.WithPassword("pw1")))
	require.NoError(t, a.Close())

	b, err := zipcore.OpenWithPassword(path, "pw1")
	require.NoError(t, err)
	defer b.Close()

	assert.True(t, b.IsEncrypted())

	e, err := b.EntryByName("hello.txt")
	require.NoError(t, err)
	assert.True(t, e.IsEncrypted())
	assert.Equal(t, zipcore.AES, e.EncryptionMethod())
	assert.Equal(t, zipcore.AES256, e.AESKeyStrength())

	got, err := b.ExtractData("hello.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestWrongPassword(t *testing.T) {
	path := archivePath(t)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	require.NoError(t, a.AddData("hello.txt", []byte("content"), zipcore.WithPassword("right")))
	require.NoError(t, a.Close())

	b, err := zipcore.OpenWithPassword(path, "wrong")
	require.NoError(t, err)
	defer b.Close()

	_, err = b.ExtractData("hello.txt")
	assert.ErrorIs(t, err, zipcore.ErrPasswordMismatch)

	// A per-operation password overrides the bad default.
	got, err := b.ExtractData("hello.txt", zipcore.WithExtractPassword("right"))
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), got)
}

func TestImplicitParentDirectories(t *testing.T) {
	path := archivePath(t)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	require.NoError(t, a.AddData("docs/a.txt", []byte("a")))
	require.NoError(t, a.AddData("docs/b.txt", []byte("b")))
	require.NoError(t, a.Close())

	b, err := zipcore.Open(path)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, 3, b.EntryCount())

	dir, err := b.EntryByName("docs")
	require.NoError(t, err)
	assert.True(t, dir.IsDir())

	names := make([]string, 0, 3)
	for _, e := range b.Entries() {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"docs", "docs/a.txt", "docs/b.txt"}, names)
}

func TestDuplicateNames(t *testing.T) {
	path := archivePath(t)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.AddData("x.txt", []byte("one")))

	err = a.AddData("x.txt", []byte("two"))
	assert.ErrorIs(t, err, zipcore.ErrDuplicateEntry)

	require.NoError(t, a.AddData("x.txt", []byte("two"), zipcore.WithOverwrite()))
	assert.Equal(t, 1, a.EntryCount())

	got, err := a.ExtractData("x.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestRemoveEntryAndSubtree(t *testing.T) {
	path := archivePath(t)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	require.NoError(t, a.AddData("keep.txt", []byte("keep")))
	require.NoError(t, a.AddData("docs/a.txt", []byte("a")))
	require.NoError(t, a.AddData("docs/sub/b.txt", []byte("b")))
	require.NoError(t, a.Close())

	b, err := zipcore.Open(path)
	require.NoError(t, err)
	require.NoError(t, b.Remove("docs"))
	require.NoError(t, b.Close())

	c, err := zipcore.Open(path)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 1, c.EntryCount())
	_, err = c.EntryByName("docs/a.txt")
	assert.ErrorIs(t, err, zipcore.ErrEntryNotFound)

	got, err := c.ExtractData("keep.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), got)
}

func TestRemovedEntryIsDead(t *testing.T) {
	path := archivePath(t)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.AddData("x.txt", []byte("x")))
	e, err := a.EntryByName("x.txt")
	require.NoError(t, err)

	require.NoError(t, a.RemoveEntry(e))
	_, err = e.Open()
	assert.ErrorIs(t, err, zipcore.ErrEntryRemoved)
}

func TestRenameFileAndDirectory(t *testing.T) {
	path := archivePath(t)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	require.NoError(t, a.AddData("old.txt", []byte("file")))
	require.NoError(t, a.AddData("dir/a.txt", []byte("a")))
	require.NoError(t, a.AddData("dir/b.txt", []byte("b")))
	require.NoError(t, a.Close())

	b, err := zipcore.Open(path)
	require.NoError(t, err)
	require.NoError(t, b.Rename("old.txt", "new.txt"))
	require.NoError(t, b.Rename("dir", "renamed"))

	// The on-disk local header still says "old.txt" until the flush;
	// reading through the new name must work regardless.
	got, err := b.ExtractData("new.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("file"), got)

	require.NoError(t, b.Close())

	c, err := zipcore.Open(path)
	require.NoError(t, err)
	defer c.Close()

	got, err = c.ExtractData("new.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("file"), got)

	got, err = c.ExtractData("renamed/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got)

	_, err = c.EntryByName("dir/a.txt")
	assert.ErrorIs(t, err, zipcore.ErrEntryNotFound)
}

func TestRenameToExistingName(t *testing.T) {
	path := archivePath(t)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.AddData("a.txt", []byte("a")))
	require.NoError(t, a.AddData("b.txt", []byte("b")))

	err = a.Rename("a.txt", "b.txt")
	assert.ErrorIs(t, err, zipcore.ErrDuplicateEntry)
}

func TestComments(t *testing.T) {
	path := archivePath(t)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	require.NoError(t, a.SetComment("archive level"))
	require.NoError(t, a.AddData("x.txt", []byte("x"), zipcore.WithEntryComment("entry level")))
	require.NoError(t, a.Close())

	b, err := zipcore.Open(path)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "archive level", b.Comment())

	e, err := b.EntryByName("x.txt")
	require.NoError(t, err)
	assert.Equal(t, "entry level", e.Comment())
}

func TestCorruptPayloadFailsChecksum(t *testing.T) {
	path := archivePath(t)
	content := testPayload(256)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	require.NoError(t, a.AddData("a.txt", content, zipcore.WithCompression(zipcore.Store)))
	require.NoError(t, a.Close())

	// Flip one byte inside the stored payload. The local header is 30
	// bytes plus the 5-byte name, so offset 40 is payload byte 5.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[40] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	b, err := zipcore.Open(path)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.ExtractData("a.txt")
	assert.ErrorIs(t, err, zipcore.ErrChecksum)
}

func TestFlushThenKeepEditing(t *testing.T) {
	path := archivePath(t)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	require.NoError(t, a.AddData("first.txt", []byte("first")))
	require.NoError(t, a.Flush(context.Background()))

	// The second flush copies first.txt raw and encodes only the new
	// entry.
	require.NoError(t, a.AddData("second.txt", []byte("second")))
	require.NoError(t, a.Close())

	b, err := zipcore.Open(path)
	require.NoError(t, err)
	defer b.Close()

	for name, want := range map[string]string{"first.txt": "first", "second.txt": "second"} {
		got, err := b.ExtractData(name)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestZstdRoundTrip(t *testing.T) {
	path := archivePath(t)
	content := testPayload(64 << 10)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	a.RegisterZstd()
	require.NoError(t, a.AddData("big.bin", content, zipcore.WithCompression(zipcore.Zstd)))
	require.NoError(t, a.Close())

	plain, err := zipcore.Open(path)
	require.NoError(t, err)
	_, err = plain.ExtractData("big.bin")
	assert.ErrorIs(t, err, zipcore.ErrUnsupported)
	require.NoError(t, plain.Close())

	b, err := zipcore.Open(path)
	require.NoError(t, err)
	defer b.Close()
	b.RegisterZstd()

	got, err := b.ExtractData("big.bin")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAddFileAndDirFromDisk(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "top.txt"), []byte("top"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "tree", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "tree", "one.txt"), []byte("one"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "tree", "sub", "two.txt"), []byte("two"), 0o644))

	path := archivePath(t)
	a, err := zipcore.Create(path)
	require.NoError(t, err)
	require.NoError(t, a.AddFile(filepath.Join(src, "top.txt")))
	require.NoError(t, a.AddDir(filepath.Join(src, "tree")))
	require.NoError(t, a.Close())

	b, err := zipcore.Open(path)
	require.NoError(t, err)
	defer b.Close()

	got, err := b.ExtractData("top.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("top"), got)

	got, err = b.ExtractData("tree/sub/two.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)

	e, err := b.EntryByName("tree/one.txt")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), e.Mode().Perm())
}

func TestExtractAll(t *testing.T) {
	path := archivePath(t)
	files := map[string][]byte{
		"a.txt":         []byte("alpha"),
		"dir/b.txt":     []byte("beta"),
		"dir/sub/c.txt": testPayload(8 << 10),
	}

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	for name, content := range files {
		require.NoError(t, a.AddData(name, content))
	}
	require.NoError(t, a.Close())

	for _, concurrency := range []int{1, 4} {
		t.Run(fmt.Sprintf("concurrency-%d", concurrency), func(t *testing.T) {
			b, err := zipcore.Open(path)
			require.NoError(t, err)
			defer b.Close()

			dest := t.TempDir()
			require.NoError(t, b.ExtractAll(context.Background(), dest,
				zipcore.WithConcurrency(concurrency)))

			for name, want := range files {
				got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
				require.NoError(t, err)
				assert.Equal(t, want, got, name)
			}
			assert.Equal(t, zipcore.ProgressReady, b.Monitor().State())
			assert.Equal(t, 100, b.Monitor().Percentage())
		})
	}
}

func TestExtractSingleEntryAndSubtree(t *testing.T) {
	path := archivePath(t)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	require.NoError(t, a.AddData("solo.txt", []byte("solo")))
	require.NoError(t, a.AddData("dir/x.txt", []byte("x")))
	require.NoError(t, a.AddData("dir/y.txt", []byte("y")))
	require.NoError(t, a.Close())

	b, err := zipcore.Open(path)
	require.NoError(t, err)
	defer b.Close()

	dest := t.TempDir()
	require.NoError(t, b.ExtractFile(context.Background(), "solo.txt", dest))
	require.NoError(t, b.ExtractFile(context.Background(), "dir", dest))

	got, err := os.ReadFile(filepath.Join(dest, "solo.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("solo"), got)

	got, err = os.ReadFile(filepath.Join(dest, "dir", "y.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), got)
}

func TestAddReaderUnknownSize(t *testing.T) {
	path := archivePath(t)
	content := testPayload(32 << 10)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	require.NoError(t, a.AddReader("stream.bin", zipcore.SizeUnknown, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(content)), nil
	}))
	require.NoError(t, a.Close())

	b, err := zipcore.Open(path)
	require.NoError(t, err)
	defer b.Close()

	got, err := b.ExtractData("stream.bin")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAddReaderDeclaredSizeMismatch(t *testing.T) {
	path := archivePath(t)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	require.NoError(t, a.AddReader("short.bin", 100, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte("only ten b"))), nil
	}))

	err = a.Close()
	assert.ErrorIs(t, err, zipcore.ErrSizeMismatch)
}

func TestOpenErrors(t *testing.T) {
	_, err := zipcore.Open(filepath.Join(t.TempDir(), "missing.zip"))
	assert.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage.zip")
	require.NoError(t, os.WriteFile(garbage, testPayload(512), 0o644))
	_, err = zipcore.Open(garbage)
	assert.ErrorIs(t, err, zipcore.ErrFormat)
	assert.False(t, zipcore.IsValid(garbage))
}

func TestIsValid(t *testing.T) {
	path := archivePath(t)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	require.NoError(t, a.AddData("x.txt", []byte("x")))
	require.NoError(t, a.Close())

	assert.True(t, zipcore.IsValid(path))
}

func TestClosedArchive(t *testing.T) {
	path := archivePath(t)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	require.NoError(t, a.AddData("x.txt", []byte("x")))
	e, err := a.EntryByName("x.txt")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	assert.ErrorIs(t, a.AddData("y.txt", []byte("y")), zipcore.ErrClosed)
	_, err = a.EntryByName("x.txt")
	assert.ErrorIs(t, err, zipcore.ErrClosed)
	_, err = e.Open()
	assert.ErrorIs(t, err, zipcore.ErrClosed)

	// Metadata getters are snapshots and keep answering after close.
	assert.Equal(t, path, a.Path())
	assert.Equal(t, 1, a.EntryCount())
	assert.False(t, a.IsSplit())

	// Close is idempotent.
	assert.NoError(t, a.Close())
}

func TestEmptyArchive(t *testing.T) {
	path := archivePath(t)

	a, err := zipcore.Create(path)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := zipcore.Open(path)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, 0, b.EntryCount())
}
