package blockio_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/buildbuddy-io/snappager/enterprise/server/remote_execution/blockio"
	"github.com/buildbuddy-io/snappager/server/util/status"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content []byte) string {
	path := filepath.Join(t.TempDir(), "f")
	err := os.WriteFile(path, content, 0644)
	require.NoError(t, err)
	return path
}

func pagePattern(fills ...byte) []byte {
	pageSize := os.Getpagesize()
	var b []byte
	for _, fill := range fills {
		b = append(b, bytes.Repeat([]byte{fill}, pageSize)...)
	}
	return b
}

func TestMmap(t *testing.T) {
	for _, prefault := range []bool{false, true} {
		content := pagePattern(0xAA, 0xBB, 0xCC)
		path := writeFile(t, content)
		m, err := blockio.NewReadOnlyMmap(path, prefault)
		require.NoError(t, err)

		size, err := m.SizeBytes()
		require.NoError(t, err)
		require.Equal(t, int64(len(content)), size)

		pageSize := os.Getpagesize()
		b, err := m.Bytes(int64(pageSize), pageSize)
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat([]byte{0xBB}, pageSize), b)

		p := make([]byte, 2)
		n, err := m.ReadAt(p, int64(2*pageSize-1))
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Equal(t, []byte{0xBB, 0xCC}, p)

		_, err = m.Bytes(int64(2*pageSize), pageSize+1)
		require.True(t, status.IsOutOfRangeError(err), "err: %v", err)
		_, err = m.Bytes(-1, 1)
		require.True(t, status.IsOutOfRangeError(err), "err: %v", err)

		require.NoError(t, m.Close())
		require.NoError(t, m.Close())
	}
}

func TestMmapMissingFile(t *testing.T) {
	_, err := blockio.NewReadOnlyMmap(filepath.Join(t.TempDir(), "missing"), false)
	require.True(t, status.IsNotFoundError(err), "err: %v", err)
}

func TestMmapEmptyFile(t *testing.T) {
	_, err := blockio.NewReadOnlyMmap(writeFile(t, nil), false)
	require.True(t, status.IsFailedPreconditionError(err), "err: %v", err)
}

func TestAlignedBlock(t *testing.T) {
	pageSize := os.Getpagesize()
	for _, size := range []int{1, 100, pageSize, 3 * pageSize} {
		b := blockio.AlignedBlock(size)
		require.Len(t, b, size)
		require.Equal(t, size, cap(b))
		require.Zero(t, uintptr(unsafe.Pointer(&b[0]))%uintptr(pageSize))
	}
	require.Empty(t, blockio.AlignedBlock(0))
}

func TestReadDirect(t *testing.T) {
	content := pagePattern(0x01, 0x02, 0x03, 0x04)
	path := writeFile(t, content)
	pageSize := os.Getpagesize()

	b, err := blockio.ReadDirect(path, 2*pageSize)
	require.NoError(t, err)
	require.Equal(t, content[:2*pageSize], b)
	require.Zero(t, uintptr(unsafe.Pointer(&b[0]))%uintptr(pageSize))

	b, err = blockio.ReadDirect(path, len(content))
	require.NoError(t, err)
	require.Equal(t, content, b)
}

func TestReadDirectShortRead(t *testing.T) {
	pageSize := os.Getpagesize()
	path := writeFile(t, pagePattern(0x01, 0x02))

	_, err := blockio.ReadDirect(path, 3*pageSize)
	require.True(t, status.IsDataLossError(err), "err: %v", err)
}

func TestReadDirectMissingFile(t *testing.T) {
	_, err := blockio.ReadDirect(filepath.Join(t.TempDir(), "missing"), os.Getpagesize())
	require.True(t, status.IsNotFoundError(err), "err: %v", err)
}
