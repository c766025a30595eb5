package physmem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSysfs(t *testing.T, root string, rel string, value string) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(value), 0o644))
}

func TestAnonymous(t *testing.T) {
	r, err := Anonymous(8192, 0x80000000)
	require.NoError(t, err)

	assert.Len(t, r.Bytes(), 8192)
	assert.Equal(t, uint64(0x80000000), r.PhysAddr())

	r.Bytes()[8191] = 1
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close(), "second close is a no-op")

	_, err = Anonymous(0, 0)
	assert.ErrorIs(t, err, ErrMap)
}

func TestSub(t *testing.T) {
	r, err := Anonymous(4096, 0x1000)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, r.Close()) })

	s, err := Sub(r, 1024, 512)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1400), s.PhysAddr())
	assert.Len(t, s.Bytes(), 512)

	s.Bytes()[0] = 0x5A
	assert.Equal(t, byte(0x5A), r.Bytes()[1024])
	assert.NoError(t, s.Close())

	_, err = Sub(r, 4000, 512)
	assert.ErrorIs(t, err, ErrMap)
	_, err = Sub(r, -1, 1)
	assert.ErrorIs(t, err, ErrMap)
}

func TestReadUdmabufInfo(t *testing.T) {
	root := t.TempDir()
	writeSysfs(t, root, "class/u-dma-buf/udmabuf0/phys_addr", "0x00000000c0000000\n")
	writeSysfs(t, root, "class/u-dma-buf/udmabuf0/size", "8388608\n")

	info, err := ReadUdmabufInfo(root, "udmabuf0")
	require.NoError(t, err)
	assert.Equal(t, UdmabufInfo{Name: "udmabuf0", PhysAddr: 0xc0000000, Size: 8 << 20}, info)

	_, err = ReadUdmabufInfo(root, "udmabuf1")
	assert.ErrorIs(t, err, ErrMap)

	writeSysfs(t, root, "class/u-dma-buf/bad/phys_addr", "zzz")
	writeSysfs(t, root, "class/u-dma-buf/bad/size", "16")
	_, err = ReadUdmabufInfo(root, "bad")
	assert.ErrorContains(t, err, "physical address")

	writeSysfs(t, root, "class/u-dma-buf/empty/phys_addr", "0x1000")
	writeSysfs(t, root, "class/u-dma-buf/empty/size", "0")
	_, err = ReadUdmabufInfo(root, "empty")
	assert.ErrorContains(t, err, "is empty")
}

func TestUIOMap_MissingSysfs(t *testing.T) {
	_, err := UIOMap(t.TempDir(), "uio0", 0)
	assert.ErrorIs(t, err, ErrMap)
}

func TestDevMem_InvalidLength(t *testing.T) {
	_, err := DevMem(0x60010000, 0)
	assert.ErrorIs(t, err, ErrMap)
}
