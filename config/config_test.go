package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fabricdma/axidma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Load(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.yaml"), []byte("dma:\n  backend: uio\nchannels:\n  - name: a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02.yml"), []byte("dma:\n  backend: sim\nchannels:\n  - name: b\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	c := NewC(l)
	require.NoError(t, c.Load(dir))
	assert.Equal(t, "sim", c.GetString("dma.backend", ""))
	assert.Len(t, c.GetSlice("channels", nil), 2)

	// invalid yaml
	c = NewC(l)
	assert.Error(t, c.LoadString(" invalid yaml"))
	assert.Error(t, c.LoadString(""))

	assert.Error(t, NewC(l).Load(filepath.Join(dir, "missing")))
}

func TestConfig_Get(t *testing.T) {
	l := test.NewLogger()
	// test simple type
	c := NewC(l)
	c.Settings["dma"] = map[string]any{"backend": "sim"}
	assert.Equal(t, "sim", c.Get("dma.backend"))

	// test complex type
	inner := []map[string]any{{"name": "a", "slots": 4}}
	c.Settings["dma"] = map[string]any{"channels": inner}
	assert.EqualValues(t, inner, c.Get("dma.channels"))

	// test missing
	assert.Nil(t, c.Get("dma.nope"))
	assert.False(t, c.IsSet("dma.nope"))
}

func TestConfig_GetStringSlice(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["slice"] = []any{"one", "two"}
	assert.Equal(t, []string{"one", "two"}, c.GetStringSlice("slice", []string{}))
}

func TestConfig_GetNumbers(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString(`
dma:
  sentinel: 33
  base: 0x60010000
  quoted: "0x1000"
  negative: -1
  timeout: 250ms
`))

	assert.Equal(t, 33, c.GetInt("dma.sentinel", 0))
	assert.Equal(t, uint32(33), c.GetUint32("dma.sentinel", 0))
	assert.Equal(t, uint64(0x60010000), c.GetUint64("dma.base", 0))
	assert.Equal(t, uint64(0x1000), c.GetUint64("dma.quoted", 0))
	assert.Equal(t, uint64(7), c.GetUint64("dma.negative", 7))
	assert.Equal(t, uint64(9), c.GetUint64("dma.missing", 9))
	assert.Equal(t, 250*time.Millisecond, c.GetDuration("dma.timeout", time.Second))
	assert.Equal(t, time.Second, c.GetDuration("dma.missing", time.Second))
}

func TestConfig_GetBool(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["bool"] = true
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "true"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = false
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "false"
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "Y"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "yEs"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "N"
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "nO"
	assert.Equal(t, false, c.GetBool("bool", true))
}

func TestConfig_HasChanged(t *testing.T) {
	l := test.NewLogger()
	// No reload has occurred, return false
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))

	// Test key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	// No key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfig(t *testing.T) {
	l := test.NewLogger()
	done := make(chan bool, 1)

	c := NewC(l)
	require.NoError(t, c.LoadString("outer:\n  inner: hi"))

	assert.False(t, c.HasChanged("outer.inner"))
	assert.False(t, c.HasChanged("outer"))
	assert.False(t, c.HasChanged(""))

	c.RegisterReloadCallback(func(c *C) {
		done <- true
	})

	require.NoError(t, c.ReloadConfigString("outer:\n  inner: ho"))
	assert.True(t, c.HasChanged("outer.inner"))
	assert.True(t, c.HasChanged("outer"))
	assert.True(t, c.HasChanged(""))

	// Make sure we call the callbacks
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("reload callback was not called")
	}
}

func TestConfig_GetByteSize(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString(`
buffers:
  plain: 4096
  kib: 64KiB
  short: 16m
  spaced: "2 GiB"
  hex: 0x1000
  negative: -4
  junk: lots
`))

	assert.Equal(t, 4096, c.GetByteSize("buffers.plain", 0))
	assert.Equal(t, 64<<10, c.GetByteSize("buffers.kib", 0))
	assert.Equal(t, 16<<20, c.GetByteSize("buffers.short", 0))
	assert.Equal(t, 2<<30, c.GetByteSize("buffers.spaced", 0))
	assert.Equal(t, 0x1000, c.GetByteSize("buffers.hex", 0))
	assert.Equal(t, 5, c.GetByteSize("buffers.negative", 5))
	assert.Equal(t, 6, c.GetByteSize("buffers.junk", 6))
	assert.Equal(t, 7, c.GetByteSize("buffers.missing", 7))
}

func TestConfig_ReloadConfigString_Invalid(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString("dma:\n  backend: sim\n"))

	called := false
	c.RegisterReloadCallback(func(*C) { called = true })

	assert.Error(t, c.ReloadConfigString("dma: [unclosed"))
	assert.False(t, called)
	assert.Equal(t, "sim", c.GetString("dma.backend", ""))
}
