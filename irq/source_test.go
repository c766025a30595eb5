package irq

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
)

func newEventSource(t *testing.T) (*EventFD, *FDSource) {
	t.Helper()
	line, err := NewEventFD()
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, line.Close()) })

	s, err := NewFDSource(line.FD())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return line, s
}

func TestFDSource_Wait(t *testing.T) {
	line, s := newEventSource(t)

	require.NoError(t, line.Kick())
	require.NoError(t, line.Kick())

	n, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n, "eventfd counts accumulate")

	done := make(chan uint32, 1)
	go func() {
		n, err := s.Wait(context.Background())
		assert.NoError(t, err)
		done <- n
	}()

	select {
	case <-done:
		t.Fatal("wait returned without an interrupt")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, line.Kick())
	select {
	case n := <-done:
		assert.Equal(t, uint32(1), n)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return")
	}
}

func TestFDSource_Timeout(t *testing.T) {
	line, s := newEventSource(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// An interrupt that arrives after the timeout is still there for the next
	// wait.
	require.NoError(t, line.Kick())
	n, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)
}

func TestFDSource_Cancel(t *testing.T) {
	_, s := newEventSource(t)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := s.Wait(ctx)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not wake the waiter")
	}
}

func TestFDSource_CloseWakesWaiter(t *testing.T) {
	line, err := NewEventFD()
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, line.Close()) })

	s, err := NewFDSource(line.FD())
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := s.Wait(context.Background())
		errs <- err
	}()

	select {
	case <-errs:
		t.Fatal("goroutine ended early")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("close did not wake the waiter")
	}

	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Rearm(), ErrClosed)
	assert.ErrorIs(t, s.Drain(), ErrClosed)
	_, err = s.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFDSource_Drain(t *testing.T) {
	line, s := newEventSource(t)

	require.NoError(t, line.Kick())
	require.NoError(t, s.Drain())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFDSource_Rearm(t *testing.T) {
	p := make([]int, 2)
	require.NoError(t, unix.Pipe(p))
	t.Cleanup(func() { _ = unix.Close(p[1]) })

	// The write end of a pipe stands in for a UIO node: Rearm writes the 4
	// byte enable word to it.
	s, err := NewFDSource(p[1], WithReadWidth(4), WithRearm(true))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })

	require.NoError(t, s.Rearm())

	buf := make([]byte, 8)
	n, err := unix.Read(p[0], buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 0}, buf[:n])
	_ = unix.Close(p[0])
}

func TestNewFDSource_Options(t *testing.T) {
	_, err := NewFDSource(0, WithReadWidth(3))
	assert.ErrorContains(t, err, "read width must be 4 or 8")

	_, err = NewFDSource(-1)
	assert.Error(t, err)
}

// A gvisor eventfd is a plain kernel eventfd and can be handed to a source
// like any other descriptor.
func TestFDSource_ForeignEventFD(t *testing.T) {
	efd, err := eventfd.Create()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, efd.Close())
	})

	s, err := NewFDSource(efd.FD())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })

	done := make(chan uint32, 1)
	go func() {
		n, err := s.Wait(context.Background())
		assert.NoError(t, err)
		done <- n
	}()

	require.NoError(t, efd.Notify())
	select {
	case n := <-done:
		assert.Equal(t, uint32(1), n)
	case <-time.After(5 * time.Second):
		t.Fatal("notify did not wake the waiter")
	}
}

func TestFindUIO(t *testing.T) {
	root := t.TempDir()
	for dev, name := range map[string]string{
		"uio0": "soc:gpio\n",
		"uio1": "dma-controller@60010000\n",
		"uio2": "fabric-irq\n",
	} {
		dir := filepath.Join(root, "class", "uio", dev)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "name"), []byte(name), 0o644))
	}

	dev, err := FindUIO(root, "dma-controller@60010000")
	require.NoError(t, err)
	assert.Equal(t, "uio1", dev)

	_, err = FindUIO(root, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = FindUIO(t.TempDir(), "dma-controller@60010000")
	assert.ErrorIs(t, err, ErrNotFound)
}
