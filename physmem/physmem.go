// Package physmem maps memory the DMA controller can reach into the process:
// the register window, udmabuf buffers and, for simulation, anonymous memory
// with a made up physical address.
package physmem

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrMap is returned when memory can not be mapped. It is never retried.
var ErrMap = errors.New("memory mapping failed")

// Region is a mapping of physically contiguous memory.
type Region interface {
	// Bytes returns the mapped memory. Its length is the region size.
	Bytes() []byte
	// PhysAddr returns the bus address of Bytes()[0].
	PhysAddr() uint64
	Close() error
}

type mmapRegion struct {
	b    []byte
	phys uint64
	// orig is the page aligned mapping that b is a window into.
	orig []byte
}

func (r *mmapRegion) Bytes() []byte {
	return r.b
}

func (r *mmapRegion) PhysAddr() uint64 {
	return r.phys
}

func (r *mmapRegion) Close() error {
	if r.orig == nil {
		return nil
	}
	if err := unix.Munmap(r.orig); err != nil {
		return fmt.Errorf("unmap region at 0x%x: %w", r.phys, err)
	}
	r.orig = nil
	r.b = nil
	return nil
}

// Anonymous allocates size bytes of private memory and pretends it lives at
// physical address phys. Only useful with a simulated controller.
func Anonymous(size int, phys uint64) (Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: anonymous region of %d bytes", ErrMap, size)
	}

	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: allocate %d bytes: %w", ErrMap, size, err)
	}

	return &mmapRegion{b: b, phys: phys, orig: b}, nil
}

// mapFile maps length bytes of the device at path starting at page aligned
// offset off.
func mapFile(path string, off int64, length int) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrMap, path, err)
	}
	// The mapping stays valid after the descriptor is closed.
	defer f.Close()

	b, err := unix.Mmap(int(f.Fd()), off, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %s at 0x%x: %w", ErrMap, path, off, err)
	}
	return b, nil
}

type subRegion struct {
	parent Region
	b      []byte
	phys   uint64
}

func (r *subRegion) Bytes() []byte    { return r.b }
func (r *subRegion) PhysAddr() uint64 { return r.phys }

// Close is a no-op, the parent owns the mapping.
func (r *subRegion) Close() error { return nil }

// Sub returns length bytes of r starting at off. The result shares r's mapping
// and must not outlive it.
func Sub(r Region, off, length int) (Region, error) {
	b := r.Bytes()
	if off < 0 || length <= 0 || off+length > len(b) {
		return nil, fmt.Errorf("%w: window [%d, %d) outside of %d byte region", ErrMap, off, off+length, len(b))
	}
	return &subRegion{parent: r, b: b[off : off+length : off+length], phys: r.PhysAddr() + uint64(off)}, nil
}

// readSysfsUint reads a single number from a sysfs attribute. Hex values with a
// 0x prefix and plain decimal are both accepted.
func readSysfsUint(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	s := strings.TrimSpace(string(b))
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}
