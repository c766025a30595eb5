package irq

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrNotFound is returned when no UIO device carries the requested name.
var ErrNotFound = errors.New("uio device not found")

// FindUIO scans <sysfs>/class/uio for the device whose name attribute equals
// name, as set by the device tree node (for example "dma-controller@60010000").
// It returns the device node name, for example "uio0".
func FindUIO(sysfs, name string) (string, error) {
	dir := filepath.Join(sysfs, "class", "uio")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	devs := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "uio") {
			devs = append(devs, e.Name())
		}
	}
	sort.Strings(devs)

	for _, dev := range devs {
		b, err := os.ReadFile(filepath.Join(dir, dev, "name"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(b)) == name {
			return dev, nil
		}
	}

	return "", fmt.Errorf("%w: no device named %q in %s", ErrNotFound, name, dir)
}

// OpenUIO opens /dev/<dev> as an interrupt source. Reads return the 4 byte
// interrupt count and Rearm writes 1 to re-enable the interrupt.
func OpenUIO(dev string) (*FDSource, error) {
	path := filepath.Join("/dev", dev)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// The source owns fd from here on, including on failure.
	return NewFDSource(fd, WithReadWidth(4), WithRearm(true), WithOwnership(true))
}
