package physmem

import (
	"fmt"
	"os"
	"path/filepath"
)

// UIOMap maps memory region index of the UIO device dev (for example "uio0").
// The kernel selects the region through the mmap offset, index pages in.
func UIOMap(sysfs, dev string, index int) (Region, error) {
	dir := filepath.Join(sysfs, "class", "uio", dev, "maps", fmt.Sprintf("map%d", index))

	addr, err := readSysfsUint(filepath.Join(dir, "addr"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s map%d address: %w", ErrMap, dev, index, err)
	}

	size, err := readSysfsUint(filepath.Join(dir, "size"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s map%d size: %w", ErrMap, dev, index, err)
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: %s map%d is empty", ErrMap, dev, index)
	}

	off := int64(index) * int64(os.Getpagesize())
	b, err := mapFile(filepath.Join("/dev", dev), off, int(size))
	if err != nil {
		return nil, err
	}

	return &mmapRegion{b: b, phys: addr, orig: b}, nil
}
