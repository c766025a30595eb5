package physmem

import (
	"fmt"
	"path/filepath"
)

// UdmabufInfo describes a u-dma-buf allocation as published in sysfs.
type UdmabufInfo struct {
	Name     string
	PhysAddr uint64
	Size     int
}

// ReadUdmabufInfo reads the physical address and size of the u-dma-buf named
// name from <sysfs>/class/u-dma-buf/<name>.
func ReadUdmabufInfo(sysfs, name string) (UdmabufInfo, error) {
	dir := filepath.Join(sysfs, "class", "u-dma-buf", name)

	phys, err := readSysfsUint(filepath.Join(dir, "phys_addr"))
	if err != nil {
		return UdmabufInfo{}, fmt.Errorf("%w: udmabuf %s physical address: %w", ErrMap, name, err)
	}

	size, err := readSysfsUint(filepath.Join(dir, "size"))
	if err != nil {
		return UdmabufInfo{}, fmt.Errorf("%w: udmabuf %s size: %w", ErrMap, name, err)
	}
	if size == 0 {
		return UdmabufInfo{}, fmt.Errorf("%w: udmabuf %s is empty", ErrMap, name)
	}

	return UdmabufInfo{Name: name, PhysAddr: phys, Size: int(size)}, nil
}

// Udmabuf maps the whole u-dma-buf named name. The device node is /dev/<name>
// and it is opened with O_SYNC so the mapping is uncached.
func Udmabuf(sysfs, name string) (Region, error) {
	info, err := ReadUdmabufInfo(sysfs, name)
	if err != nil {
		return nil, err
	}

	b, err := mapFile(filepath.Join("/dev", name), 0, info.Size)
	if err != nil {
		return nil, err
	}

	return &mmapRegion{b: b, phys: info.PhysAddr, orig: b}, nil
}
