package physmem

import (
	"fmt"

	"periph.io/x/periph/host/pmem"
)

// DevMem maps length bytes of physical memory at phys through /dev/mem.
// The window is page aligned internally so phys does not need to be. This
// requires root.
func DevMem(phys uint64, length int) (Region, error) {
	if length <= 0 {
		return nil, fmt.Errorf("%w: /dev/mem window of %d bytes", ErrMap, length)
	}

	v, err := pmem.Map(phys, length)
	if err != nil {
		return nil, fmt.Errorf("%w: /dev/mem at 0x%x: %w", ErrMap, phys, err)
	}

	return v, nil
}
