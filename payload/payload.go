// Package payload generates and checks the incrementing word pattern used to
// verify transfers.
package payload

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMismatch is returned when a buffer does not hold the expected data.
var ErrMismatch = errors.New("payload mismatch")

// Fill writes little endian uint32 words counting up from start into b and
// returns the word that would follow. A trailing partial word is filled with
// the low bytes of the next value.
func Fill(b []byte, start uint32) uint32 {
	v := start
	for len(b) >= 4 {
		binary.LittleEndian.PutUint32(b, v)
		b = b[4:]
		v++
	}
	if len(b) > 0 {
		var w [4]byte
		binary.LittleEndian.PutUint32(w[:], v)
		copy(b, w[:])
		v++
	}
	return v
}

// Words returns how many pattern values a buffer of n bytes consumes.
func Words(n int) uint32 {
	return uint32((n + 3) / 4)
}

// Check verifies b holds the pattern starting at start.
func Check(b []byte, start uint32) error {
	v := start
	for off := 0; off < len(b); off += 4 {
		var w [4]byte
		binary.LittleEndian.PutUint32(w[:], v)
		n := min(4, len(b)-off)
		for i := 0; i < n; i++ {
			if b[off+i] != w[i] {
				return fmt.Errorf("%w at offset %d: want word 0x%08x, got 0x%02x in byte %d",
					ErrMismatch, off, v, b[off+i], i)
			}
		}
		v++
	}
	return nil
}

// Compare verifies two buffers are identical.
func Compare(want, got []byte) error {
	if len(want) != len(got) {
		return fmt.Errorf("%w: length %d, want %d", ErrMismatch, len(got), len(want))
	}
	for i := range want {
		if want[i] != got[i] {
			return fmt.Errorf("%w at offset %d: want 0x%02x, got 0x%02x", ErrMismatch, i, want[i], got[i])
		}
	}
	return nil
}

// First returns the first word of a buffer filled by Fill, used to track a
// stream that continues across buffers.
func First(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}
