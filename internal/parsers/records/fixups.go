package records

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// checkFixupArray validates the update sequence array geometry of a
// multi-sector block.
func checkFixupArray(buf []byte, fixOff, fixNum uint16) error {
	if fixOff&1 != 0 {
		return fmt.Errorf("odd fixup offset 0x%x: %w", fixOff, types.ErrCorruptRecord)
	}
	if int(fixOff)+int(fixNum)*2 > types.SectorSize {
		return fmt.Errorf("fixup array 0x%x+%d exceeds first sector: %w", fixOff, fixNum, types.ErrCorruptRecord)
	}
	if fixNum == 0 || int(fixNum-1)*types.SectorSize > len(buf) {
		return fmt.Errorf("fixup count %d does not match %d bytes: %w", fixNum, len(buf), types.ErrCorruptRecord)
	}
	return nil
}

// ApplyFixups restores the original sector tails of a block read from disk.
// Every sector must end with the update sequence number.
func ApplyFixups(buf []byte, fixOff, fixNum uint16) error {
	if err := checkFixupArray(buf, fixOff, fixNum); err != nil {
		return err
	}

	usa := buf[fixOff:]
	sample := binary.LittleEndian.Uint16(usa)
	for i := 1; i < int(fixNum); i++ {
		tail := i*types.SectorSize - 2
		if binary.LittleEndian.Uint16(buf[tail:]) != sample {
			return fmt.Errorf("fixup mismatch in sector %d: %w", i-1, types.ErrCorruptRecord)
		}
		copy(buf[tail:tail+2], usa[2*i:2*i+2])
	}
	return nil
}

// PrepareFixups bumps the update sequence number and stamps it into the tail
// of every sector, saving the displaced bytes in the array.
func PrepareFixups(buf []byte, fixOff, fixNum uint16) error {
	if err := checkFixupArray(buf, fixOff, fixNum); err != nil {
		return err
	}

	usa := buf[fixOff:]
	sample := binary.LittleEndian.Uint16(usa) + 1
	if sample >= 0x7FFF {
		sample = 1
	}
	binary.LittleEndian.PutUint16(usa, sample)

	for i := 1; i < int(fixNum); i++ {
		tail := i*types.SectorSize - 2
		copy(usa[2*i:2*i+2], buf[tail:tail+2])
		binary.LittleEndian.PutUint16(buf[tail:], sample)
	}
	return nil
}

// FixupCount returns the number of update sequence entries for a block size.
func FixupCount(size int) uint16 {
	return uint16(size/types.SectorSize + 1)
}
