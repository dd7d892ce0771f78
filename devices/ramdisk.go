package devices

import (
	"errors"
	"sync"
)

// RAMDisk is an in-memory BlockDevice standing in for a real ATA or
// eMMC driver. It is what cmd/kernel hands to NewBlock when given a
// disk image, and what the block-device tests run against.
type RAMDisk struct {
	mu         sync.Mutex
	sectorSize int
	data       []byte
}

var errOutOfRange = errors.New("ramdisk: sector out of range")

// NewRAMDisk builds a disk over a copy-free backing slice; its length
// is truncated down to a whole number of sectors.
func NewRAMDisk(data []byte, sectorSize int) *RAMDisk {
	n := len(data) / sectorSize * sectorSize
	return &RAMDisk{sectorSize: sectorSize, data: data[:n]}
}

func (d *RAMDisk) SectorSize() int     { return d.sectorSize }
func (d *RAMDisk) SectorCount() uint64 { return uint64(len(d.data) / d.sectorSize) }

func (d *RAMDisk) ReadSectors(lba uint64, out []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int(lba) * d.sectorSize
	if off < 0 || off+len(out) > len(d.data) {
		return errOutOfRange
	}
	copy(out, d.data[off:])
	return nil
}

func (d *RAMDisk) WriteSectors(lba uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int(lba) * d.sectorSize
	if off < 0 || off+len(data) > len(d.data) {
		return errOutOfRange
	}
	copy(d.data[off:], data)
	return nil
}
