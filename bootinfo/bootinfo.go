// Package bootinfo defines the data the Limine-style bootloader hands
// the core at boot. None of it is logic; this package exists only so
// the core has a concrete type to receive that handoff through.
package bootinfo

import "github.com/i3vie/neutrino/defs"

// MemoryMapEntry is one range of the bootloader-supplied memory map.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Kind   defs.MemoryKind
}

// Region names a physical byte range, used here for the kernel image's
// own footprint so InitPools can exclude it from both pools.
type Region struct {
	Base   uint64
	Length uint64
}

// Framebuffer describes the boot framebuffer: physical base,
// dimensions, pitch, bits per pixel, and channel masks.
type Framebuffer struct {
	PhysBase   uint64
	Width      uint32
	Height     uint32
	Pitch      uint32
	BPP        uint8
	RedMask    uint32
	GreenMask  uint32
	BlueMask   uint32
}

// Module is one bootloader-supplied module.
type Module struct {
	Address uint64
	Size    uint64
	Path    string
}

// Info is everything the loader hands the core at boot.
type Info struct {
	KernelPhysBase  uint64
	KernelVirtBase  uint64
	KernelSize      uint64
	DirectMapOffset uint64
	CommandLine     string
	MemoryMap       []MemoryMapEntry
	Modules         []Module
	Framebuffer     Framebuffer
}
