// Package arch is the hardware-intrinsics leaf: the only
// package allowed to know what a physical address byte range actually
// is, or what a page-table entry's bit layout means. Every other
// package reaches hardware only through arch's Bus and PageTable.
//
// On real hardware this layer would be a modified runtime plus a
// bootloader-installed direct map; a userland Go program has neither,
// so Bus backs physical memory with a real anonymous mapping from
// golang.org/x/sys/unix.Mmap. PhysAddr arithmetic and Translate calls
// run against real mapped pages with real alignment rather than an
// allocator-inside-an-allocator.
package arch

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// PTE flag bits, matching the x86-64 page-table-entry layout.
const (
	PTE_P    uint64 = 1 << 0 // present
	PTE_W    uint64 = 1 << 1 // writable
	PTE_U    uint64 = 1 << 2 // user-accessible
	PTE_PCD  uint64 = 1 << 4 // cache-disable
	PTE_PS   uint64 = 1 << 7 // large page
	PTE_G    uint64 = 1 << 8 // global
	PTE_ADDR uint64 = ^uint64(0xfff)
)

// VirtAddr is a virtual address as the rest of the core sees it: an
// opaque 64-bit quantity with no direct-map shortcut. Every translation
// goes through a PageTable.
type VirtAddr uint64

// PTE is one page-table entry: a physical frame plus flag bits from the
// PTE_* constants above.
type PTE uint64

func (e PTE) Present() bool { return uint64(e)&PTE_P != 0 }
func (e PTE) Frame() uintptr { return uintptr(uint64(e) & PTE_ADDR) }

func MakePTE(frame uintptr, flags uint64) PTE {
	return PTE(uint64(frame)&PTE_ADDR | flags&^PTE_ADDR)
}

// Bus is the core's entire view of physical RAM: a single
// unix.Mmap-backed anonymous region addressed by byte offset, standing
// in for the higher-half direct map a bootloader would install. Every
// PhysAddr the rest of the tree hands to mem.Pool or vm.AddressSpace is
// an offset into this region.
type Bus struct {
	mu    sync.Mutex
	bytes []byte
}

// NewBus mmaps an anonymous, zero-filled region of the given size to
// back simulated physical memory and returns a Bus over it.
func NewBus(size int) (*Bus, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("arch: mmap %d bytes: %w", size, err)
	}
	return &Bus{bytes: b}, nil
}

// Close unmaps the backing region. cmd/kernel never calls it; only
// cmd/ttybridge and tests that build short-lived buses do.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bytes == nil {
		return nil
	}
	err := unix.Munmap(b.bytes)
	b.bytes = nil
	return err
}

// Size returns the byte length of the simulated physical range.
func (b *Bus) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bytes)
}

// Translate returns a slice over [pa, end) of the backing region. It
// panics on an out-of-range address: callers are expected to have
// validated pa against a Pool's owned ranges first.
func (b *Bus) Translate(pa uintptr) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(pa) > len(b.bytes) {
		panic("arch: Translate of address outside bus")
	}
	return b.bytes[pa:]
}

// PageTable is a software page table: a sparse map from page-aligned
// virtual address to PTE, standing in for the four-level x86-64 radix walk. A
// flat map is adequate here since nothing in this core walks page
// tables for any reason but Translate and Invlpg bookkeeping; there
// is no hardware MMU underneath to feed.
type PageTable struct {
	mu      sync.RWMutex
	entries map[VirtAddr]PTE
}

func NewPageTable() *PageTable {
	return &PageTable{entries: make(map[VirtAddr]PTE)}
}

// Map installs or replaces the mapping for a page-aligned virtual
// address.
func (t *PageTable) Map(va VirtAddr, pte PTE) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[va] = pte
}

// Unmap removes any mapping for va.
func (t *PageTable) Unmap(va VirtAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, va)
}

// Walk returns the PTE installed for va, if any.
func (t *PageTable) Walk(va VirtAddr) (PTE, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[va]
	return e, ok
}

// Range calls f for every installed mapping. Iteration order is
// unspecified; f must not call back into the table.
func (t *PageTable) Range(f func(va VirtAddr, pte PTE)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for va, pte := range t.entries {
		f(va, pte)
	}
}

// Translate resolves va to a physical address through the table,
// failing if unmapped or not present.
func (t *PageTable) Translate(va VirtAddr) (uintptr, bool) {
	e, ok := t.Walk(va)
	if !ok || !e.Present() {
		return 0, false
	}
	return e.Frame(), true
}

// LoadCR3 and Invlpg are no-ops here: there is no hardware TLB to
// flush. vm calls Invlpg at the points real unmap code would, so that
// code reads the same whether or not there is real hardware
// underneath; nothing in this tree calls LoadCR3.
func LoadCR3(t *PageTable) {}
func Invlpg(va VirtAddr)   {}

// Rdmsr and Wrmsr stand in for model-specific register access. Without
// real hardware there is nothing to read or write; they exist so code
// that would touch e.g. FS_BASE on real hardware has a call site to
// make.
func Rdmsr(reg uint32) uint64         { return 0 }
func Wrmsr(reg uint32, val uint64)    {}

// Cpuid mirrors the cpuid instruction's four-return-value shape; this
// core has no hardware feature to probe for, so it always reports
// nothing set.
func Cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) { return 0, 0, 0, 0 }

// In and Out stand in for port I/O instructions. Nothing in this tree
// calls them: devices/serial.go and devices/keyboard.go take their
// input from an injected reader and event queue instead.
func In(port uint16) uint8         { return 0 }
func Out(port uint16, val uint8)   {}

// Sti and Cli stand in for interrupt enable/disable. The scheduler
// is cooperative and single-CPU, so these never need to do
// anything beyond mark intent for debugging.
var interruptsEnabled = true

func Sti() { interruptsEnabled = true }
func Cli() { interruptsEnabled = false }

// InterruptsEnabled reports the last Sti/Cli call's effect.
func InterruptsEnabled() bool { return interruptsEnabled }
