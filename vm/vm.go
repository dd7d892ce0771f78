// Package vm is the virtual-memory manager: per-address-space
// monotone cursors over a fixed user half, and the only sanctioned
// routines for crossing the user/kernel boundary once the core is up.
//
// There is no region tree, no page-fault path, and no copy-on-write:
// every region is fully mapped and backed at allocation time, so
// coarse cursor carving suffices.
package vm

import (
	"github.com/i3vie/neutrino/arch"
	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/limits"
	"github.com/i3vie/neutrino/mem"
	"github.com/i3vie/neutrino/ustr"
)

// USERBASE and USERTOP bound the user half of every address space,
// sized so the simulated bus can actually back a fully-populated
// space.
const (
	USERBASE arch.VirtAddr = 1 << 32
	USERTOP  arch.VirtAddr = 1<<32 + 1<<31 // 2 GiB of user address space
)

// SharedGuardBytes is the fixed guard gap kept below the shared-region
// cursor, above the stack ceiling.
const SharedGuardBytes = limits.SharedRegionGuardBytes

// Region names a mapped virtual range, returned to callers instead of
// any finer-grained tracking; the cursors are monotone, so no region
// tree is needed.
type Region struct {
	Base   arch.VirtAddr
	Length uint64
}

// Pool is the narrow view AddressSpace needs of a physical page
// allocator: mem.Pool satisfies this directly.
type Pool interface {
	AllocPages(n int) (mem.PhysAddr, bool)
	Free(pa mem.PhysAddr)
}

// AddressSpace is one process's page-table root and cursor set, plus
// the pool its user pages come from. The kernel's own page-table root
// keeps its own cursor set the same way.
type AddressSpace struct {
	Table *arch.PageTable
	pool  Pool
	bus   Bus

	nextCode   arch.VirtAddr
	nextStack  arch.VirtAddr
	nextShared arch.VirtAddr
}

// Bus lets MapUserCode and the user-boundary copy routines reach the
// bytes backing an allocated frame without a page-fault path to drive;
// arch.Bus satisfies this directly.
type Bus interface {
	Translate(pa uintptr) []byte
}

// New constructs an address space with cursors at their initial
// positions: next_code at USERBASE, next_stack and next_shared at
// USERTOP (with next_shared immediately pulled down by the guard gap),
// satisfying the invariant next_code ≤ next_shared − guard ≤ next_stack
// ≤ USERTOP from the first allocation onward. pool supplies backing
// pages; bus is the same physical window the pool itself was built
// over, used here to reach those pages' bytes directly.
func New(pool Pool, bus Bus) *AddressSpace {
	return &AddressSpace{
		Table:      arch.NewPageTable(),
		pool:       pool,
		bus:        bus,
		nextCode:   USERBASE,
		nextStack:  USERTOP,
		nextShared: USERTOP - SharedGuardBytes,
	}
}

func pageRound(n uint64) int {
	return int((n + mem.PGSIZE - 1) / mem.PGSIZE)
}

// mapPages allocates npages user pages starting at va with the given
// PTE flags, unmapping and freeing whatever it already installed if
// any single page allocation fails partway through. No partial
// mappings survive a failure.
func (as *AddressSpace) mapPages(va arch.VirtAddr, npages int, flags uint64) bool {
	installed := make([]arch.VirtAddr, 0, npages)
	for i := 0; i < npages; i++ {
		pa, ok := as.pool.AllocPages(1)
		if !ok {
			as.unwind(installed)
			return false
		}
		pageVA := va + arch.VirtAddr(i)*mem.PGSIZE
		as.Table.Map(pageVA, arch.MakePTE(uintptr(pa), flags))
		arch.Invlpg(pageVA)
		installed = append(installed, pageVA)
	}
	return true
}

func (as *AddressSpace) unwind(installed []arch.VirtAddr) {
	for _, va := range installed {
		pte, ok := as.Table.Walk(va)
		if ok {
			as.pool.Free(mem.PhysAddr(pte.Frame()))
		}
		as.Table.Unmap(va)
	}
}

// MapUserCode allocates ceil(len(code)/page) user pages, maps them
// present|write|user at next_code, copies code in page-by-page with
// the final tail zero-padded, advances next_code, and reports the
// region together with the entry virtual address.
func (as *AddressSpace) MapUserCode(code []byte, entryOffset uint64) (Region, arch.VirtAddr, bool) {
	npages := pageRound(uint64(len(code)))
	if npages == 0 {
		npages = 1
	}
	base := as.nextCode
	if !as.mapPages(base, npages, arch.PTE_P|arch.PTE_W|arch.PTE_U) {
		return Region{}, 0, false
	}

	for i := 0; i < npages; i++ {
		pageVA := base + arch.VirtAddr(i)*mem.PGSIZE
		pte, _ := as.Table.Walk(pageVA)
		dst := as.bus.Translate(pte.Frame())
		if len(dst) > mem.PGSIZE {
			dst = dst[:mem.PGSIZE]
		}
		clearBytes(dst)
		off := i * mem.PGSIZE
		end := off + mem.PGSIZE
		if end > len(code) {
			end = len(code)
		}
		if off < len(code) {
			copy(dst, code[off:end])
		}
	}

	as.nextCode = base + arch.VirtAddr(npages)*mem.PGSIZE
	return Region{Base: base, Length: uint64(npages) * mem.PGSIZE}, base + arch.VirtAddr(entryOffset), true
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// AllocateUserRegion allocates zero-filled user pages above next_code
// the same way MapUserCode does, advancing next_code.
func (as *AddressSpace) AllocateUserRegion(length uint64) (Region, bool) {
	npages := pageRound(length)
	if npages == 0 {
		return Region{}, false
	}
	base := as.nextCode
	if !as.mapPages(base, npages, arch.PTE_P|arch.PTE_W|arch.PTE_U) {
		return Region{}, false
	}
	for i := 0; i < npages; i++ {
		pte, _ := as.Table.Walk(base + arch.VirtAddr(i)*mem.PGSIZE)
		dst := as.bus.Translate(pte.Frame())
		if len(dst) > mem.PGSIZE {
			dst = dst[:mem.PGSIZE]
		}
		clearBytes(dst)
	}
	as.nextCode = base + arch.VirtAddr(npages)*mem.PGSIZE
	return Region{Base: base, Length: uint64(npages) * mem.PGSIZE}, true
}

// AllocateUserSharedRegion places a region below next_shared,
// reserving the fixed guard gap below it and pushing next_stack down
// if the new floor would otherwise overlap it.
func (as *AddressSpace) AllocateUserSharedRegion(length uint64) (Region, bool) {
	npages := pageRound(length)
	if npages == 0 {
		return Region{}, false
	}
	size := arch.VirtAddr(npages) * mem.PGSIZE
	if as.nextShared < size {
		return Region{}, false
	}
	base := as.nextShared - size
	if !as.mapPages(base, npages, arch.PTE_P|arch.PTE_W|arch.PTE_U) {
		return Region{}, false
	}
	as.nextShared = base

	floor := as.nextShared
	if floor < SharedGuardBytes {
		return Region{}, false
	}
	floor -= SharedGuardBytes
	if as.nextStack > floor {
		as.nextStack = floor
	}
	return Region{Base: base, Length: uint64(size)}, true
}

// AllocateUserStack grows the stack region downward from next_stack,
// returning the region's base, the stack's top (one past its highest
// usable byte, the address the initial stack pointer is set to), and
// its length.
func (as *AddressSpace) AllocateUserStack(length uint64) (base, top arch.VirtAddr, size uint64, ok bool) {
	npages := pageRound(length)
	if npages == 0 {
		return 0, 0, 0, false
	}
	sz := arch.VirtAddr(npages) * mem.PGSIZE
	if as.nextStack < sz {
		return 0, 0, 0, false
	}
	newBase := as.nextStack - sz
	if newBase < as.nextCode {
		return 0, 0, 0, false
	}
	if !as.mapPages(newBase, npages, arch.PTE_P|arch.PTE_W|arch.PTE_U) {
		return 0, 0, 0, false
	}
	top = as.nextStack
	as.nextStack = newBase
	return newBase, top, uint64(sz), true
}

// MapSharedFrames maps an already-allocated run of physical frames
// into this address space below next_shared, honouring the same guard
// gap as AllocateUserSharedRegion, without allocating or freeing any
// page itself; the frames are owned by whoever allocated them (a
// shared-memory segment, outliving any single address space), so
// ReleaseUserRegion must never be called on the result; use
// UnmapSharedFrames instead.
func (as *AddressSpace) MapSharedFrames(frames []mem.PhysAddr) (Region, bool) {
	npages := len(frames)
	if npages == 0 {
		return Region{}, false
	}
	size := arch.VirtAddr(npages) * mem.PGSIZE
	if as.nextShared < size {
		return Region{}, false
	}
	base := as.nextShared - size

	floor := base
	if floor < SharedGuardBytes {
		return Region{}, false
	}
	floor -= SharedGuardBytes
	if as.nextStack < floor {
		floor = as.nextStack
	}
	if floor < as.nextCode {
		return Region{}, false
	}

	for i, pa := range frames {
		pageVA := base + arch.VirtAddr(i)*mem.PGSIZE
		as.Table.Map(pageVA, arch.MakePTE(uintptr(pa), arch.PTE_P|arch.PTE_W|arch.PTE_U))
		arch.Invlpg(pageVA)
	}
	as.nextShared = base
	if as.nextStack > floor {
		as.nextStack = floor
	}
	return Region{Base: base, Length: uint64(size)}, true
}

// UnmapSharedFrames unmaps a region installed by MapSharedFrames
// without freeing the underlying frames.
func (as *AddressSpace) UnmapSharedFrames(r Region) {
	npages := pageRound(r.Length)
	for i := 0; i < npages; i++ {
		va := r.Base + arch.VirtAddr(i)*mem.PGSIZE
		as.Table.Unmap(va)
		arch.Invlpg(va)
	}
}

// ReleaseUserRegion unmaps and frees each page of region to the
// allocator it came from. It does not adjust any cursor; cursors are
// monotone, so released ranges are not reused within the address
// space's lifetime.
func (as *AddressSpace) ReleaseUserRegion(r Region) {
	npages := pageRound(r.Length)
	for i := 0; i < npages; i++ {
		va := r.Base + arch.VirtAddr(i)*mem.PGSIZE
		pte, ok := as.Table.Walk(va)
		if ok && pte.Present() {
			as.pool.Free(mem.PhysAddr(pte.Frame()))
		}
		as.Table.Unmap(va)
		arch.Invlpg(va)
	}
}

// ReleaseAll unmaps every remaining mapping of the address space and
// frees the backing pages, used by the process exit path after the
// descriptor table has been drained. Shared-memory mappings must already be gone by
// then (each descriptor close unmapped its own view), so every page
// still present here is owned by this address space.
func (as *AddressSpace) ReleaseAll() {
	var vas []arch.VirtAddr
	as.Table.Range(func(va arch.VirtAddr, pte arch.PTE) {
		if pte.Present() {
			vas = append(vas, va)
		}
	})
	for _, va := range vas {
		pte, ok := as.Table.Walk(va)
		if ok && pte.Present() {
			as.pool.Free(mem.PhysAddr(pte.Frame()))
		}
		as.Table.Unmap(va)
		arch.Invlpg(va)
	}
}

// IsUserRange returns true iff [addr, addr+length) ⊆ [USERBASE,
// USERTOP), accounting for wraparound.
func IsUserRange(addr arch.VirtAddr, length uint64) bool {
	end := addr + arch.VirtAddr(length)
	if end < addr {
		return false // wrapped
	}
	return addr >= USERBASE && end <= USERTOP
}

// translateUser resolves one byte of user memory at va to a
// byte-addressable slice spanning to the end of its containing page,
// or fails if unmapped, not present, or outside the user range; the
// single range-checked primitive every copy function below is built
// from, same role as Userdmap8_inner.
func (as *AddressSpace) translateUser(va arch.VirtAddr) ([]byte, defs.Err_t) {
	if !IsUserRange(va, 1) {
		return nil, -defs.EFAULT
	}
	pte, ok := as.Table.Walk(va &^ (mem.PGSIZE - 1))
	if !ok || !pte.Present() {
		return nil, -defs.EFAULT
	}
	frame := as.bus.Translate(pte.Frame())
	voff := uint64(va) % mem.PGSIZE
	if voff >= uint64(len(frame)) {
		return nil, -defs.EFAULT
	}
	end := voff + (mem.PGSIZE - voff)
	if end > uint64(len(frame)) {
		end = uint64(len(frame))
	}
	return frame[voff:end], 0
}

// CopyToUser walks the page tables chunk-wise, honouring page-offset
// alignment, copying src into user memory starting at va. It operates
// through the physical window rather than switching address spaces.
func (as *AddressSpace) CopyToUser(va arch.VirtAddr, src []byte) defs.Err_t {
	if !IsUserRange(va, uint64(len(src))) {
		return -defs.EFAULT
	}
	cnt := 0
	for cnt < len(src) {
		dst, err := as.translateUser(va + arch.VirtAddr(cnt))
		if err != 0 {
			return err
		}
		n := copy(dst, src[cnt:])
		if n == 0 {
			return -defs.EFAULT
		}
		cnt += n
	}
	return 0
}

// CopyFromUser is CopyToUser's mirror: it fills dst from user memory
// starting at va.
func (as *AddressSpace) CopyFromUser(dst []byte, va arch.VirtAddr) defs.Err_t {
	if !IsUserRange(va, uint64(len(dst))) {
		return -defs.EFAULT
	}
	cnt := 0
	for cnt < len(dst) {
		src, err := as.translateUser(va + arch.VirtAddr(cnt))
		if err != 0 {
			return err
		}
		n := copy(dst[cnt:], src)
		if n == 0 {
			return -defs.EFAULT
		}
		cnt += n
	}
	return 0
}

// FillUser writes n copies of the byte value to user memory starting
// at va, the same chunk-wise, range-checked way as CopyToUser.
func (as *AddressSpace) FillUser(va arch.VirtAddr, n int, value byte) defs.Err_t {
	if !IsUserRange(va, uint64(n)) {
		return -defs.EFAULT
	}
	cnt := 0
	for cnt < n {
		dst, err := as.translateUser(va + arch.VirtAddr(cnt))
		if err != 0 {
			return err
		}
		l := n - cnt
		if l > len(dst) {
			l = len(dst)
		}
		for i := 0; i < l; i++ {
			dst[i] = value
		}
		cnt += l
	}
	return 0
}

// CopyUserString copies a NUL-terminated string from user space into a
// fixed-size ustr.Ustr, failing with ENAMETOOLONG if no NUL is found
// before the destination fills up. Every byte access is individually
// range-checked.
func (as *AddressSpace) CopyUserString(uva arch.VirtAddr, maxLen int) (ustr.Ustr, defs.Err_t) {
	if maxLen < 0 {
		return nil, -defs.EINVAL
	}
	s := make(ustr.Ustr, 0, maxLen)
	i := 0
	for {
		src, err := as.translateUser(uva + arch.VirtAddr(i))
		if err != 0 {
			return nil, err
		}
		for _, c := range src {
			if c == 0 {
				return s, 0
			}
			if len(s) >= maxLen {
				return nil, -defs.ENAMETOOLONG
			}
			s = append(s, c)
		}
		i += len(src)
	}
}
