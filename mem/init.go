package mem

import (
	"sort"

	"github.com/i3vie/neutrino/bootinfo"
	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/limits"
	"github.com/i3vie/neutrino/util"
)

// usableRange is one contiguous run of usable physical memory left
// after excluding the kernel image and anything the bootloader marked
// non-usable.
type usableRange struct {
	base   PhysAddr
	npages int
}

// InitPools builds the kernel and user pools from the bootloader's
// memory map: a fixed-size staging arena (64 MiB) is carved out of
// the largest usable range and seeded into the kernel pool first;
// everything else usable becomes user pool.
func InitPools(bus Bus, mmap []bootinfo.MemoryMapEntry, kernelImage bootinfo.Region) (kernelPool, userPool *Pool) {
	ranges := usableRanges(mmap, kernelImage)
	if len(ranges) == 0 {
		panic("mem: no usable memory reported by bootloader")
	}

	largest := 0
	for i, r := range ranges {
		if r.npages > ranges[largest].npages {
			largest = i
		}
	}

	stagingPages := limits.StagingArenaBytes / PGSIZE
	if ranges[largest].npages < stagingPages {
		stagingPages = ranges[largest].npages
	}

	stagingBase := ranges[largest].base
	kernelPool = newRangedPool(bus, []usableRange{{base: stagingBase, npages: stagingPages}}, true)

	// Remainder of the staging range, plus every other usable range,
	// becomes user pool: one Pool spanning several discontiguous
	// extents, since Owns/AllocPages/Free only need to behave
	// consistently over whatever they were seeded with.
	var userRanges []usableRange
	if rem := ranges[largest].npages - stagingPages; rem > 0 {
		userRanges = append(userRanges, usableRange{
			base:   stagingBase + PhysAddr(stagingPages)*PGSIZE,
			npages: rem,
		})
	}
	for i, r := range ranges {
		if i == largest {
			continue
		}
		userRanges = append(userRanges, r)
	}

	userPool = newRangedPool(bus, userRanges, false)
	return kernelPool, userPool
}

// newRangedPool builds one Pool whose index space concatenates every
// range in order, records each range as an extent, and seeds every page
// in every range as free via the ordinary buddy-split bookkeeping.
func newRangedPool(bus Bus, ranges []usableRange, zeroFresh bool) *Pool {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].base < ranges[j].base })

	total := 0
	for _, r := range ranges {
		total += r.npages
	}

	var base PhysAddr
	if len(ranges) > 0 {
		base = ranges[0].base
	}

	p := NewPool(bus, base, total, zeroFresh)
	if len(ranges) > 1 {
		p.extents = make([]extent, len(ranges))
		off := int32(0)
		for i, r := range ranges {
			p.extents[i] = extent{base: r.base, startIdx: off, npages: r.npages}
			off += int32(r.npages)
		}
	}

	off := int32(0)
	for _, r := range ranges {
		seedFree(p, off, r.npages)
		off += int32(r.npages)
	}
	return p
}

// seedFree marks every page in [start, start+npages) of a pool as free,
// splitting into the largest aligned blocks that fit, via the same Free
// path AllocPages callers use, so free lists hold only block-head
// pages whose map entry equals the list's order from the start.
func seedFree(p *Pool, start int32, npages int) {
	idx := start
	end := start + int32(npages)
	for idx < end {
		order := highestAlignedOrder(idx-start, int(end-idx))
		if order > MaxOrder {
			order = MaxOrder
		}
		size := int32(1) << uint(order)
		p.order[idx] = pageEntry{order: int8(order), state: stateAllocated}
		p.Free(p.pageAddr(idx))
		idx += size
	}
}

// highestAlignedOrder returns the largest order k such that a
// 2^k-page block starting at an offset of relIdx pages into its range
// both fits within the remaining pages and is aligned to its own size.
func highestAlignedOrder(relIdx int32, remaining int) int {
	k := 0
	for k < MaxOrder {
		size := int32(1) << uint(k+1)
		if relIdx%size != 0 {
			break
		}
		if int64(size) > int64(remaining) {
			break
		}
		k++
	}
	return k
}

// usableRanges walks the bootloader memory map and returns every
// page-aligned, Usable range after excluding the kernel's own image.
func usableRanges(mmap []bootinfo.MemoryMapEntry, kernelImage bootinfo.Region) []usableRange {
	var out []usableRange
	kStart, kEnd := kernelImage.Base, kernelImage.Base+kernelImage.Length

	for _, e := range mmap {
		if e.Kind != defs.Usable {
			continue
		}
		base := util.Roundup(e.Base, uint64(PGSIZE))
		end := util.Rounddown(e.Base+e.Length, uint64(PGSIZE))
		if end <= base {
			continue
		}
		if kStart < end && kEnd > base {
			if kStart > base {
				out = appendRange(out, base, kStart)
			}
			if kEnd < end {
				out = appendRange(out, kEnd, end)
			}
			continue
		}
		out = appendRange(out, base, end)
	}
	return out
}

func appendRange(out []usableRange, base, end uint64) []usableRange {
	npages := int((end - base) / PGSIZE)
	if npages <= 0 {
		return out
	}
	return append(out, usableRange{base: PhysAddr(base), npages: npages})
}

