package devices

import (
	"sync"

	"github.com/i3vie/neutrino/arch"
	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/desc"
	"github.com/i3vie/neutrino/hashtable"
	"github.com/i3vie/neutrino/limits"
	"github.com/i3vie/neutrino/mem"
	"github.com/i3vie/neutrino/ustr"
	"github.com/i3vie/neutrino/util"
	"github.com/i3vie/neutrino/vm"
)

// Segment is a named, refcounted shared-memory region:
// one run of physical pages a SegmentTable owns on behalf of every
// process that attaches to it by name. Every attaching process maps the
// same frames into its own address space with vm.MapSharedFrames, so
// writes through one mapping are visible through every other; the
// pages themselves are never copied, only referenced. The well-known
// name "wm.registry" is not special to this package; it is just a name
// like any other.
type Segment struct {
	mu       sync.Mutex
	name     ustr.Ustr
	length   uint64
	pool     vm.Pool
	frames   []mem.PhysAddr
	refcount int
	live     bool

	// maps holds one record per attached process. The first open from a
	// process installs the mapping; later opens from the same process
	// only bump the record's refcount.
	maps []procMap
}

type procMap struct {
	pid      uint64
	as       *vm.AddressSpace
	region   vm.Region
	refcount int
}

func (s *Segment) findMapLocked(pid uint64) *procMap {
	for i := range s.maps {
		if s.maps[i].pid == pid {
			return &s.maps[i]
		}
	}
	return nil
}

func pageRound(n uint64) int {
	return int((n + mem.PGSIZE - 1) / mem.PGSIZE)
}

// SegmentTable interns segments by name in a lock-free-Get hashtable
// (lookups vastly outnumber creates and destroys) and owns the pool
// new segments draw their backing pages from.
type SegmentTable struct {
	mu    sync.Mutex
	names *hashtable.Hashtable_t
	pool  vm.Pool
}

func NewSegmentTable(pool vm.Pool) *SegmentTable {
	return &SegmentTable{names: hashtable.MkHash(64), pool: pool}
}

// Mapping is the per-open record a descriptor's resource slot holds
// for shared memory: which segment it refers to and for which process,
// so Close can drop that process's own view without touching any other
// attacher's.
type Mapping struct {
	table   *SegmentTable
	segment *Segment
	pid     uint64
}

func (m *Mapping) TypeID() defs.TypeID { return defs.SharedMemType }

// Close decrements this process's map_refcount, unmapping the region
// from the process on zero, then decrements the segment refcount,
// freeing the backing pages and removing the name on zero.
func (m *Mapping) Close() {
	s := m.segment
	s.mu.Lock()
	if pm := s.findMapLocked(m.pid); pm != nil {
		pm.refcount--
		if pm.refcount == 0 {
			pm.as.UnmapSharedFrames(pm.region)
			for i := range s.maps {
				if s.maps[i].pid == m.pid {
					s.maps = append(s.maps[:i], s.maps[i+1:]...)
					break
				}
			}
		}
	}
	s.refcount--
	dead := s.refcount == 0
	if dead {
		s.live = false
	}
	frames := s.frames
	pool := s.pool
	s.mu.Unlock()

	if dead {
		m.table.mu.Lock()
		m.table.names.Del(s.name)
		m.table.mu.Unlock()
		for _, pa := range frames {
			pool.Free(pa)
		}
		limits.Syslimit.SharedSegments.Give()
	}
}

// OpenShm implements desc.OpenFunc for type=SharedMem: a0
// is the user virtual address of a NUL-terminated name (at most
// limits.MaxSharedMemoryName bytes), a1 is the requested length.
// length == 0 attaches to an existing segment; a non-zero length
// creates the segment if the name is free, and otherwise attaches only
// if the request fits; asking for strictly more than the existing
// segment's length fails without modifying it.
func (t *SegmentTable) OpenShm() desc.OpenFunc {
	return func(owner *desc.Owner, nameAddr, length, _ uint64) (desc.Resource, defs.Flags, string, defs.Err_t) {
		as, _ := owner.VM.(*vm.AddressSpace)
		if as == nil {
			return nil, 0, "", -defs.EFAULT
		}

		name, err := as.CopyUserString(arch.VirtAddr(nameAddr), limits.MaxSharedMemoryName)
		if err != 0 {
			return nil, 0, "", err
		}
		if len(name) == 0 {
			return nil, 0, "", -defs.EINVAL
		}

		t.mu.Lock()
		v, found := t.names.Get(name)
		if found {
			t.mu.Unlock()
			return t.attach(v.(*Segment), owner.ProcessID, as, length)
		}
		if length == 0 {
			t.mu.Unlock()
			return nil, 0, "", -defs.ENOENT
		}
		if !limits.Syslimit.SharedSegments.Take() {
			t.mu.Unlock()
			return nil, 0, "", -defs.ENOMEM
		}

		npages := pageRound(length)
		frames := make([]mem.PhysAddr, 0, npages)
		for len(frames) < npages {
			pa, ok := t.pool.AllocPages(1)
			if !ok {
				for _, f := range frames {
					t.pool.Free(f)
				}
				t.mu.Unlock()
				limits.Syslimit.SharedSegments.Give()
				return nil, 0, "", -defs.ENOMEM
			}
			frames = append(frames, pa)
		}

		seg := &Segment{name: name, length: length, pool: t.pool, frames: frames, live: true}
		t.names.Set(name, seg)
		t.mu.Unlock()

		return t.attach(seg, owner.ProcessID, as, length)
	}
}

// attach joins a process to a segment: the first open from the process
// maps every page of the region writable+user into its tables; later
// opens only bump the per-process map_refcount.
func (t *SegmentTable) attach(s *Segment, pid uint64, as *vm.AddressSpace, length uint64) (desc.Resource, defs.Flags, string, defs.Err_t) {
	s.mu.Lock()
	if !s.live {
		s.mu.Unlock()
		return nil, 0, "", -defs.ENOENT
	}
	if length > s.length {
		s.mu.Unlock()
		return nil, 0, "", -defs.EINVAL
	}

	if pm := s.findMapLocked(pid); pm != nil {
		pm.refcount++
	} else {
		region, ok := as.MapSharedFrames(s.frames)
		if !ok {
			s.mu.Unlock()
			return nil, 0, "", -defs.ENOMEM
		}
		s.maps = append(s.maps, procMap{pid: pid, as: as, region: region, refcount: 1})
	}
	s.refcount++
	name := s.name.String()
	s.mu.Unlock()

	mp := &Mapping{table: t, segment: s, pid: pid}
	return mp, defs.Readable | defs.Writable | defs.Mappable, name, 0
}

// ShmOps is the ops vtable registered for the SharedMem type. Read and
// Write copy between the caller's buffer and the region contents using
// the VM layer's user-range checks; GetProperty with
// SharedMemoryInfo reports the region's base and length in the calling
// process's address space.
var ShmOps = &desc.Ops{
	Read:        shmRead,
	Write:       shmWrite,
	GetProperty: shmGetProperty,
}

// regionFor resolves the calling process's view of the segment.
func (m *Mapping) regionFor() (vm.Region, bool) {
	s := m.segment
	s.mu.Lock()
	defer s.mu.Unlock()
	pm := s.findMapLocked(m.pid)
	if pm == nil {
		return vm.Region{}, false
	}
	return pm.region, true
}

func shmRead(r desc.Resource, io any, userAddr uint64, length int, offset int64) desc.Outcome {
	m := r.(*Mapping)
	ctx, _ := io.(*IOContext)
	if ctx == nil {
		return desc.Return(defs.EINVAL.Errno())
	}
	region, ok := m.regionFor()
	if !ok {
		return desc.Return(defs.EBADF.Errno())
	}
	if offset < 0 || uint64(offset)+uint64(length) > region.Length {
		return desc.Return(defs.EINVAL.Errno())
	}
	buf := make([]byte, length)
	if err := ctx.AS.CopyFromUser(buf, region.Base+arch.VirtAddr(offset)); err != 0 {
		return desc.Return(err.Errno())
	}
	if err := ctx.AS.CopyToUser(arch.VirtAddr(userAddr), buf); err != 0 {
		return desc.Return(err.Errno())
	}
	return desc.Return(int64(length))
}

func shmWrite(r desc.Resource, io any, userAddr uint64, length int, offset int64) desc.Outcome {
	m := r.(*Mapping)
	ctx, _ := io.(*IOContext)
	if ctx == nil {
		return desc.Return(defs.EINVAL.Errno())
	}
	region, ok := m.regionFor()
	if !ok {
		return desc.Return(defs.EBADF.Errno())
	}
	if offset < 0 || uint64(offset)+uint64(length) > region.Length {
		return desc.Return(defs.EINVAL.Errno())
	}
	buf := make([]byte, length)
	if err := ctx.AS.CopyFromUser(buf, arch.VirtAddr(userAddr)); err != 0 {
		return desc.Return(err.Errno())
	}
	if err := ctx.AS.CopyToUser(region.Base+arch.VirtAddr(offset), buf); err != 0 {
		return desc.Return(err.Errno())
	}
	return desc.Return(int64(length))
}

func shmGetProperty(r desc.Resource, id defs.PropertyID, out []byte) defs.Err_t {
	if id != defs.SharedMemoryInfo {
		return -defs.EINVAL
	}
	m := r.(*Mapping)
	region, ok := m.regionFor()
	if !ok {
		return -defs.EBADF
	}
	if len(out) < 16 {
		return -defs.EINVAL
	}
	util.Writen(out, 8, 0, int(region.Base))
	util.Writen(out, 8, 8, int(region.Length))
	return 0
}
