package devices

import (
	"testing"

	"github.com/i3vie/neutrino/arch"
	"github.com/i3vie/neutrino/bootinfo"
	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/desc"
	"github.com/i3vie/neutrino/mem"
	"github.com/i3vie/neutrino/proc"
	"github.com/i3vie/neutrino/vm"
)

// testEnv wires the same stack cmd/kernel boots (bus, pools, type
// registry, process table), sized for a test.
type testEnv struct {
	t        *testing.T
	bus      *arch.Bus
	userPool *mem.Pool
	registry *desc.Registry
	table    *proc.Table
}

// testProc is one simulated process: a slot made Running, its
// descriptor table, its address space, and two pages of its own user
// memory to stage reads and writes through.
type testProc struct {
	env   *testEnv
	idx   int
	pid   proc.Pid
	as    *vm.AddressSpace
	descs *desc.Table
	buf   vm.Region
}

func newTestEnv(t *testing.T, register func(*desc.Registry)) *testEnv {
	t.Helper()
	bus, err := arch.NewBus(160 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { bus.Close() })

	mmap := []bootinfo.MemoryMapEntry{{Base: 0, Length: uint64(bus.Size()), Kind: defs.Usable}}
	_, userPool := mem.InitPools(bus, mmap, bootinfo.Region{})

	registry := desc.NewRegistry()
	register(registry)
	registry.Freeze()

	return &testEnv{
		t:        t,
		bus:      bus,
		userPool: userPool,
		registry: registry,
		table:    proc.NewTable(8),
	}
}

// newProc allocates a slot with its own address space, dequeues it
// into Running, and stages two user pages for test I/O.
func (e *testEnv) newProc() *testProc {
	e.t.Helper()
	as := vm.New(e.userPool, e.bus)
	idx, pid, ok := e.table.Allocate(e.registry, as)
	if !ok {
		e.t.Fatal("process table exhausted")
	}
	got, ok := e.table.Dequeue()
	if !ok || got != idx {
		e.t.Fatalf("dequeue: %d %v", got, ok)
	}
	descs := e.table.Slot(idx).Table
	descs.SetIOContext(&IOContext{ProcIdx: idx, ProcTable: e.table, AS: as})

	buf, ok := as.AllocateUserRegion(2 * mem.PGSIZE)
	if !ok {
		e.t.Fatal("no user staging page")
	}
	return &testProc{env: e, idx: idx, pid: pid, as: as, descs: descs, buf: buf}
}

func (p *testProc) owner() *desc.Owner {
	return &desc.Owner{ProcessID: uint64(p.pid), VM: p.as}
}

// stage copies data into the process's staging region and returns its
// user address.
func (p *testProc) stage(data []byte) uint64 {
	p.env.t.Helper()
	if err := p.as.CopyToUser(p.buf.Base, data); err != 0 {
		p.env.t.Fatalf("stage: %d", err)
	}
	return uint64(p.buf.Base)
}

// fetch reads n bytes back out of the staging region.
func (p *testProc) fetch(n int) []byte {
	p.env.t.Helper()
	out := make([]byte, n)
	if err := p.as.CopyFromUser(out, p.buf.Base); err != 0 {
		p.env.t.Fatalf("fetch: %d", err)
	}
	return out
}

func (p *testProc) state() proc.State {
	return p.env.table.Slot(p.idx).State
}

func vmAddr(a uint64) arch.VirtAddr { return arch.VirtAddr(a) }
