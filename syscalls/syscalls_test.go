package syscalls

import (
	"bytes"
	"testing"

	"github.com/i3vie/neutrino/arch"
	"github.com/i3vie/neutrino/bootinfo"
	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/desc"
	"github.com/i3vie/neutrino/devices"
	"github.com/i3vie/neutrino/mem"
	"github.com/i3vie/neutrino/proc"
	"github.com/i3vie/neutrino/vm"
)

type testKernel struct {
	table *proc.Table
	idx   int
	descs *desc.Table
	as    *vm.AddressSpace
	buf   vm.Region
	sink  *bytes.Buffer
}

func boot(t *testing.T) *testKernel {
	t.Helper()
	bus, err := arch.NewBus(160 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { bus.Close() })
	mmap := []bootinfo.MemoryMapEntry{{Base: 0, Length: uint64(bus.Size()), Kind: defs.Usable}}
	_, userPool := mem.InitPools(bus, mmap, bootinfo.Region{})

	sink := &bytes.Buffer{}
	registry := desc.NewRegistry()
	console := devices.NewConsole(bytes.NewReader(nil), sink)
	registry.Register(defs.ConsoleType, devices.OpenConsole(console), devices.ConsoleOps)
	pipes := devices.NewPipeTable()
	registry.Register(defs.PipeType, pipes.OpenPipe(), devices.PipeOps)
	registry.Freeze()

	table := proc.NewTable(4)
	as := vm.New(userPool, bus)
	idx, _, ok := table.Allocate(registry, as)
	if !ok {
		t.Fatal("allocate failed")
	}
	if got, ok := table.Dequeue(); !ok || got != idx {
		t.Fatal("dequeue failed")
	}
	descs := table.Slot(idx).Table
	descs.SetIOContext(&devices.IOContext{ProcIdx: idx, ProcTable: table, AS: as})

	buf, ok := as.AllocateUserRegion(2 * mem.PGSIZE)
	if !ok {
		t.Fatal("no user buffer")
	}
	return &testKernel{table: table, idx: idx, descs: descs, as: as, buf: buf, sink: sink}
}

func (k *testKernel) dispatch(f *Frame) Result {
	return Dispatch(k.table, k.idx, k.descs, f)
}

func TestAbiVersion(t *testing.T) {
	k := boot(t)
	f := Frame{RAX: uint64(AbiMajor)}
	if r := k.dispatch(&f); r != Continue || f.RAX != AbiMajorVersion {
		t.Fatalf("major: %v rax=%d", r, f.RAX)
	}
	f = Frame{RAX: uint64(AbiMinor)}
	if r := k.dispatch(&f); r != Continue || f.RAX != AbiMinorVersion {
		t.Fatalf("minor: %v rax=%d", r, f.RAX)
	}
}

func TestUnknownSyscall(t *testing.T) {
	k := boot(t)
	f := Frame{RAX: 9999}
	if r := k.dispatch(&f); r != Continue || int64(f.RAX) != defs.EINVAL.Errno() {
		t.Fatalf("unknown: %v rax=%d", r, int64(f.RAX))
	}
}

func TestYieldAndExit(t *testing.T) {
	k := boot(t)
	f := Frame{RAX: uint64(Yield)}
	if r := k.dispatch(&f); r != Reschedule || f.RAX != 0 {
		t.Fatalf("yield: %v rax=%d", r, f.RAX)
	}
	if s := k.table.Slot(k.idx).State; s != proc.Ready {
		t.Fatalf("state after yield: %v", s)
	}

	k.table.Dequeue()
	f = Frame{RAX: uint64(Exit)}
	if r := k.dispatch(&f); r != Unschedule {
		t.Fatalf("exit: %v", r)
	}
	if s := k.table.Slot(k.idx).State; s != proc.Unused {
		t.Fatalf("state after exit: %v", s)
	}
}

func TestDescriptorSyscallFlow(t *testing.T) {
	// Open console, query, write "hi", close, then confirm the stale
	// handle is rejected (scenario S5 driven through the dispatcher).
	k := boot(t)

	f := Frame{RAX: uint64(DescriptorOpen), RDI: uint64(defs.ConsoleType)}
	if r := k.dispatch(&f); r != Continue {
		t.Fatalf("open: %v", r)
	}
	h := f.RAX
	if h == 0 || int64(h) < 0 {
		t.Fatalf("open rax %#x", h)
	}

	f = Frame{RAX: uint64(DescriptorQuery), RDI: h}
	k.dispatch(&f)
	if defs.Flags(f.RAX)&defs.Writable == 0 {
		t.Fatalf("query flags %#x", f.RAX)
	}

	k.as.CopyToUser(k.buf.Base, []byte("hi"))
	f = Frame{RAX: uint64(DescriptorWrite), RDI: h, RSI: uint64(k.buf.Base), RDX: 2}
	if r := k.dispatch(&f); r != Continue || f.RAX != 2 {
		t.Fatalf("write: %v rax=%d", r, f.RAX)
	}
	if k.sink.String() != "hi" {
		t.Fatalf("sink %q", k.sink.String())
	}

	f = Frame{RAX: uint64(DescriptorClose), RDI: h}
	if r := k.dispatch(&f); r != Continue || f.RAX != 0 {
		t.Fatalf("close: %v rax=%d", r, int64(f.RAX))
	}

	f = Frame{RAX: uint64(DescriptorWrite), RDI: h, RSI: uint64(k.buf.Base), RDX: 2}
	k.dispatch(&f)
	if int64(f.RAX) != defs.EBADF.Errno() {
		t.Fatalf("stale write rax %d", int64(f.RAX))
	}
}

func TestGetPropertyCopiesToUser(t *testing.T) {
	k := boot(t)

	f := Frame{RAX: uint64(DescriptorOpen), RDI: uint64(defs.PipeType), RSI: uint64(defs.Readable | defs.Writable)}
	k.dispatch(&f)
	h := f.RAX

	// PipeInfo lands in the user buffer named by a2, size in a3.
	f = Frame{RAX: uint64(DescriptorGetProperty), RDI: h, RSI: uint64(defs.PipeInfo), RDX: uint64(k.buf.Base), R10: 4}
	if r := k.dispatch(&f); r != Continue || f.RAX != 0 {
		t.Fatalf("getproperty: %v rax=%d", r, int64(f.RAX))
	}
	got := make([]byte, 4)
	k.as.CopyFromUser(got, k.buf.Base)
	id := uint32(got[0]) | uint32(got[1])<<8 | uint32(got[2])<<16 | uint32(got[3])<<24
	if id == 0 {
		t.Fatal("pipe id 0 reported through property read")
	}
}

func TestReadWouldBlockLeavesRAX(t *testing.T) {
	k := boot(t)

	f := Frame{RAX: uint64(DescriptorOpen), RDI: uint64(defs.PipeType), RSI: uint64(defs.Readable | defs.Writable)}
	k.dispatch(&f)
	h := f.RAX

	// A suspended call must leave rax exactly as it was; the waker owns
	// the eventual result.
	f = Frame{RAX: uint64(DescriptorRead), RDI: h, RSI: uint64(k.buf.Base), RDX: 8}
	if got := k.dispatch(&f); got != Unschedule {
		t.Fatalf("blocking read: %v", got)
	}
	if f.RAX != uint64(DescriptorRead) {
		t.Fatal("dispatcher wrote rax on a suspended call")
	}
	if s := k.table.Slot(k.idx).State; s != proc.Blocked {
		t.Fatalf("state %v", s)
	}
}
