package devices

import (
	"bytes"
	"testing"

	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/desc"
	"github.com/i3vie/neutrino/mem"
)

// shmEnv builds the harness first and swaps in a registry bound to its
// user pool, since the segment table needs the pool the harness owns.
func shmEnv(t *testing.T) *testEnv {
	env := newTestEnv(t, func(*desc.Registry) {})
	segs := NewSegmentTable(env.userPool)
	reg := desc.NewRegistry()
	reg.Register(defs.SharedMemType, segs.OpenShm(), ShmOps)
	reg.Freeze()
	env.registry = reg
	return env
}

// openShm stages the name into the process's buffer and opens the
// segment; the name occupies the tail of the staging region so data
// tests can use its head.
func openShm(t *testing.T, p *testProc, name string, length uint64) (desc.Handle, defs.Err_t) {
	t.Helper()
	nameAddr := p.buf.Base + mem.PGSIZE
	if err := p.as.CopyToUser(nameAddr, append([]byte(name), 0)); err != 0 {
		t.Fatalf("stage name: %d", err)
	}
	return p.descs.Open(p.owner(), defs.SharedMemType, uint64(nameAddr), length, 0)
}

func shmInfo(t *testing.T, p *testProc, h desc.Handle) (base uint64, length uint64) {
	t.Helper()
	out := make([]byte, 16)
	if err := p.descs.GetProperty(h, defs.SharedMemoryInfo, out); err != 0 {
		t.Fatalf("SharedMemoryInfo: %d", err)
	}
	for i := 0; i < 8; i++ {
		base |= uint64(out[i]) << (8 * i)
		length |= uint64(out[8+i]) << (8 * i)
	}
	return base, length
}

func TestShmCoherenceAcrossProcesses(t *testing.T) {
	// Scenario: P1 creates "buf" at 8192 bytes and writes 0xAB at
	// offset 100 through its mapping; P2 attaches (length 0) and reads
	// the same byte back.
	env := shmEnv(t)
	p1 := env.newProc()
	p2 := env.newProc()

	h1, err := openShm(t, p1, "buf", 8192)
	if err != 0 {
		t.Fatalf("create: %d", err)
	}
	base1, len1 := shmInfo(t, p1, h1)
	if len1 != 8192 {
		t.Fatalf("segment length %d", len1)
	}
	if err := p1.as.CopyToUser(vmAddr(base1+100), []byte{0xab}); err != 0 {
		t.Fatalf("write through mapping: %d", err)
	}

	h2, err := openShm(t, p2, "buf", 0)
	if err != 0 {
		t.Fatalf("attach: %d", err)
	}
	base2, len2 := shmInfo(t, p2, h2)
	if len2 != len1 {
		t.Fatalf("attached length %d", len2)
	}
	got := make([]byte, 1)
	if err := p2.as.CopyFromUser(got, vmAddr(base2+100)); err != 0 {
		t.Fatalf("read through mapping: %d", err)
	}
	if got[0] != 0xab {
		t.Fatalf("read %#x, want 0xab", got[0])
	}
}

func TestShmReadWriteOps(t *testing.T) {
	env := shmEnv(t)
	p := env.newProc()
	h, err := openShm(t, p, "ops", 4096)
	if err != 0 {
		t.Fatalf("create: %d", err)
	}

	addr := p.stage([]byte("payload"))
	out, derr := p.descs.Write(h, addr, 7, 64)
	if derr != 0 || out.Returned != 7 {
		t.Fatalf("write op: %v %d", out, derr)
	}
	out, derr = p.descs.Read(h, addr, 7, 64)
	if derr != 0 || out.Returned != 7 {
		t.Fatalf("read op: %v %d", out, derr)
	}
	if got := p.fetch(7); !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("got %q", got)
	}

	// Out-of-range offset must fail.
	if out, derr = p.descs.Read(h, addr, 16, 8192); derr != 0 || out.Returned >= 0 {
		t.Fatalf("oversize offset read: %v %d", out, derr)
	}
}

func TestShmOversizeAttachFails(t *testing.T) {
	// Law 12: requesting more than the existing length fails without
	// touching the segment.
	env := shmEnv(t)
	p1 := env.newProc()
	p2 := env.newProc()

	h1, _ := openShm(t, p1, "grow", 4096)
	if _, err := openShm(t, p2, "grow", 16384); err != -defs.EINVAL {
		t.Fatalf("oversize attach: %d", err)
	}
	// The original attachment still works.
	if _, l := shmInfo(t, p1, h1); l != 4096 {
		t.Fatalf("segment length changed to %d", l)
	}
}

func TestShmAttachMissingFails(t *testing.T) {
	env := shmEnv(t)
	p := env.newProc()
	if _, err := openShm(t, p, "nosuch", 0); err != -defs.ENOENT {
		t.Fatalf("attach to missing name: %d", err)
	}
}

func TestShmPagesReturnedOnLastClose(t *testing.T) {
	// Law 11: closing every descriptor from every process returns all
	// backing pages to the user pool.
	env := shmEnv(t)
	p1 := env.newProc()
	p2 := env.newProc()
	before := env.userPool.FreePageCount()

	h1, _ := openShm(t, p1, "scratch", 4*mem.PGSIZE)
	h2, _ := openShm(t, p2, "scratch", 0)
	if env.userPool.FreePageCount() != before-4 {
		t.Fatalf("pool count %d after create", env.userPool.FreePageCount())
	}

	p1.descs.Close(h1)
	if env.userPool.FreePageCount() != before-4 {
		t.Fatal("pages freed while an attacher remains")
	}
	p2.descs.Close(h2)
	if env.userPool.FreePageCount() != before {
		t.Fatalf("pool count %d after last close, want %d", env.userPool.FreePageCount(), before)
	}

	// The name is gone; attach now fails.
	if _, err := openShm(t, p1, "scratch", 0); err != -defs.ENOENT {
		t.Fatalf("attach after teardown: %d", err)
	}
}

func TestShmSameProcessReopenSharesMapping(t *testing.T) {
	env := shmEnv(t)
	p := env.newProc()

	h1, _ := openShm(t, p, "twice", 4096)
	base1, _ := shmInfo(t, p, h1)
	h2, err := openShm(t, p, "twice", 0)
	if err != 0 {
		t.Fatalf("reopen: %d", err)
	}
	base2, _ := shmInfo(t, p, h2)
	if base1 != base2 {
		t.Fatalf("second open remapped: %#x vs %#x", base1, base2)
	}

	// Closing one handle keeps the mapping usable through the other.
	p.descs.Close(h1)
	if err := p.as.CopyToUser(vmAddr(base2), []byte{1}); err != 0 {
		t.Fatalf("mapping gone after partial close: %d", err)
	}
	p.descs.Close(h2)
	if err := p.as.CopyToUser(vmAddr(base2), []byte{1}); err == 0 {
		t.Fatal("mapping survived last close")
	}
}
