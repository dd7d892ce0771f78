package devices

import (
	"bytes"
	"testing"

	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/desc"
)

func blockEnv(t *testing.T, locked bool) (*testEnv, *RAMDisk) {
	disk := NewRAMDisk(make([]byte, 64*512), 512)
	env := newTestEnv(t, func(r *desc.Registry) {
		r.Register(defs.BlockDeviceType, OpenBlockDevice(NewBlock(disk, locked)), BlockDeviceOps)
	})
	return env, disk
}

func TestBlockReadWrite(t *testing.T) {
	env, _ := blockEnv(t, false)
	p := env.newProc()
	h, err := p.descs.Open(p.owner(), defs.BlockDeviceType, 0, 0, 0)
	if err != 0 {
		t.Fatalf("open: %d", err)
	}

	sector := bytes.Repeat([]byte{0xcd}, 512)
	addr := p.stage(sector)
	out, derr := p.descs.Write(h, addr, 512, 3*512)
	if derr != 0 || out.Returned != 512 {
		t.Fatalf("write: %v %d", out, derr)
	}

	p.stage(make([]byte, 512)) // clear staging
	out, derr = p.descs.Read(h, addr, 512, 3*512)
	if derr != 0 || out.Returned != 512 {
		t.Fatalf("read: %v %d", out, derr)
	}
	if got := p.fetch(512); !bytes.Equal(got, sector) {
		t.Fatal("sector contents mismatch")
	}
}

func TestBlockMisalignedOffsetRejected(t *testing.T) {
	env, _ := blockEnv(t, false)
	p := env.newProc()
	h, _ := p.descs.Open(p.owner(), defs.BlockDeviceType, 0, 0, 0)

	addr := p.stage(make([]byte, 512))
	if out, derr := p.descs.Read(h, addr, 512, 100); derr != 0 || out.Returned >= 0 {
		t.Fatalf("misaligned offset: %v %d", out, derr)
	}
	if out, derr := p.descs.Read(h, addr, 100, 0); derr != 0 || out.Returned >= 0 {
		t.Fatalf("partial-sector length: %v %d", out, derr)
	}
}

func TestBlockOutOfRangeIsDeviceError(t *testing.T) {
	env, _ := blockEnv(t, false)
	p := env.newProc()
	h, _ := p.descs.Open(p.owner(), defs.BlockDeviceType, 0, 0, 0)
	addr := p.stage(make([]byte, 512))
	out, derr := p.descs.Read(h, addr, 512, 1000*512)
	if derr != 0 || out.Returned != defs.EIO.Errno() {
		t.Fatalf("out-of-range read: %v %d", out, derr)
	}
}

func TestBlockGeometryProperty(t *testing.T) {
	env, _ := blockEnv(t, false)
	p := env.newProc()
	h, _ := p.descs.Open(p.owner(), defs.BlockDeviceType, 0, 0, 0)
	out := make([]byte, 12)
	if err := p.descs.GetProperty(h, defs.BlockGeometry, out); err != 0 {
		t.Fatalf("geometry: %d", err)
	}
	ss := uint32(out[0]) | uint32(out[1])<<8
	var count uint64
	for i := 0; i < 8; i++ {
		count |= uint64(out[4+i]) << (8 * i)
	}
	if ss != 512 || count != 64 {
		t.Fatalf("geometry %d/%d", ss, count)
	}
}

func TestLockedDeviceReservedForKernel(t *testing.T) {
	env, _ := blockEnv(t, true)
	p := env.newProc()
	if _, err := p.descs.Open(p.owner(), defs.BlockDeviceType, 0, 0, 0); err != -defs.EPERM {
		t.Fatalf("user open of locked device: %d", err)
	}
	// The kernel's own parallel table opens it fine.
	ktbl := desc.NewTable(env.registry, 4)
	if _, err := ktbl.Open(&desc.Owner{Kernel: true}, defs.BlockDeviceType, 0, 0, 0); err != 0 {
		t.Fatalf("kernel open of locked device: %d", err)
	}
}

func TestRAMDiskGeometry(t *testing.T) {
	d := NewRAMDisk(make([]byte, 1000), 512) // truncates to one sector
	if d.SectorCount() != 1 || d.SectorSize() != 512 {
		t.Fatalf("geometry %d/%d", d.SectorSize(), d.SectorCount())
	}
	if err := d.ReadSectors(1, make([]byte, 512)); err == nil {
		t.Fatal("read past end succeeded")
	}
}
