package devices

import (
	"sync"

	"github.com/i3vie/neutrino/arch"
	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/desc"
	"github.com/i3vie/neutrino/util"
)

// BlockDevice is the whole of what the core asks of a storage driver:
// sector reads and writes plus geometry. Interrupt-completion
// plumbing has no place here; the cooperative scheduler runs each
// request to completion.
type BlockDevice interface {
	ReadSectors(lba uint64, out []byte) error
	WriteSectors(lba uint64, data []byte) error
	SectorSize() int
	SectorCount() uint64
}

// Block is the Resource wrapping a BlockDevice. Locked marks a device
// reserved for kernel-only use: opens fail with EPERM for anyone but
// the kernel's own descriptor table.
type Block struct {
	mu     sync.Mutex
	dev    BlockDevice
	locked bool
}

func NewBlock(dev BlockDevice, locked bool) *Block {
	return &Block{dev: dev, locked: locked}
}

func (b *Block) TypeID() defs.TypeID { return defs.BlockDeviceType }
func (b *Block) Close()              {}

func OpenBlockDevice(b *Block) desc.OpenFunc {
	return func(owner *desc.Owner, a0, a1, a2 uint64) (desc.Resource, defs.Flags, string, defs.Err_t) {
		if b.locked && !owner.Kernel {
			return nil, 0, "", -defs.EPERM
		}
		return b, defs.Readable | defs.Writable | defs.Seekable | defs.Block, "blockdevice", 0
	}
}

var BlockDeviceOps = &desc.Ops{
	Read:        blockRead,
	Write:       blockWrite,
	GetProperty: blockGetProperty,
}

// sectorAligned validates offset and length against the device's
// sector size; both must be whole multiples of it.
func sectorAligned(b *Block, offset int64, length int) (lba uint64, nsectors int, ok bool) {
	ss := b.dev.SectorSize()
	if ss <= 0 || offset < 0 || offset%int64(ss) != 0 || length%ss != 0 {
		return 0, 0, false
	}
	return uint64(offset) / uint64(ss), length / ss, true
}

func blockRead(r desc.Resource, ioc any, userAddr uint64, length int, offset int64) desc.Outcome {
	b := r.(*Block)
	ctx, _ := ioc.(*IOContext)
	if ctx == nil {
		return desc.Return(defs.EINVAL.Errno())
	}
	lba, _, ok := sectorAligned(b, offset, length)
	if !ok {
		return desc.Return(defs.EINVAL.Errno())
	}

	buf := make([]byte, length)
	b.mu.Lock()
	err := b.dev.ReadSectors(lba, buf)
	b.mu.Unlock()
	if err != nil {
		return desc.Return(defs.EIO.Errno())
	}
	if werr := ctx.AS.CopyToUser(arch.VirtAddr(userAddr), buf); werr != 0 {
		return desc.Return(werr.Errno())
	}
	return desc.Return(int64(length))
}

func blockWrite(r desc.Resource, ioc any, userAddr uint64, length int, offset int64) desc.Outcome {
	b := r.(*Block)
	ctx, _ := ioc.(*IOContext)
	if ctx == nil {
		return desc.Return(defs.EINVAL.Errno())
	}
	lba, _, ok := sectorAligned(b, offset, length)
	if !ok {
		return desc.Return(defs.EINVAL.Errno())
	}

	buf := make([]byte, length)
	if err := ctx.AS.CopyFromUser(buf, arch.VirtAddr(userAddr)); err != 0 {
		return desc.Return(err.Errno())
	}
	b.mu.Lock()
	werr := b.dev.WriteSectors(lba, buf)
	b.mu.Unlock()
	if werr != nil {
		return desc.Return(defs.EIO.Errno())
	}
	return desc.Return(int64(length))
}

func blockGetProperty(r desc.Resource, id defs.PropertyID, out []byte) defs.Err_t {
	if id != defs.BlockGeometry {
		return -defs.EINVAL
	}
	b := r.(*Block)
	if len(out) < 12 {
		return -defs.EINVAL
	}
	util.Writen(out, 4, 0, b.dev.SectorSize())
	util.Writen(out, 8, 4, int(b.dev.SectorCount()))
	return 0
}
