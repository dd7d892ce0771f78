package devices

import (
	"github.com/i3vie/neutrino/arch"
	"github.com/i3vie/neutrino/bootinfo"
	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/desc"
	"github.com/i3vie/neutrino/util"
)

// Framebuffer is the Resource over the boot framebuffer: Read/Write
// address pixel memory directly, offset counted in bytes from the
// start of the buffer.
type Framebuffer struct {
	info bootinfo.Framebuffer
	bus  interface{ Translate(pa uintptr) []byte }
}

func NewFramebuffer(info bootinfo.Framebuffer, bus interface{ Translate(pa uintptr) []byte }) *Framebuffer {
	return &Framebuffer{info: info, bus: bus}
}

func (f *Framebuffer) TypeID() defs.TypeID { return defs.FramebufferType }
func (f *Framebuffer) Close()              {}

func (f *Framebuffer) size() int {
	return int(f.info.Pitch) * int(f.info.Height)
}

func OpenFramebuffer(f *Framebuffer) desc.OpenFunc {
	return func(owner *desc.Owner, a0, a1, a2 uint64) (desc.Resource, defs.Flags, string, defs.Err_t) {
		return f, defs.Readable | defs.Writable | defs.Seekable | defs.Device, "framebuffer", 0
	}
}

var FramebufferOps = &desc.Ops{
	Read:        framebufferRead,
	Write:       framebufferWrite,
	GetProperty: framebufferGetProperty,
}

func framebufferWrite(r desc.Resource, ioc any, userAddr uint64, length int, offset int64) desc.Outcome {
	f := r.(*Framebuffer)
	ctx, _ := ioc.(*IOContext)
	if ctx == nil {
		return desc.Return(defs.EINVAL.Errno())
	}
	pixels := f.bus.Translate(uintptr(f.info.PhysBase))
	if size := f.size(); len(pixels) > size {
		pixels = pixels[:size]
	}
	if offset < 0 || int(offset)+length > len(pixels) {
		return desc.Return(defs.EINVAL.Errno())
	}
	buf := make([]byte, length)
	if err := ctx.AS.CopyFromUser(buf, arch.VirtAddr(userAddr)); err != 0 {
		return desc.Return(err.Errno())
	}
	copy(pixels[offset:], buf)
	return desc.Return(int64(length))
}

func framebufferRead(r desc.Resource, ioc any, userAddr uint64, length int, offset int64) desc.Outcome {
	f := r.(*Framebuffer)
	ctx, _ := ioc.(*IOContext)
	if ctx == nil {
		return desc.Return(defs.EINVAL.Errno())
	}
	pixels := f.bus.Translate(uintptr(f.info.PhysBase))
	if size := f.size(); len(pixels) > size {
		pixels = pixels[:size]
	}
	if offset < 0 || int(offset) > len(pixels) {
		return desc.Return(defs.EINVAL.Errno())
	}
	end := int(offset) + length
	if end > len(pixels) {
		end = len(pixels)
	}
	if err := ctx.AS.CopyToUser(arch.VirtAddr(userAddr), pixels[offset:end]); err != 0 {
		return desc.Return(err.Errno())
	}
	return desc.Return(int64(end - int(offset)))
}

func framebufferGetProperty(r desc.Resource, id defs.PropertyID, out []byte) defs.Err_t {
	f := r.(*Framebuffer)
	switch id {
	case defs.FramebufferInfo:
		if len(out) < 28 {
			return -defs.EINVAL
		}
		util.Writen(out, 4, 0, int(f.info.Width))
		util.Writen(out, 4, 4, int(f.info.Height))
		util.Writen(out, 4, 8, int(f.info.Pitch))
		out[12] = f.info.BPP
		util.Writen(out, 4, 16, int(f.info.RedMask))
		util.Writen(out, 4, 20, int(f.info.GreenMask))
		util.Writen(out, 4, 24, int(f.info.BlueMask))
		return 0
	case defs.FramebufferPresent:
		if len(out) < 1 {
			return -defs.EINVAL
		}
		out[0] = 1
		return 0
	default:
		return -defs.EINVAL
	}
}
