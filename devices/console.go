package devices

import (
	"io"
	"sync"

	"github.com/i3vie/neutrino/arch"
	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/desc"
)

// Console is the Resource backing the Console descriptor type. It
// reads from and writes to an injected io.Reader/io.Writer pair; the
// glyph-rendering console driver itself lives outside the core, so
// this never assumes a concrete one.
type Console struct {
	mu sync.Mutex
	r  io.Reader
	w  io.Writer
}

func NewConsole(r io.Reader, w io.Writer) *Console {
	return &Console{r: r, w: w}
}

func (c *Console) TypeID() defs.TypeID { return defs.ConsoleType }
func (c *Console) Close()              {}

// OpenConsole implements desc.OpenFunc for type=Console: there is
// exactly one console, so every open returns a handle to the same
// Resource rather than allocating a fresh one.
func OpenConsole(c *Console) desc.OpenFunc {
	return func(owner *desc.Owner, a0, a1, a2 uint64) (desc.Resource, defs.Flags, string, defs.Err_t) {
		return c, defs.Readable | defs.Writable | defs.Device, "console", 0
	}
}

var ConsoleOps = &desc.Ops{
	Read:  consoleRead,
	Write: consoleWrite,
}

func consoleWrite(r desc.Resource, ioc any, userAddr uint64, length int, _ int64) desc.Outcome {
	c := r.(*Console)
	ctx, _ := ioc.(*IOContext)
	if ctx == nil {
		return desc.Return(defs.EINVAL.Errno())
	}
	buf := make([]byte, length)
	if err := ctx.AS.CopyFromUser(buf, arch.VirtAddr(userAddr)); err != 0 {
		return desc.Return(err.Errno())
	}
	c.mu.Lock()
	n, werr := c.w.Write(buf)
	c.mu.Unlock()
	if werr != nil {
		return desc.Return(defs.EIO.Errno())
	}
	return desc.Return(int64(n))
}

func consoleRead(r desc.Resource, ioc any, userAddr uint64, length int, _ int64) desc.Outcome {
	c := r.(*Console)
	ctx, _ := ioc.(*IOContext)
	if ctx == nil {
		return desc.Return(defs.EINVAL.Errno())
	}
	buf := make([]byte, length)
	c.mu.Lock()
	n, _ := c.r.Read(buf)
	c.mu.Unlock()
	if n > 0 {
		if err := ctx.AS.CopyToUser(arch.VirtAddr(userAddr), buf[:n]); err != 0 {
			return desc.Return(err.Errno())
		}
	}
	return desc.Return(int64(n))
}
