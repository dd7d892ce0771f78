package devices

import (
	"io"
	"sync"

	"github.com/i3vie/neutrino/arch"
	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/desc"
)

// Serial is the Resource backing the Serial descriptor type, the same
// injected-io.Reader/io.Writer shape as Console; the core never
// assumes a concrete UART driver.
type Serial struct {
	mu sync.Mutex
	r  io.Reader
	w  io.Writer
}

func NewSerial(r io.Reader, w io.Writer) *Serial {
	return &Serial{r: r, w: w}
}

func (s *Serial) TypeID() defs.TypeID { return defs.SerialType }
func (s *Serial) Close()              {}

// OpenSerial implements desc.OpenFunc for type=Serial: one serial
// line, every open returns a handle to it.
func OpenSerial(s *Serial) desc.OpenFunc {
	return func(owner *desc.Owner, a0, a1, a2 uint64) (desc.Resource, defs.Flags, string, defs.Err_t) {
		return s, defs.Readable | defs.Writable | defs.Device, "serial", 0
	}
}

var SerialOps = &desc.Ops{
	Read:  serialRead,
	Write: serialWrite,
}

func serialWrite(r desc.Resource, ioc any, userAddr uint64, length int, _ int64) desc.Outcome {
	s := r.(*Serial)
	ctx, _ := ioc.(*IOContext)
	if ctx == nil {
		return desc.Return(defs.EINVAL.Errno())
	}
	buf := make([]byte, length)
	if err := ctx.AS.CopyFromUser(buf, arch.VirtAddr(userAddr)); err != 0 {
		return desc.Return(err.Errno())
	}
	s.mu.Lock()
	n, werr := s.w.Write(buf)
	s.mu.Unlock()
	if werr != nil {
		return desc.Return(defs.EIO.Errno())
	}
	return desc.Return(int64(n))
}

func serialRead(r desc.Resource, ioc any, userAddr uint64, length int, _ int64) desc.Outcome {
	s := r.(*Serial)
	ctx, _ := ioc.(*IOContext)
	if ctx == nil {
		return desc.Return(defs.EINVAL.Errno())
	}
	buf := make([]byte, length)
	s.mu.Lock()
	n, _ := s.r.Read(buf)
	s.mu.Unlock()
	if n > 0 {
		if err := ctx.AS.CopyToUser(arch.VirtAddr(userAddr), buf[:n]); err != 0 {
			return desc.Return(err.Errno())
		}
	}
	return desc.Return(int64(n))
}
