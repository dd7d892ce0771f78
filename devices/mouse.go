package devices

import (
	"sync"

	"github.com/i3vie/neutrino/arch"
	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/desc"
)

// MouseEvent is one relative-motion-plus-buttons sample injected by
// whatever driver actually talks to the mouse hardware.
type MouseEvent struct {
	DX, DY  int16
	Buttons uint8
}

// Mouse is Keyboard's mirror: a thin Resource wrapper over an injected
// event queue.
type Mouse struct {
	mu     sync.Mutex
	events []MouseEvent
}

func NewMouse() *Mouse { return &Mouse{} }

func (m *Mouse) Inject(e MouseEvent) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

func (m *Mouse) TypeID() defs.TypeID { return defs.MouseType }
func (m *Mouse) Close()              {}

func OpenMouse(m *Mouse) desc.OpenFunc {
	return func(owner *desc.Owner, a0, a1, a2 uint64) (desc.Resource, defs.Flags, string, defs.Err_t) {
		return m, defs.Readable | defs.Device, "mouse", 0
	}
}

var MouseOps = &desc.Ops{
	Read: mouseRead,
}

// mouseRead drains queued events, five bytes each (dx, dy, buttons),
// never blocking.
func mouseRead(r desc.Resource, ioc any, userAddr uint64, length int, _ int64) desc.Outcome {
	m := r.(*Mouse)
	ctx, _ := ioc.(*IOContext)
	if ctx == nil {
		return desc.Return(defs.EINVAL.Errno())
	}

	const eventSize = 5
	max := length / eventSize

	m.mu.Lock()
	n := len(m.events)
	if n > max {
		n = max
	}
	take := m.events[:n]
	m.events = m.events[n:]
	m.mu.Unlock()

	if n == 0 {
		return desc.Return(0)
	}

	buf := make([]byte, n*eventSize)
	for i, e := range take {
		buf[i*eventSize] = byte(e.DX)
		buf[i*eventSize+1] = byte(e.DX >> 8)
		buf[i*eventSize+2] = byte(e.DY)
		buf[i*eventSize+3] = byte(e.DY >> 8)
		buf[i*eventSize+4] = e.Buttons
	}
	if err := ctx.AS.CopyToUser(arch.VirtAddr(userAddr), buf); err != 0 {
		return desc.Return(err.Errno())
	}
	return desc.Return(int64(len(buf)))
}
