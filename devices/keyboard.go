package devices

import (
	"sync"

	"github.com/i3vie/neutrino/arch"
	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/desc"
)

// KeyEvent is one scancode-level event injected by the external
// collaborator that actually talks to the keyboard hardware.
type KeyEvent struct {
	Code    uint16
	Pressed bool
}

// Keyboard is a thin Resource wrapper over an injected key-event
// queue: it exists only so the descriptor-subsystem invariants
// (flags, generation, handle lifecycle) apply to keyboard input the
// same uniform way they apply to every other resource.
type Keyboard struct {
	mu     sync.Mutex
	events []KeyEvent
}

func NewKeyboard() *Keyboard { return &Keyboard{} }

// Inject appends an event for the next Read to drain, called by
// whatever feeds this core real keyboard input.
func (k *Keyboard) Inject(e KeyEvent) {
	k.mu.Lock()
	k.events = append(k.events, e)
	k.mu.Unlock()
}

func (k *Keyboard) TypeID() defs.TypeID { return defs.KeyboardType }
func (k *Keyboard) Close()              {}

func OpenKeyboard(k *Keyboard) desc.OpenFunc {
	return func(owner *desc.Owner, a0, a1, a2 uint64) (desc.Resource, defs.Flags, string, defs.Err_t) {
		return k, defs.Readable | defs.Device, "keyboard", 0
	}
}

var KeyboardOps = &desc.Ops{
	Read: keyboardRead,
}

// keyboardRead drains queued events, four bytes each (two-byte
// little-endian code, one pressed byte, then one byte of padding),
// never blocking: an empty queue reads 0.
func keyboardRead(r desc.Resource, ioc any, userAddr uint64, length int, _ int64) desc.Outcome {
	k := r.(*Keyboard)
	ctx, _ := ioc.(*IOContext)
	if ctx == nil {
		return desc.Return(defs.EINVAL.Errno())
	}

	const eventSize = 4
	max := length / eventSize

	k.mu.Lock()
	n := len(k.events)
	if n > max {
		n = max
	}
	take := k.events[:n]
	k.events = k.events[n:]
	k.mu.Unlock()

	if n == 0 {
		return desc.Return(0)
	}

	buf := make([]byte, n*eventSize)
	for i, e := range take {
		buf[i*eventSize] = byte(e.Code)
		buf[i*eventSize+1] = byte(e.Code >> 8)
		if e.Pressed {
			buf[i*eventSize+2] = 1
		}
	}
	if err := ctx.AS.CopyToUser(arch.VirtAddr(userAddr), buf); err != 0 {
		return desc.Return(err.Errno())
	}
	return desc.Return(int64(len(buf)))
}
