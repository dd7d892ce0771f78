package devices

import (
	"sync"

	"github.com/i3vie/neutrino/arch"
	"github.com/i3vie/neutrino/circbuf"
	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/desc"
	"github.com/i3vie/neutrino/limits"
	"github.com/i3vie/neutrino/util"
	"github.com/i3vie/neutrino/vm"
)

// Pipe is the shared object two or more endpoints reference: a byte
// ring plus reader/writer bookkeeping and two waiter queues. The
// cyclic pipe<->endpoint<->waiter reference graph is broken by
// interning pipes in PipeTable by dense index and having Endpoint hold
// an (id, generation) pair instead of a *Pipe; a Waiter holds only its
// owning Endpoint.
type Pipe struct {
	mu sync.Mutex

	id         uint32
	generation uint16
	live       bool

	ring circbufRing

	readerCount int
	writerCount int
	refcount    int

	readers []*Waiter
	writers []*Waiter
}

// circbufRing is the narrow ring-buffer interface Pipe needs;
// *circbuf.Circbuf satisfies it directly. Kept as an interface only so
// a pipe test can substitute a tiny fake without pulling in circbuf's
// wraparound arithmetic.
type circbufRing interface {
	Full() bool
	Empty() bool
	Left() int
	Used() int
	Write([]byte) int
	Read([]byte) int
}

// Waiter ties a blocked process to the pipe it is waiting on. Waiter
// records live in a small static pool (PipeTable's waiters slice)
// rather than being heap-allocated per block.
type Waiter struct {
	inUse    bool
	owner    *Endpoint
	procIdx  int
	ctx      *IOContext
	userAddr uint64
	length   int
	as       *vm.AddressSpace
}

// completion records a waiter whose wait has been decided while the
// pipe lock was held, so its process can be woken after the lock is
// released: waiter completion touches the scheduler's own lock, which
// must never nest inside a pipe's.
type completion struct {
	w      *Waiter
	result int64
}

// PipeTable is the dense, id-indexed table of live pipes, plus the
// fixed waiter pool every pipe draws from.
type PipeTable struct {
	mu sync.Mutex

	pipes []Pipe

	// waiterMu guards the waiter pool alone; it nests inside a pipe's
	// lock, never the other way around.
	waiterMu sync.Mutex
	waiters  []Waiter
}

func NewPipeTable() *PipeTable {
	t := &PipeTable{
		pipes:   make([]Pipe, limits.MaxPipes),
		waiters: make([]Waiter, limits.MaxWaiters),
	}
	for i := range t.pipes {
		t.pipes[i].id = uint32(i) + 1
		t.pipes[i].generation = 1
	}
	return t
}

// Endpoint is the per-open record a descriptor's resource slot holds;
// the shared Pipe is reached through the table by id. It is the
// desc.Resource implementation for pipes.
type Endpoint struct {
	table      *PipeTable
	pipeID     uint32
	generation uint16
	canRead    bool
	canWrite   bool
	async      bool
}

func (e *Endpoint) TypeID() defs.TypeID { return defs.PipeType }

// Close decrements the refcount and the matching reader/writer count;
// if no writer remains, the read-waiter queue drains with EOF; if no
// reader remains, the write-waiter queue drains with broken-pipe.
// This endpoint's own pending waiters are dropped first, so a waiter
// this same endpoint enqueued is never also handed an EOF or
// broken-pipe completion by its own close.
func (e *Endpoint) Close() {
	p := &e.table.pipes[e.pipeID-1]

	p.mu.Lock()
	if p.generation != e.generation || !p.live {
		p.mu.Unlock()
		return
	}

	p.readers = dropOwned(p.readers, e)
	p.writers = dropOwned(p.writers, e)

	if e.canRead {
		p.readerCount--
	}
	if e.canWrite {
		p.writerCount--
	}
	p.refcount--

	var done []completion
	if p.writerCount == 0 {
		for _, w := range p.readers {
			done = append(done, completion{w, 0})
		}
		p.readers = nil
	}
	if p.readerCount == 0 {
		for _, w := range p.writers {
			done = append(done, completion{w, -1})
		}
		p.writers = nil
	}
	dead := p.refcount == 0
	if dead {
		p.live = false
		p.ring = nil
		p.generation++
		if p.generation == 0 {
			p.generation = 1
		}
	}
	p.mu.Unlock()

	complete(done)
	if dead {
		limits.Syslimit.Pipes.Give()
	}
}

// dropOwned removes every waiter this endpoint itself enqueued from
// waiters, freeing their pool slots without completing them (they are
// going away with the process that owned them).
func dropOwned(waiters []*Waiter, e *Endpoint) []*Waiter {
	out := waiters[:0]
	for _, w := range waiters {
		if w.owner == e {
			w.inUse = false
			continue
		}
		out = append(out, w)
	}
	return out
}

// OpenPipe implements desc.OpenFunc for type=Pipe: a pipe
// is created by the first open with existingID==0; subsequent opens
// with the same existingID attach to the existing pipe. The flags
// argument selects read/write capability and the Async bit; at least
// one of Readable/Writable must be set.
func (t *PipeTable) OpenPipe() desc.OpenFunc {
	return func(owner *desc.Owner, flags, existingID, _ uint64) (desc.Resource, defs.Flags, string, defs.Err_t) {
		canRead := flags&uint64(defs.Readable) != 0
		canWrite := flags&uint64(defs.Writable) != 0
		async := flags&uint64(defs.Async) != 0
		if !canRead && !canWrite {
			return nil, 0, "", -defs.EINVAL
		}

		t.mu.Lock()
		var p *Pipe
		if existingID == 0 {
			for i := range t.pipes {
				if !t.pipes[i].live {
					p = &t.pipes[i]
					break
				}
			}
			if p == nil {
				t.mu.Unlock()
				return nil, 0, "", -defs.ENOSPC
			}
			if !limits.Syslimit.Pipes.Take() {
				t.mu.Unlock()
				return nil, 0, "", -defs.ENOMEM
			}
			p.mu.Lock()
			p.live = true
			p.ring = circbuf.New(make([]byte, limits.PipeCapacity))
			p.readerCount = 0
			p.writerCount = 0
			p.refcount = 0
			p.readers = nil
			p.writers = nil
		} else {
			if existingID > uint64(len(t.pipes)) {
				t.mu.Unlock()
				return nil, 0, "", -defs.ENOENT
			}
			p = &t.pipes[existingID-1]
			p.mu.Lock()
			if !p.live {
				p.mu.Unlock()
				t.mu.Unlock()
				return nil, 0, "", -defs.ENOENT
			}
		}
		t.mu.Unlock()

		if canRead {
			p.readerCount++
		}
		if canWrite {
			p.writerCount++
		}
		p.refcount++
		ep := &Endpoint{
			table:      t,
			pipeID:     p.id,
			generation: p.generation,
			canRead:    canRead,
			canWrite:   canWrite,
			async:      async,
		}
		p.mu.Unlock()

		var df defs.Flags
		if canRead {
			df |= defs.Readable
		}
		if canWrite {
			df |= defs.Writable
		}
		if async {
			df |= defs.Async
		}
		return ep, df, "pipe", 0
	}
}

// PipeOps is the ops vtable registered for the Pipe type.
var PipeOps = &desc.Ops{
	Read:        pipeRead,
	Write:       pipeWrite,
	GetProperty: pipeGetProperty,
}

func pipeGetProperty(r desc.Resource, id defs.PropertyID, out []byte) defs.Err_t {
	if id != defs.PipeInfo {
		return -defs.EINVAL
	}
	ep := r.(*Endpoint)
	if len(out) < 4 {
		return -defs.EINVAL
	}
	util.Writen(out, 4, 0, int(ep.pipeID))
	return 0
}

// pipeRead drains what is available immediately and wakes blocked
// writers the drain made room for, or else enqueues a waiter and
// suspends the caller (returning 0 instead when the endpoint was
// opened Async).
func pipeRead(r desc.Resource, io any, userAddr uint64, length int, _ int64) desc.Outcome {
	ep := r.(*Endpoint)
	ctx, _ := io.(*IOContext)
	if ctx == nil {
		return desc.Return(defs.EINVAL.Errno())
	}
	p := &ep.table.pipes[ep.pipeID-1]

	p.mu.Lock()
	if p.generation != ep.generation || !p.live {
		p.mu.Unlock()
		return desc.Return(defs.EBADF.Errno())
	}

	buf := make([]byte, length)
	n := p.ring.Read(buf)
	if n > 0 {
		done := drainWritersLocked(p)
		p.mu.Unlock()

		if err := ctx.AS.CopyToUser(arch.VirtAddr(userAddr), buf[:n]); err != 0 {
			complete(done)
			return desc.Return(err.Errno())
		}
		complete(done)
		return desc.Return(int64(n))
	}

	if ep.async {
		p.mu.Unlock()
		return desc.Return(0)
	}
	if p.writerCount == 0 {
		p.mu.Unlock()
		return desc.Return(0)
	}

	w := ep.table.allocWaiter(ctx, ep, userAddr, length)
	if w == nil {
		p.mu.Unlock()
		return desc.Return(defs.ENOMEM.Errno())
	}
	p.readers = append(p.readers, w)
	p.mu.Unlock()

	ctx.ProcTable.Block(ctx.ProcIdx, defs.WaitKey{Kind: defs.WaitPipeRead, ID: ep.pipeID, Generation: ep.generation})
	return desc.Suspend
}

// pipeWrite is pipeRead's mirror. The user buffer is copied before
// the pipe lock is taken, so no user-memory walk happens under it.
func pipeWrite(r desc.Resource, io any, userAddr uint64, length int, _ int64) desc.Outcome {
	ep := r.(*Endpoint)
	ctx, _ := io.(*IOContext)
	if ctx == nil {
		return desc.Return(defs.EINVAL.Errno())
	}

	buf := make([]byte, length)
	if err := ctx.AS.CopyFromUser(buf, arch.VirtAddr(userAddr)); err != 0 {
		return desc.Return(err.Errno())
	}

	p := &ep.table.pipes[ep.pipeID-1]
	p.mu.Lock()
	if p.generation != ep.generation || !p.live {
		p.mu.Unlock()
		return desc.Return(defs.EBADF.Errno())
	}
	if p.readerCount == 0 {
		p.mu.Unlock()
		return desc.Return(-1)
	}

	n := p.ring.Write(buf)
	if n > 0 {
		done := drainReadersLocked(p)
		p.mu.Unlock()
		complete(done)
		return desc.Return(int64(n))
	}

	if ep.async {
		p.mu.Unlock()
		return desc.Return(0)
	}

	w := ep.table.allocWaiter(ctx, ep, userAddr, length)
	if w == nil {
		p.mu.Unlock()
		return desc.Return(defs.ENOMEM.Errno())
	}
	p.writers = append(p.writers, w)
	p.mu.Unlock()

	ctx.ProcTable.Block(ctx.ProcIdx, defs.WaitKey{Kind: defs.WaitPipeWrite, ID: ep.pipeID, Generation: ep.generation})
	return desc.Suspend
}

// drainReadersLocked satisfies blocked readers in FIFO order while
// bytes remain in the ring, leaving any still-unsatisfiable waiters
// queued. The pipe lock must be held; the returned
// completions are delivered by the caller after releasing it.
func drainReadersLocked(p *Pipe) []completion {
	var done []completion
	for len(p.readers) > 0 && !p.ring.Empty() {
		w := p.readers[0]
		p.readers = p.readers[1:]
		if !w.inUse {
			continue
		}
		buf := make([]byte, w.length)
		n := p.ring.Read(buf)
		if n > 0 {
			w.as.CopyToUser(arch.VirtAddr(w.userAddr), buf[:n])
		}
		done = append(done, completion{w, int64(n)})
	}
	return done
}

// drainWritersLocked is drainReadersLocked's mirror: it moves blocked
// writers' bytes into the ring while room remains.
func drainWritersLocked(p *Pipe) []completion {
	var done []completion
	for len(p.writers) > 0 && !p.ring.Full() {
		w := p.writers[0]
		p.writers = p.writers[1:]
		if !w.inUse {
			continue
		}
		buf := make([]byte, w.length)
		w.as.CopyFromUser(buf, arch.VirtAddr(w.userAddr))
		n := p.ring.Write(buf)
		done = append(done, completion{w, int64(n)})
	}
	return done
}

// complete delivers decided waits: each waiter's process gets the
// result written into its saved frame's rax and is pushed back onto
// the ready queue.
func complete(done []completion) {
	for _, c := range done {
		w := c.w
		if w == nil || !w.inUse {
			continue
		}
		s := w.ctx.ProcTable.Slot(w.procIdx)
		s.Context.RAX = uint64(c.result)
		w.ctx.ProcTable.Enqueue(w.procIdx)
		w.inUse = false
	}
}

func (t *PipeTable) allocWaiter(ctx *IOContext, ep *Endpoint, userAddr uint64, length int) *Waiter {
	t.waiterMu.Lock()
	defer t.waiterMu.Unlock()
	for i := range t.waiters {
		if !t.waiters[i].inUse {
			t.waiters[i] = Waiter{
				inUse:    true,
				owner:    ep,
				procIdx:  ctx.ProcIdx,
				ctx:      ctx,
				userAddr: userAddr,
				length:   length,
				as:       ctx.AS,
			}
			return &t.waiters[i]
		}
	}
	return nil
}
