// Package desc is the descriptor subsystem: a type registry,
// per-process handle tables, and generation-tagged handles that make
// use-after-close reliably detectable.
//
// Instead of an opaque object pointer plus a close callback per
// entry, each concrete resource kind implements the Resource
// interface directly and Close is its destructor.
package desc

import (
	"sync"

	"github.com/i3vie/neutrino/defs"
)

// Handle is the externally visible, 32-bit opaque value a process uses
// to name a descriptor: (index << 16) | generation. Zero is reserved
// as invalid.
type Handle uint32

const InvalidHandle Handle = 0

func MakeHandle(index int, generation uint16) Handle {
	return Handle(uint32(index)<<16 | uint32(generation))
}

func (h Handle) Index() int        { return int(uint32(h) >> 16) }
func (h Handle) Generation() uint16 { return uint16(uint32(h) & 0xffff) }

// Outcome is a descriptor operation's result: either a value destined
// for the caller's rax, or a suspension. No sentinel integer: the
// dispatcher routes Suspended straight into the scheduler without
// inspecting Returned at all.
type Outcome struct {
	Returned  int64
	Suspended bool
}

func Return(v int64) Outcome { return Outcome{Returned: v} }

var Suspend = Outcome{Suspended: true}

// Resource is implemented by each concrete resource kind a descriptor
// can refer to (pipe endpoint, shared-memory mapping, framebuffer
// slot, block device record, VTY handle, …); Close is its destructor.
type Resource interface {
	// TypeID reports the registered type this resource belongs to, used
	// only for diagnostics; dispatch itself goes through Ops, not this.
	TypeID() defs.TypeID

	// Close releases whatever the resource holds. It is invoked exactly
	// once, whether the entry closes normally or setup failed partway
	// through open.
	Close()
}

// Ops is a type's operation vtable. Offset
// semantics are entirely per type: pipes ignore it, block devices
// require sector alignment, framebuffers address pixel memory.
//
// Read and Write additionally receive the table's io context: whatever
// a type needs to cross the user boundary and, for a type whose
// operations can block (pipes), to suspend the calling process. desc
// treats it as opaque, passing it through unexamined, so that desc
// itself never has to import proc or vm and risk a cycle; devices.go's
// concrete IOContext type is what Read/Write implementations in the
// devices package actually assert it to.
type Ops struct {
	Read        func(r Resource, io any, userAddr uint64, length int, offset int64) Outcome
	Write       func(r Resource, io any, userAddr uint64, length int, offset int64) Outcome
	GetProperty func(r Resource, id defs.PropertyID, out []byte) defs.Err_t
	SetProperty func(r Resource, id defs.PropertyID, in []byte) defs.Err_t
}

// OpenFunc constructs a fresh Resource for a type given the open-time
// arguments, filling in flags as a side effect of success. It returns
// the resource, the descriptor's capability flags, an optional
// human-readable name, and an error. On failure the type either
// releases what it allocated itself and returns a nil Resource, or
// returns the partly built Resource alongside the error, in which case
// Open invokes its Close exactly once.
type OpenFunc func(opener *Owner, a0, a1, a2 uint64) (Resource, defs.Flags, string, defs.Err_t)

// typeEntry is what the registry stores per type id.
type typeEntry struct {
	open OpenFunc
	ops  *Ops
}

// Registry is the small fixed type → (open_fn, ops) table.
// Registration happens once at boot; the registry is read-only
// afterward.
type Registry struct {
	mu    sync.Mutex
	types map[defs.TypeID]typeEntry
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[defs.TypeID]typeEntry)}
}

// Register installs a type's open function and ops vtable. Registering
// the same type id twice, or registering after Freeze, fails.
func (r *Registry) Register(id defs.TypeID, open OpenFunc, ops *Ops) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return false
	}
	if _, exists := r.types[id]; exists {
		return false
	}
	r.types[id] = typeEntry{open: open, ops: ops}
	return true
}

// Freeze marks the registry read-only; called once boot has registered
// every device type.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

func (r *Registry) lookup(id defs.TypeID) (typeEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.types[id]
	return e, ok
}

// Entry is one slot of a per-process descriptor table.
// in_use is represented by ops being non-nil, matching the invariant
// "if in_use then ops != null and generation != 0" directly rather than
// carrying a redundant boolean.
type Entry struct {
	generation uint16
	typeID     defs.TypeID
	flags      defs.Flags
	name       string
	ops        *Ops
	resource   Resource

	// refcount is shared between every entry Duplicate produced from
	// the same open; the resource's Close runs when it reaches zero.
	refcount *int
}

func (e *Entry) inUse() bool { return e.ops != nil }

// Owner is the minimal view of a descriptor table's owning process a
// type's OpenFunc needs: just enough to route to the right VM layer
// and identity for resources that are per-process aware (shared-memory
// mappings, pipes). cmd/kernel and proc construct this from a
// proc.Slot; desc itself never looks inside it.
type Owner struct {
	ProcessID uint64
	VM        any // *vm.AddressSpace, typed any here to avoid an import cycle

	// Kernel marks an open issued against the kernel's own parallel
	// table rather than on behalf of a user process; types
	// that reserve resources for kernel-only use check it.
	Kernel bool
}

// Table is a fixed-size per-process descriptor table. The kernel's
// own descriptor table, for resources it opens on its own behalf, is
// just another Table value.
type Table struct {
	mu       sync.Mutex
	registry *Registry
	entries  []Entry

	// io is forwarded unexamined to every Ops.Read/Ops.Write call (see
	// Ops's comment). It is set once, after construction, by whatever
	// owns the table (proc.Table, for per-process tables) since at
	// NewTable time the owning process's own context does not exist yet.
	io any
}

func NewTable(registry *Registry, size int) *Table {
	t := &Table{registry: registry, entries: make([]Entry, size)}
	for i := range t.entries {
		t.entries[i].generation = 1
	}
	return t
}

// SetIOContext installs the value Read/Write forward to ops as io. It
// is called once, right after NewTable, by the table's owner.
func (t *Table) SetIOContext(io any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.io = io
}

// Open looks up the type, constructs a default allocation carrying the
// registered ops pointer, and calls the type's open_fn, which fills
// flags/resource/name; on success Open finds a free slot, installs the
// allocation, bumps refcount to 1, and returns a fresh handle. On
// failure, if the open_fn did return a Resource before failing, its
// Close is invoked exactly once so the type's resources are released
// even though no handle is ever produced.
func (t *Table) Open(owner *Owner, typeID defs.TypeID, a0, a1, a2 uint64) (Handle, defs.Err_t) {
	entry, ok := t.registry.lookup(typeID)
	if !ok {
		return InvalidHandle, -defs.EINVAL
	}

	resource, flags, name, err := entry.open(owner, a0, a1, a2)
	if err != 0 {
		if resource != nil {
			resource.Close()
		}
		return InvalidHandle, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	slot := -1
	for i := range t.entries {
		if !t.entries[i].inUse() {
			slot = i
			break
		}
	}
	if slot < 0 {
		resource.Close()
		return InvalidHandle, -defs.ENOMEM
	}

	e := &t.entries[slot]
	e.typeID = typeID
	e.flags = flags
	e.name = name
	e.ops = entry.ops
	e.resource = resource
	rc := 1
	e.refcount = &rc

	return MakeHandle(slot, e.generation), 0
}

// lookup validates a handle against the table's generation
// bookkeeping and returns the entry if it matches.
func (t *Table) lookup(h Handle) (*Entry, defs.Err_t) {
	idx := h.Index()
	if idx < 0 || idx >= len(t.entries) {
		return nil, -defs.EBADF
	}
	e := &t.entries[idx]
	if !e.inUse() || e.generation != h.Generation() || h.Generation() == 0 {
		return nil, -defs.EBADF
	}
	return e, 0
}

// checkFlag validates the requested flag against the capability set
// registered at open time.
func checkFlag(e *Entry, want defs.Flags) defs.Err_t {
	if !e.flags.Has(want) {
		return -defs.EPERM
	}
	return 0
}

// Query returns the raw flags for a handle (syscall DescriptorQuery).
func (t *Table) Query(h Handle) (defs.Flags, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.lookup(h)
	if err != 0 {
		return 0, err
	}
	return e.flags, 0
}

// Read validates the handle, checks Readable, and dispatches to the
// ops function.
func (t *Table) Read(h Handle, userAddr uint64, length int, offset int64) (Outcome, defs.Err_t) {
	if length < 0 {
		return Outcome{}, -defs.EINVAL
	}
	t.mu.Lock()
	e, err := t.lookup(h)
	if err != 0 {
		t.mu.Unlock()
		return Outcome{}, err
	}
	if err := checkFlag(e, defs.Readable); err != 0 {
		t.mu.Unlock()
		return Outcome{}, err
	}
	ops, r, io := e.ops, e.resource, t.io
	t.mu.Unlock()

	if ops.Read == nil {
		return Outcome{}, -defs.EINVAL
	}
	return ops.Read(r, io, userAddr, length, offset), 0
}

// Write is Read's mirror.
func (t *Table) Write(h Handle, userAddr uint64, length int, offset int64) (Outcome, defs.Err_t) {
	if length < 0 {
		return Outcome{}, -defs.EINVAL
	}
	t.mu.Lock()
	e, err := t.lookup(h)
	if err != 0 {
		t.mu.Unlock()
		return Outcome{}, err
	}
	if err := checkFlag(e, defs.Writable); err != 0 {
		t.mu.Unlock()
		return Outcome{}, err
	}
	ops, r, io := e.ops, e.resource, t.io
	t.mu.Unlock()

	if ops.Write == nil {
		return Outcome{}, -defs.EINVAL
	}
	return ops.Write(r, io, userAddr, length, offset), 0
}

// GetProperty and SetProperty dispatch typed property blobs.
func (t *Table) GetProperty(h Handle, id defs.PropertyID, out []byte) defs.Err_t {
	t.mu.Lock()
	e, err := t.lookup(h)
	if err != 0 {
		t.mu.Unlock()
		return err
	}
	ops, r, name := e.ops, e.resource, e.name
	t.mu.Unlock()

	// CommonName is served by the table itself: every type records its
	// name at open time, so no vtable round trip is needed.
	if id == defs.CommonName {
		if len(out) < len(name)+1 {
			return -defs.EINVAL
		}
		copy(out, name)
		out[len(name)] = 0
		return 0
	}

	if ops.GetProperty == nil {
		return -defs.EINVAL
	}
	return ops.GetProperty(r, id, out)
}

func (t *Table) SetProperty(h Handle, id defs.PropertyID, in []byte) defs.Err_t {
	t.mu.Lock()
	e, err := t.lookup(h)
	if err != 0 {
		t.mu.Unlock()
		return err
	}
	ops, r := e.ops, e.resource
	t.mu.Unlock()

	if ops.SetProperty == nil {
		return -defs.EINVAL
	}
	return ops.SetProperty(r, id, in)
}

// Close calls the resource's destructor and resets the entry, bumping
// the generation and skipping 0, the way a fresh table's generations
// already start at 1.
func (t *Table) Close(h Handle) defs.Err_t {
	t.mu.Lock()
	e, err := t.lookup(h)
	if err != 0 {
		t.mu.Unlock()
		return err
	}
	r := e.resource
	last := false
	if e.refcount != nil {
		*e.refcount--
		last = *e.refcount == 0
	}
	gen := e.generation + 1
	if gen == 0 {
		gen = 1
	}
	*e = Entry{generation: gen}
	t.mu.Unlock()

	if last && r != nil {
		r.Close()
	}
	return 0
}

// Duplicate bumps a resource's refcount and returns a second handle
// pointing at the same resource in a free slot of the same table; the
// resource is destroyed only when the last such handle closes. Used
// where a second descriptor over an already-open resource is wanted
// without re-running open_fn.
func (t *Table) Duplicate(h Handle) (Handle, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	src, err := t.lookup(h)
	if err != 0 {
		return InvalidHandle, err
	}

	slot := -1
	for i := range t.entries {
		if !t.entries[i].inUse() {
			slot = i
			break
		}
	}
	if slot < 0 {
		return InvalidHandle, -defs.ENOMEM
	}

	*src.refcount++
	dst := &t.entries[slot]
	dst.typeID = src.typeID
	dst.flags = src.flags
	dst.name = src.name
	dst.ops = src.ops
	dst.resource = src.resource
	dst.refcount = src.refcount

	return MakeHandle(slot, dst.generation), 0
}

// CloseAll closes every in-use entry, called from a process's exit
// path.
func (t *Table) CloseAll() {
	t.mu.Lock()
	handles := make([]Handle, 0, len(t.entries))
	for i := range t.entries {
		if t.entries[i].inUse() {
			handles = append(handles, MakeHandle(i, t.entries[i].generation))
		}
	}
	t.mu.Unlock()

	for _, h := range handles {
		t.Close(h)
	}
}
