package defs

// TypeID names a registered descriptor type. The numbering is stable
// ABI; user binaries may depend on these exact values.
type TypeID uint16

const (
	ConsoleType     TypeID = 0x001
	SerialType      TypeID = 0x002
	KeyboardType    TypeID = 0x003
	MouseType       TypeID = 0x004
	FramebufferType TypeID = 0x010
	BlockDeviceType TypeID = 0x020
	PipeType        TypeID = 0x030
	SharedMemType   TypeID = 0x040
	VtyType         TypeID = 0x050
)

// Flags is the per-descriptor capability bitset. A type's open_fn sets
// these once at open time; they are never mutated afterward.
type Flags uint64

const (
	Readable Flags = 1 << 0
	Writable Flags = 1 << 1
	Seekable Flags = 1 << 2
	Mappable Flags = 1 << 3
	Async    Flags = 1 << 4
	Device   Flags = 1 << 5
	Block    Flags = 1 << 6
)

// Has reports whether all bits in want are set in f.
func (f Flags) Has(want Flags) bool {
	return f&want == want
}

// PropertyID names a typed property blob a descriptor type may expose
// via GetProperty/SetProperty. The numbering is stable ABI.
type PropertyID uint32

const (
	CommonName PropertyID = iota + 1
	FramebufferInfo
	FramebufferPresent
	BlockGeometry
	SharedMemoryInfo
	PipeInfo
	VtyInfo
	VtyCells
	VtyInjectInput
)

// WaitKind names the class of resource a Blocked process slot is
// waiting on.
type WaitKind int

const (
	WaitNone WaitKind = iota
	WaitPipeRead
	WaitPipeWrite
)

// WaitKey names what a Blocked slot is waiting on without a direct
// pointer: an (id, generation) pair the wake path re-resolves under
// the resource's own lock. It lives in defs, rather than proc or
// devices, so both the scheduler and the device implementing the wait
// can refer to it without an import cycle.
type WaitKey struct {
	Kind       WaitKind
	ID         uint32
	Generation uint16
}

// MemoryKind classifies one entry of the boot memory map.
type MemoryKind int

const (
	Usable MemoryKind = iota
	Reclaimable
	Reserved
	KernelAndModules
	BadMemory
)
