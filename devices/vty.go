package devices

import (
	"sync"

	"github.com/i3vie/neutrino/arch"
	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/desc"
	"github.com/i3vie/neutrino/util"
)

// Cell is one character position of a VTY's text grid.
type Cell struct {
	Char byte
	Fg   uint8
	Bg   uint8
	Flag uint8
}

// vtyInputRingSize bounds the small input ring every VTY keeps for
// bytes injected ahead of being read by whatever process owns the
// terminal.
const vtyInputRingSize = 256

// VTY is a logical text-grid terminal: columns and rows fixed at open
// (OpenVTY rejects zero but sets no upper limit on either), a cursor,
// and a cell array, plus the small byte ring its
// VtyInjectInput property feeds. Its own sync.Mutex serializes grid
// mutation and input enqueue/dequeue the same way Pipe and Segment
// serialize their own state.
type VTY struct {
	mu sync.Mutex

	id uint32
	live bool

	cols, rows int
	cursorCol, cursorRow int
	fg, bg uint8
	cells []Cell

	input      [vtyInputRingSize]byte
	inputHead  int
	inputTail  int
}

func (v *VTY) resetLocked(cols, rows int) {
	v.cols, v.rows = cols, rows
	v.cells = make([]Cell, cols*rows)
	v.cursorCol, v.cursorRow = 0, 0
	v.fg, v.bg = 7, 0
	v.inputHead, v.inputTail = 0, 0
}

func (v *VTY) indexLocked(col, row int) int { return row*v.cols + col }

// putLocked writes one printable byte at the cursor, advancing it and
// wrapping/scrolling as needed, or interprets one of the four control
// bytes the filter lets through.
func (v *VTY) putLocked(b byte) {
	switch b {
	case '\n':
		v.cursorCol = 0
		v.cursorRow++
	case '\r':
		v.cursorCol = 0
	case '\b':
		if v.cursorCol > 0 {
			v.cursorCol--
		}
	case '\t':
		v.cursorCol = (v.cursorCol/8 + 1) * 8
	default:
		if v.cursorCol >= v.cols {
			v.cursorCol = 0
			v.cursorRow++
		}
		if v.cursorRow < v.rows {
			v.cells[v.indexLocked(v.cursorCol, v.cursorRow)] = Cell{Char: b, Fg: v.fg, Bg: v.bg}
		}
		v.cursorCol++
	}
	if v.cursorRow >= v.rows {
		v.scrollLocked()
	}
}

// scrollLocked shifts every row up by one, dropping the top row and
// clearing the new bottom row, and pulls the cursor back onto the
// last row.
func (v *VTY) scrollLocked() {
	copy(v.cells, v.cells[v.cols:])
	for i := len(v.cells) - v.cols; i < len(v.cells); i++ {
		v.cells[i] = Cell{Fg: v.fg, Bg: v.bg}
	}
	v.cursorRow = v.rows - 1
}

// filterPrintable drops every control byte except newline, carriage
// return, backspace, and tab.
func filterPrintable(b byte) bool {
	if b >= 0x20 {
		return true
	}
	switch b {
	case '\n', '\r', '\b', '\t':
		return true
	default:
		return false
	}
}

// VTYTable interns VTYs by a dense id, the same pattern PipeTable uses
// for its live pipes.
type VTYTable struct {
	mu   sync.Mutex
	vtys []VTY
}

func NewVTYTable(max int) *VTYTable {
	t := &VTYTable{vtys: make([]VTY, max)}
	for i := range t.vtys {
		t.vtys[i].id = uint32(i)
	}
	return t
}

// VTYHandle is the desc.Resource implementation for a VTY.
type VTYHandle struct {
	table *VTYTable
	vty   *VTY
}

func (h *VTYHandle) TypeID() defs.TypeID { return defs.VtyType }

// Close returns the VTY to the table's pool; the grid contents are
// discarded with it.
func (h *VTYHandle) Close() {
	h.vty.mu.Lock()
	h.vty.live = false
	h.vty.mu.Unlock()
}

// OpenVTY implements desc.OpenFunc for type=VTY: a0 is columns, a1 is
// rows. A fresh VTY is allocated from the table's fixed pool on every
// open; there is no attach-by-id path the way pipes and shared
// memory have one.
func (t *VTYTable) OpenVTY() desc.OpenFunc {
	return func(owner *desc.Owner, cols, rows, _ uint64) (desc.Resource, defs.Flags, string, defs.Err_t) {
		if cols == 0 || rows == 0 {
			return nil, 0, "", -defs.EINVAL
		}
		t.mu.Lock()
		var v *VTY
		for i := range t.vtys {
			if !t.vtys[i].live {
				v = &t.vtys[i]
				break
			}
		}
		t.mu.Unlock()
		if v == nil {
			return nil, 0, "", -defs.ENOSPC
		}

		v.mu.Lock()
		v.live = true
		v.resetLocked(int(cols), int(rows))
		v.mu.Unlock()

		return &VTYHandle{table: t, vty: v}, defs.Readable | defs.Writable, "vty", 0
	}
}

// VTYOps is the ops vtable registered for the VTY type: Write pushes
// printable bytes into the grid, Read drains the input ring,
// GetProperty/SetProperty expose the three VTY property ids.
var VTYOps = &desc.Ops{
	Read:        vtyRead,
	Write:       vtyWrite,
	GetProperty: vtyGetProperty,
	SetProperty: vtySetProperty,
}

// vtyWrite feeds length bytes of the caller's buffer through the
// printable filter into the grid. It never blocks: a VTY's
// grid has no backpressure the way a pipe's ring does.
func vtyWrite(r desc.Resource, io any, userAddr uint64, length int, _ int64) desc.Outcome {
	h := r.(*VTYHandle)
	ctx, _ := io.(*IOContext)
	if ctx == nil {
		return desc.Return(defs.EINVAL.Errno())
	}

	buf := make([]byte, length)
	if err := ctx.AS.CopyFromUser(buf, arch.VirtAddr(userAddr)); err != 0 {
		return desc.Return(err.Errno())
	}

	v := h.vty
	v.mu.Lock()
	for _, b := range buf {
		if filterPrintable(b) {
			v.putLocked(b)
		}
	}
	v.mu.Unlock()
	return desc.Return(int64(len(buf)))
}

// vtyRead drains up to length bytes already queued in the input ring,
// returning 0 immediately if it is empty; VTY input has no blocking
// protocol of its own in this core.
func vtyRead(r desc.Resource, io any, userAddr uint64, length int, _ int64) desc.Outcome {
	h := r.(*VTYHandle)
	ctx, _ := io.(*IOContext)
	if ctx == nil {
		return desc.Return(defs.EINVAL.Errno())
	}

	v := h.vty
	v.mu.Lock()
	buf := make([]byte, 0, length)
	for len(buf) < length && v.inputHead != v.inputTail {
		buf = append(buf, v.input[v.inputTail%vtyInputRingSize])
		v.inputTail++
	}
	v.mu.Unlock()

	if len(buf) == 0 {
		return desc.Return(0)
	}
	if err := ctx.AS.CopyToUser(arch.VirtAddr(userAddr), buf); err != 0 {
		return desc.Return(err.Errno())
	}
	return desc.Return(int64(len(buf)))
}

func vtyGetProperty(r desc.Resource, id defs.PropertyID, out []byte) defs.Err_t {
	h := r.(*VTYHandle)
	v := h.vty
	v.mu.Lock()
	defer v.mu.Unlock()

	switch id {
	case defs.VtyInfo:
		if len(out) < 8 {
			return -defs.EINVAL
		}
		util.Writen(out, 4, 0, v.cols)
		util.Writen(out, 4, 4, v.rows)
		return 0
	case defs.VtyCells:
		need := len(v.cells) * 4
		if len(out) < need {
			return -defs.EINVAL
		}
		for i, c := range v.cells {
			out[i*4+0] = c.Char
			out[i*4+1] = c.Fg
			out[i*4+2] = c.Bg
			out[i*4+3] = c.Flag
		}
		return 0
	default:
		return -defs.EINVAL
	}
}

// vtySetProperty handles VtyInjectInput: in is appended byte-by-byte
// to the input ring, oldest bytes dropped first if it is full.
func vtySetProperty(r desc.Resource, id defs.PropertyID, in []byte) defs.Err_t {
	if id != defs.VtyInjectInput {
		return -defs.EINVAL
	}
	h := r.(*VTYHandle)
	v := h.vty
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, b := range in {
		if v.inputHead-v.inputTail >= vtyInputRingSize {
			v.inputTail++
		}
		v.input[v.inputHead%vtyInputRingSize] = b
		v.inputHead++
	}
	return 0
}
