// Command ttybridge pumps a host terminal through a VTY descriptor:
// raw bytes typed on stdin are injected with the VtyInjectInput
// property, read back out of the VTY's input ring through an ordinary
// descriptor read, fed through the grid as terminal output, and the
// resulting cell array is redrawn to the host terminal. It exists to
// exercise the VTY type's full property surface against a live
// terminal without any hardware or window server, and exits on Ctrl-C.
package main

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/i3vie/neutrino/arch"
	"github.com/i3vie/neutrino/bootinfo"
	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/desc"
	"github.com/i3vie/neutrino/devices"
	"github.com/i3vie/neutrino/klog"
	"github.com/i3vie/neutrino/mem"
	"github.com/i3vie/neutrino/proc"
	"github.com/i3vie/neutrino/vm"
)

const (
	cols = 80
	rows = 24
)

func main() {
	if err := run(); err != nil {
		klog.Printf("ttybridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// The same fixed init order cmd/kernel uses, sized down to the one
	// process this bridge needs.
	bus, err := arch.NewBus(128 << 20)
	if err != nil {
		return err
	}
	defer bus.Close()

	mmap := []bootinfo.MemoryMapEntry{{Base: 0, Length: uint64(bus.Size()), Kind: defs.Usable}}
	_, userPool := mem.InitPools(bus, mmap, bootinfo.Region{})

	registry := desc.NewRegistry()
	vtys := devices.NewVTYTable(1)
	registry.Register(defs.VtyType, vtys.OpenVTY(), devices.VTYOps)
	registry.Freeze()

	table := proc.NewTable(1)
	as := vm.New(userPool, bus)
	idx, pid, ok := table.Allocate(registry, as)
	if !ok {
		return fmt.Errorf("no process slot")
	}
	descs := table.Slot(idx).Table
	descs.SetIOContext(&devices.IOContext{ProcIdx: idx, ProcTable: table, AS: as})

	// Staging buffer in the bridge process's own user range, so the
	// descriptor read/write paths below cross the user boundary the
	// same way a real process's would.
	stage, ok := as.AllocateUserRegion(mem.PGSIZE)
	if !ok {
		return fmt.Errorf("no user staging page")
	}

	h, derr := descs.Open(&desc.Owner{ProcessID: uint64(pid), VM: as}, defs.VtyType, cols, rows, 0)
	if derr != 0 {
		return fmt.Errorf("vty open: %d", derr)
	}
	defer descs.Close(h)

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	cells := make([]byte, cols*rows*4)
	in := make([]byte, 64)
	for {
		n, rerr := os.Stdin.Read(in)
		if rerr != nil || n == 0 {
			return rerr
		}
		for _, b := range in[:n] {
			if b == 0x03 { // Ctrl-C
				return nil
			}
		}

		if derr := descs.SetProperty(h, defs.VtyInjectInput, in[:n]); derr != 0 {
			return fmt.Errorf("inject: %d", derr)
		}

		// Drain the input ring through the descriptor read path and echo
		// it back into the grid as output.
		outcome, derr := descs.Read(h, uint64(stage.Base), n, 0)
		if derr != 0 {
			return fmt.Errorf("vty read: %d", derr)
		}
		got := int(outcome.Returned)
		if got > 0 {
			if outcome, derr = descs.Write(h, uint64(stage.Base), got, 0); derr != 0 || outcome.Returned < 0 {
				return fmt.Errorf("vty write: %d", derr)
			}
		}

		if derr := descs.GetProperty(h, defs.VtyCells, cells); derr != 0 {
			return fmt.Errorf("cells: %d", derr)
		}
		redraw(cells)
	}
}

// redraw repaints the whole grid: home the cursor, then one line per
// row of the cell array, blank cells as spaces.
func redraw(cells []byte) {
	out := make([]byte, 0, len(cells)/4+rows*2+8)
	out = append(out, "\x1b[H"...)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			ch := cells[(r*cols+c)*4]
			if ch == 0 {
				ch = ' '
			}
			out = append(out, ch)
		}
		out = append(out, '\r', '\n')
	}
	os.Stdout.Write(out)
}
