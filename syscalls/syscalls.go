// Package syscalls is the dispatcher: it decodes a
// saved register frame into a syscall number and up to six arguments,
// routes to proc and desc, and reports one of three outcomes back to
// the scheduler loop. Named syscalls rather than syscall so that
// nothing importing this package also needs to shadow the standard
// library's own syscall import path.
package syscalls

import (
	"github.com/i3vie/neutrino/arch"
	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/desc"
	"github.com/i3vie/neutrino/proc"
)

// Frame is the saved register set Dispatch decodes, the same type
// proc.Table's slots carry between reschedules.
type Frame = proc.Frame

// Number is a syscall number.
type Number uint64

const (
	AbiMajor Number = iota
	AbiMinor
	Exit
	Yield
	DescriptorOpen
	DescriptorQuery
	DescriptorRead
	DescriptorWrite
	DescriptorClose
	DescriptorGetProperty
	DescriptorSetProperty
)

// maxPropertyBytes bounds a single property blob; VtyCells on the
// largest sane grid fits well inside it.
const maxPropertyBytes = 1 << 20

// AbiMajorVersion and AbiMinorVersion are this core's one ABI
// version: not negotiated, not configurable.
const (
	AbiMajorVersion = 1
	AbiMinorVersion = 0
)

// Result is Dispatch's report to the scheduler loop.
type Result int

const (
	// Continue means frame.RAX holds the syscall's result and the
	// caller resumes immediately.
	Continue Result = iota
	// Reschedule means frame.RAX holds the result but the scheduler
	// should pick the next Ready slot instead of resuming the caller
	// (Yield's outcome).
	Reschedule
	// Unschedule means the caller is no longer runnable: it has
	// either exited or been transitioned to Blocked by a descriptor
	// operation that returned desc.Suspend, in which case frame.RAX is
	// left untouched; the eventual waker writes it.
	Unschedule
)

// Dispatch decodes frame.RAX as the syscall number and
// RDI,RSI,RDX,R10,R8,R9 as up to six arguments (System-V amd64 with
// r10 replacing rcx), executes it against table/descs,
// writes a result into frame.RAX when the syscall does not suspend,
// and reports what the scheduler loop should do next.
func Dispatch(table *proc.Table, idx int, descs *desc.Table, frame *Frame) Result {
	switch Number(frame.RAX) {
	case AbiMajor:
		frame.RAX = uint64(AbiMajorVersion)
		return Continue

	case AbiMinor:
		frame.RAX = uint64(AbiMinorVersion)
		return Continue

	case Exit:
		table.Exit(idx)
		return Unschedule

	case Yield:
		frame.RAX = 0
		table.Yield(idx)
		return Reschedule

	case DescriptorOpen:
		owner := &desc.Owner{ProcessID: uint64(table.Slot(idx).PID), VM: table.Slot(idx).AddressSpace}
		h, err := descs.Open(owner, defs.TypeID(frame.RDI), frame.RSI, frame.RDX, frame.R10)
		if err != 0 {
			frame.RAX = uint64(err.Errno())
		} else {
			frame.RAX = uint64(h)
		}
		return Continue

	case DescriptorQuery:
		flags, err := descs.Query(desc.Handle(frame.RDI))
		if err != 0 {
			frame.RAX = uint64(err.Errno())
		} else {
			frame.RAX = uint64(flags)
		}
		return Continue

	case DescriptorRead:
		outcome, err := descs.Read(desc.Handle(frame.RDI), frame.RSI, int(frame.RDX), int64(frame.R10))
		return writeOutcome(frame, outcome, err)

	case DescriptorWrite:
		outcome, err := descs.Write(desc.Handle(frame.RDI), frame.RSI, int(frame.RDX), int64(frame.R10))
		return writeOutcome(frame, outcome, err)

	case DescriptorClose:
		err := descs.Close(desc.Handle(frame.RDI))
		frame.RAX = uint64(err.Errno())
		return Continue

	case DescriptorGetProperty:
		// a2 is the user buffer the property blob lands in, a3 its size.
		if frame.R10 > maxPropertyBytes {
			frame.RAX = uint64(defs.EINVAL.Errno())
			return Continue
		}
		as := table.Slot(idx).AddressSpace
		out := make([]byte, frame.R10)
		err := descs.GetProperty(desc.Handle(frame.RDI), defs.PropertyID(frame.RSI), out)
		if err == 0 && as != nil {
			err = as.CopyToUser(arch.VirtAddr(frame.RDX), out)
		}
		frame.RAX = uint64(err.Errno())
		return Continue

	case DescriptorSetProperty:
		if frame.R10 > maxPropertyBytes {
			frame.RAX = uint64(defs.EINVAL.Errno())
			return Continue
		}
		as := table.Slot(idx).AddressSpace
		in := make([]byte, frame.R10)
		if as != nil {
			if err := as.CopyFromUser(in, arch.VirtAddr(frame.RDX)); err != 0 {
				frame.RAX = uint64(err.Errno())
				return Continue
			}
		}
		err := descs.SetProperty(desc.Handle(frame.RDI), defs.PropertyID(frame.RSI), in)
		frame.RAX = uint64(err.Errno())
		return Continue

	default:
		frame.RAX = uint64(defs.EINVAL.Errno())
		return Continue
	}
}

// writeOutcome routes a suspended operation to Unschedule without
// touching rax (the eventual waker owns the result) and writes the
// returned value otherwise.
func writeOutcome(frame *Frame, outcome desc.Outcome, err defs.Err_t) Result {
	if err != 0 {
		frame.RAX = uint64(err.Errno())
		return Continue
	}
	if outcome.Suspended {
		return Unschedule
	}
	frame.RAX = uint64(outcome.Returned)
	return Continue
}
