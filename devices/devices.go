// Package devices holds the concrete resource kinds desc.Resource is a
// tagged variant over: pipes, shared-memory mappings, the
// VTY, and the simple hardware-record devices (console, serial,
// keyboard, mouse, framebuffer, block device).
package devices

import (
	"github.com/i3vie/neutrino/proc"
	"github.com/i3vie/neutrino/vm"
)

// IOContext is the concrete type desc.Ops.Read/Write's opaque io
// parameter holds for every device in this package. desc never looks
// inside it; whoever sets up a process calls desc.Table.SetIOContext
// on the slot's descriptor table right after proc.Table.Allocate,
// since desc itself cannot import proc or vm without a cycle (desc.Ops's
// comment explains why the parameter is typed any in the first place).
//
// Every Read/Write in this package fails with EINVAL when the context
// is missing, since each copies through AS; only pipes also use
// ProcTable and ProcIdx, to block the caller.
type IOContext struct {
	ProcIdx   int
	ProcTable *proc.Table
	AS        *vm.AddressSpace
}
