// Command kernel is the boot entry point: it wires every package in a
// fixed init order (arch.NewBus, then mem.InitPools, then the desc
// type registry, then proc.NewTable), hands the first process slot a
// loaded user binary, and runs the scheduler loop. The global state
// built here is never torn down.
//
// A full ELF loader and the real Limine handoff live outside the
// core: this binary stands in for both by loading a flat ELF
// executable from disk and synthesizing a single-range bootinfo.Info
// over host-backed memory, so the rest of the core boots exactly as
// it would from a real bootloader's handoff.
package main

import (
	"debug/elf"
	"flag"
	"io"
	"os"

	"github.com/i3vie/neutrino/arch"
	"github.com/i3vie/neutrino/bootinfo"
	"github.com/i3vie/neutrino/caller"
	"github.com/i3vie/neutrino/defs"
	"github.com/i3vie/neutrino/desc"
	"github.com/i3vie/neutrino/devices"
	"github.com/i3vie/neutrino/klog"
	"github.com/i3vie/neutrino/limits"
	"github.com/i3vie/neutrino/mem"
	"github.com/i3vie/neutrino/proc"
	"github.com/i3vie/neutrino/syscalls"
	"github.com/i3vie/neutrino/vm"
)

func main() {
	initPath := flag.String("init", "", "path to the first user binary (ELF, x86-64)")
	memMiB := flag.Int("mem", 256, "simulated physical RAM, in MiB")
	diskPath := flag.String("disk", "", "optional disk image backing the block device")
	cmdline := flag.String("cmdline", "", "kernel command line passed to the first process")
	flag.Parse()
	if *initPath == "" {
		klog.Printf("kernel: -init is required\n")
		os.Exit(1)
	}

	defer func() {
		if r := recover(); r != nil {
			klog.Printf("kernel: panic: %v\n", r)
			caller.Dump(os.Stderr, 3)
			os.Exit(1)
		}
	}()

	code, entryOffset, err := loadELF(*initPath)
	if err != nil {
		klog.Printf("kernel: %v\n", err)
		os.Exit(1)
	}

	// arch.NewBus
	bus, err := arch.NewBus(*memMiB << 20)
	if err != nil {
		klog.Printf("kernel: arch.NewBus: %v\n", err)
		os.Exit(1)
	}

	// mem.InitPools
	info := &bootinfo.Info{
		CommandLine: *cmdline,
		MemoryMap: []bootinfo.MemoryMapEntry{
			{Base: 0, Length: uint64(bus.Size()), Kind: defs.Usable},
		},
	}
	kernelPool, userPool := mem.InitPools(bus, info.MemoryMap, bootinfo.Region{})
	klog.Printf("kernel: %d kernel pages, %d user pages\n",
		kernelPool.FreePageCount(), userPool.FreePageCount())

	// desc type registry
	registry := desc.NewRegistry()
	lockedDisk := registerDeviceTypes(registry, bus, userPool, info, *diskPath)
	registry.Freeze()

	// The kernel's own parallel descriptor table: resources
	// the kernel opens on its own behalf, here the boot disk it reserves
	// for exclusive use until a filesystem layer claims it.
	kernelDescs := desc.NewTable(registry, limits.MaxDescriptors)
	if lockedDisk {
		if _, err := kernelDescs.Open(&desc.Owner{Kernel: true}, defs.BlockDeviceType, 0, 0, 0); err != 0 {
			klog.Printf("kernel: could not reserve boot disk: %d\n", err)
		}
	}

	// proc.NewTable
	procTable := proc.NewTable(limits.MaxProcs)

	as := vm.New(userPool, bus)
	region, entryVA, ok := as.MapUserCode(code, entryOffset)
	if !ok {
		klog.Printf("kernel: could not map init binary\n")
		os.Exit(1)
	}
	_, stackTop, _, ok := as.AllocateUserStack(64 * 1024)
	if !ok {
		klog.Printf("kernel: could not allocate init stack\n")
		os.Exit(1)
	}
	klog.Printf("kernel: init mapped at 0x%x (%d bytes)\n", region.Base, region.Length)

	idx, pid, ok := procTable.Allocate(registry, as)
	if !ok {
		klog.Printf("kernel: process table exhausted before boot\n")
		os.Exit(1)
	}
	slot := procTable.Slot(idx)
	slot.UserIP = uint64(entryVA)
	slot.UserSP = uint64(stackTop)
	slot.Cwd = "/"

	// The command line is a single opaque string handed to the first
	// process: staged into its address space, address in rdi of the
	// synthesized first frame.
	if info.CommandLine != "" {
		arg := append([]byte(info.CommandLine), 0)
		argRegion, ok := as.AllocateUserRegion(uint64(len(arg)))
		if !ok || as.CopyToUser(argRegion.Base, arg) != 0 {
			klog.Printf("kernel: could not stage command line\n")
			os.Exit(1)
		}
		slot.Context = proc.Frame{RIP: slot.UserIP, RSP: slot.UserSP, RDI: uint64(argRegion.Base)}
		slot.HasContext = true
	}
	slot.Table.SetIOContext(&devices.IOContext{
		ProcIdx:   idx,
		ProcTable: procTable,
		AS:        as,
	})

	klog.Printf("kernel: pid %d entering scheduler loop (entry=0x%x)\n", pid, entryVA)
	run(procTable)
}

// run is the scheduler loop: dequeue the next Ready slot, synthesize
// or restore its frame, dispatch the syscall it trapped on, and honor
// whatever syscalls.Dispatch reports.
func run(table *proc.Table) {
	for {
		idx, ok := table.Dequeue()
		if !ok {
			klog.Printf("kernel: no runnable process, halting\n")
			return
		}
		slot := table.Slot(idx)

		var frame proc.Frame
		if slot.HasContext {
			frame = slot.Context
		} else {
			frame = slot.SyntheticFrame()
			slot.HasContext = true
		}

		result := syscalls.Dispatch(table, idx, slot.Table, &frame)
		slot.Context = frame

		switch result {
		case syscalls.Continue:
			table.Enqueue(idx)
		case syscalls.Reschedule:
			// table.Yield already re-queued idx.
		case syscalls.Unschedule:
			// table.Exit already reclaimed idx, or a descriptor
			// operation already called table.Block.
		}
	}
}

// registerDeviceTypes installs every concrete devices type this core
// ships, exactly once, before the registry freezes. It reports whether
// a kernel-locked boot disk was registered, so main can reserve it in
// the kernel's own table.
func registerDeviceTypes(registry *desc.Registry, bus *arch.Bus, userPool *mem.Pool, info *bootinfo.Info, diskPath string) bool {
	console := devices.NewConsole(os.Stdin, os.Stdout)
	registry.Register(defs.ConsoleType, devices.OpenConsole(console), devices.ConsoleOps)

	serial := devices.NewSerial(os.Stdin, os.Stderr)
	registry.Register(defs.SerialType, devices.OpenSerial(serial), devices.SerialOps)

	keyboard := devices.NewKeyboard()
	registry.Register(defs.KeyboardType, devices.OpenKeyboard(keyboard), devices.KeyboardOps)

	mouse := devices.NewMouse()
	registry.Register(defs.MouseType, devices.OpenMouse(mouse), devices.MouseOps)

	fb := devices.NewFramebuffer(info.Framebuffer, bus)
	registry.Register(defs.FramebufferType, devices.OpenFramebuffer(fb), devices.FramebufferOps)

	pipes := devices.NewPipeTable()
	registry.Register(defs.PipeType, pipes.OpenPipe(), devices.PipeOps)

	segments := devices.NewSegmentTable(userPool)
	registry.Register(defs.SharedMemType, segments.OpenShm(), devices.ShmOps)

	vtys := devices.NewVTYTable(64)
	registry.Register(defs.VtyType, vtys.OpenVTY(), devices.VTYOps)

	if diskPath == "" {
		return false
	}
	image, err := os.ReadFile(diskPath)
	if err != nil {
		klog.Printf("kernel: -disk %s: %v\n", diskPath, err)
		return false
	}
	disk := devices.NewBlock(devices.NewRAMDisk(image, 512), true)
	registry.Register(defs.BlockDeviceType, devices.OpenBlockDevice(disk), devices.BlockDeviceOps)
	return true
}

// loadELF reads a static x86-64 ELF executable and returns a flat byte
// image of its loadable segments (laid out starting at the lowest
// segment's virtual address) together with the entry point's offset
// into that image, for vm.MapUserCode to place.
func loadELF(path string) ([]byte, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, 0, err
	}

	var lo, hi uint64
	first := true
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		end := prog.Vaddr + prog.Memsz
		if first || prog.Vaddr < lo {
			lo = prog.Vaddr
		}
		if first || end > hi {
			hi = end
		}
		first = false
	}
	if first {
		return nil, 0, os.ErrInvalid
	}

	image := make([]byte, hi-lo)
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		r := prog.Open()
		n, err := io.ReadFull(r, image[prog.Vaddr-lo:prog.Vaddr-lo+prog.Filesz])
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return nil, 0, err
		}
		_ = n
	}
	return image, ef.Entry - lo, nil
}
