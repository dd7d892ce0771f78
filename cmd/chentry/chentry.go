// Command chentry rewrites the entry address recorded in an ELF
// executable's header.
//
// It is a build-time tool used when assembling a first user binary for
// cmd/kernel to hand off, not a runtime component of the core itself.
package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strconv"
)

// e_entry lives at a fixed offset in the ELF64 header.
const entryOffset = 24

func usage(me string) {
	fmt.Printf("%s <filename> <addr>\n\nChange the ELF entry point of <filename> to <addr>\n", me)
	os.Exit(1)
}

// chkELF refuses anything but a little-endian x86-64 executable, the
// only kind of image cmd/kernel loads.
func chkELF(eh *elf.FileHeader) {
	if eh.Class != elf.ELFCLASS64 {
		log.Fatal("not a 64-bit elf")
	}
	if eh.Data != elf.ELFDATA2LSB {
		log.Fatal("not little-endian")
	}
	if eh.Type != elf.ET_EXEC {
		log.Fatal("not an executable elf")
	}
	if eh.Machine != elf.EM_X86_64 {
		log.Fatal("not an x86-64 elf")
	}
}

func main() {
	if len(os.Args) != 3 {
		usage(os.Args[0])
	}
	fn := os.Args[1]
	addr, err := parseAddr(os.Args[2])
	if err != nil {
		log.Fatal(err)
	}

	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		log.Fatal(err)
	}
	chkELF(&ef.FileHeader)

	fmt.Printf("%s: entry 0x%x -> 0x%x\n", fn, ef.FileHeader.Entry, addr)

	// Patch only the e_entry field in place; rewriting the whole
	// header from the parsed form would lose the original ident bytes.
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], addr)
	if _, err := f.WriteAt(raw[:], entryOffset); err != nil {
		log.Fatal(err)
	}
}

// parseAddr accepts decimal or 0x-prefixed hexadecimal, the same
// syntax C's strtoul takes with base 0.
func parseAddr(s string) (uint64, error) {
	a, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return a, nil
}
