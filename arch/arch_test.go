package arch

import "testing"

func TestBusTranslate(t *testing.T) {
	bus, err := NewBus(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	b := bus.Translate(0x1000)
	b[0] = 0xaa
	if again := bus.Translate(0x1000); again[0] != 0xaa {
		t.Fatal("write through Translate not visible on re-translate")
	}
	if bus.Size() != 1<<20 {
		t.Fatalf("size %d", bus.Size())
	}
}

func TestPageTable(t *testing.T) {
	pt := NewPageTable()
	va := VirtAddr(0x400000)
	pt.Map(va, MakePTE(0x2000, PTE_P|PTE_W|PTE_U))

	pte, ok := pt.Walk(va)
	if !ok || !pte.Present() || pte.Frame() != 0x2000 {
		t.Fatalf("walk: %v %v frame=%#x", pte, ok, pte.Frame())
	}
	pa, ok := pt.Translate(va)
	if !ok || pa != 0x2000 {
		t.Fatalf("translate: %#x %v", pa, ok)
	}

	pt.Unmap(va)
	if _, ok := pt.Walk(va); ok {
		t.Fatal("walk after unmap succeeded")
	}
}

func TestPageTableRange(t *testing.T) {
	pt := NewPageTable()
	for i := 0; i < 4; i++ {
		pt.Map(VirtAddr(0x1000*i), MakePTE(uintptr(0x10000+0x1000*i), PTE_P))
	}
	seen := 0
	pt.Range(func(va VirtAddr, pte PTE) { seen++ })
	if seen != 4 {
		t.Fatalf("ranged over %d entries, want 4", seen)
	}
}

func TestMakePTEMasksFlags(t *testing.T) {
	pte := MakePTE(0x3fff, PTE_P) // misaligned frame bits must not leak into flags
	if pte.Frame() != 0x3000 {
		t.Fatalf("frame %#x", pte.Frame())
	}
	if !pte.Present() {
		t.Fatal("present bit lost")
	}
}
