package desc

import (
	"testing"

	"github.com/i3vie/neutrino/defs"
)

// fakeResource counts closes so tests can assert the exactly-once
// close invariant.
type fakeResource struct {
	closed int
}

func (f *fakeResource) TypeID() defs.TypeID { return 0x7f }
func (f *fakeResource) Close()              { f.closed++ }

var fakeOps = &Ops{
	Read: func(r Resource, io any, userAddr uint64, length int, offset int64) Outcome {
		return Return(int64(length))
	},
	Write: func(r Resource, io any, userAddr uint64, length int, offset int64) Outcome {
		return Return(int64(length))
	},
}

const fakeType defs.TypeID = 0x7f

func mkRegistry(t *testing.T, flags defs.Flags) (*Registry, *fakeResource) {
	t.Helper()
	res := &fakeResource{}
	r := NewRegistry()
	ok := r.Register(fakeType, func(o *Owner, a0, a1, a2 uint64) (Resource, defs.Flags, string, defs.Err_t) {
		return res, flags, "fake", 0
	}, fakeOps)
	if !ok {
		t.Fatal("register failed")
	}
	return r, res
}

func TestRegisterTwiceFails(t *testing.T) {
	r, _ := mkRegistry(t, defs.Readable)
	if r.Register(fakeType, nil, fakeOps) {
		t.Fatal("second Register of same type succeeded")
	}
	r.Freeze()
	if r.Register(0x70, nil, fakeOps) {
		t.Fatal("Register after Freeze succeeded")
	}
}

func TestHandleLifecycle(t *testing.T) {
	r, res := mkRegistry(t, defs.Readable|defs.Writable)
	tbl := NewTable(r, 4)
	owner := &Owner{ProcessID: 1}

	h, err := tbl.Open(owner, fakeType, 0, 0, 0)
	if err != 0 {
		t.Fatalf("open: %d", err)
	}
	if h == InvalidHandle || h.Generation() == 0 {
		t.Fatalf("bad handle %#x", h)
	}

	if err := tbl.Close(h); err != 0 {
		t.Fatalf("first close: %d", err)
	}
	if res.closed != 1 {
		t.Fatalf("resource closed %d times", res.closed)
	}
	if err := tbl.Close(h); err != -defs.EBADF {
		t.Fatalf("second close: %d, want EBADF", err)
	}
	if res.closed != 1 {
		t.Fatal("double close reached the resource")
	}
}

func TestHandleReuseSafety(t *testing.T) {
	// Scenario: close handle H1 at index 0, open again; the stale H1
	// must be rejected while the fresh H2 works (generation bump).
	r, _ := mkRegistry(t, defs.Readable|defs.Writable)
	tbl := NewTable(r, 4)
	owner := &Owner{}

	h1, _ := tbl.Open(owner, fakeType, 0, 0, 0)
	if h1.Index() != 0 || h1.Generation() != 1 {
		t.Fatalf("h1 = index %d gen %d", h1.Index(), h1.Generation())
	}
	tbl.Close(h1)

	h2, _ := tbl.Open(owner, fakeType, 0, 0, 0)
	if h2.Index() != 0 || h2.Generation() != 2 {
		t.Fatalf("h2 = index %d gen %d", h2.Index(), h2.Generation())
	}

	if _, err := tbl.Write(h1, 0, 4, 0); err != -defs.EBADF {
		t.Fatalf("write through stale handle: %d, want EBADF", err)
	}
	if out, err := tbl.Write(h2, 0, 4, 0); err != 0 || out.Returned != 4 {
		t.Fatalf("write through fresh handle: %v %d", out, err)
	}
}

func TestCapabilityCheck(t *testing.T) {
	r, _ := mkRegistry(t, defs.Writable) // not readable
	tbl := NewTable(r, 4)
	h, _ := tbl.Open(&Owner{}, fakeType, 0, 0, 0)

	if _, err := tbl.Read(h, 0, 8, 0); err != -defs.EPERM {
		t.Fatalf("read without Readable: %d, want EPERM", err)
	}
	if _, err := tbl.Write(h, 0, 8, 0); err != 0 {
		t.Fatalf("write with Writable: %d", err)
	}
}

func TestQueryReturnsFlags(t *testing.T) {
	want := defs.Readable | defs.Async
	r, _ := mkRegistry(t, want)
	tbl := NewTable(r, 4)
	h, _ := tbl.Open(&Owner{}, fakeType, 0, 0, 0)
	flags, err := tbl.Query(h)
	if err != 0 || flags != want {
		t.Fatalf("query: %#x %d", flags, err)
	}
	if _, err := tbl.Query(InvalidHandle); err != -defs.EBADF {
		t.Fatalf("query of invalid handle: %d", err)
	}
}

func TestOpenUnknownType(t *testing.T) {
	r, _ := mkRegistry(t, defs.Readable)
	tbl := NewTable(r, 4)
	if _, err := tbl.Open(&Owner{}, 0x999, 0, 0, 0); err != -defs.EINVAL {
		t.Fatalf("open of unknown type: %d", err)
	}
}

func TestTableExhaustion(t *testing.T) {
	r, res := mkRegistry(t, defs.Readable)
	tbl := NewTable(r, 2)
	tbl.Open(&Owner{}, fakeType, 0, 0, 0)
	tbl.Open(&Owner{}, fakeType, 0, 0, 0)
	if _, err := tbl.Open(&Owner{}, fakeType, 0, 0, 0); err != -defs.ENOMEM {
		t.Fatalf("open into full table: %d", err)
	}
	// The failed open must still have released the constructed resource.
	if res.closed != 1 {
		t.Fatalf("resource closed %d times after failed install", res.closed)
	}
}

func TestDuplicateSharesResource(t *testing.T) {
	r, res := mkRegistry(t, defs.Readable)
	tbl := NewTable(r, 4)
	h1, _ := tbl.Open(&Owner{}, fakeType, 0, 0, 0)
	h2, err := tbl.Duplicate(h1)
	if err != 0 || h2 == h1 {
		t.Fatalf("duplicate: %#x %d", h2, err)
	}
	tbl.Close(h1)
	if res.closed != 0 {
		t.Fatal("resource closed while a duplicate handle remains")
	}
	tbl.Close(h2)
	if res.closed != 1 {
		t.Fatalf("resource closed %d times after last handle", res.closed)
	}
}

func TestCloseAll(t *testing.T) {
	r, res := mkRegistry(t, defs.Readable)
	tbl := NewTable(r, 8)
	for i := 0; i < 3; i++ {
		tbl.Open(&Owner{}, fakeType, 0, 0, 0)
	}
	tbl.CloseAll()
	if res.closed != 3 {
		t.Fatalf("closed %d, want 3", res.closed)
	}
}

func TestCommonNameProperty(t *testing.T) {
	r, _ := mkRegistry(t, defs.Readable)
	tbl := NewTable(r, 4)
	h, _ := tbl.Open(&Owner{}, fakeType, 0, 0, 0)
	out := make([]byte, 16)
	if err := tbl.GetProperty(h, defs.CommonName, out); err != 0 {
		t.Fatalf("CommonName: %d", err)
	}
	if string(out[:4]) != "fake" || out[4] != 0 {
		t.Fatalf("name bytes %q", out[:5])
	}
	if err := tbl.GetProperty(h, defs.CommonName, make([]byte, 2)); err != -defs.EINVAL {
		t.Fatalf("short buffer: %d", err)
	}
}

func TestHandleEncoding(t *testing.T) {
	h := MakeHandle(3, 7)
	if h.Index() != 3 || h.Generation() != 7 {
		t.Fatalf("round trip: index %d gen %d", h.Index(), h.Generation())
	}
	if MakeHandle(0, 0) != InvalidHandle {
		t.Fatal("zero handle is not invalid")
	}
}
