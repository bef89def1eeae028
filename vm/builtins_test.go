package vm

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func newTestVM() *VM {
	return New(Options{FS: OSFS{}})
}

func callOK(t *testing.T, m *VM, name string, args ...Value) Value {
	t.Helper()
	v, err := m.CallBuiltin(name, args)
	if err != nil {
		t.Fatalf("%s: unexpected error %v", name, err)
	}
	return v
}

func callErr(t *testing.T, m *VM, name string, kind ErrorKind, args ...Value) *VMError {
	t.Helper()
	_, err := m.CallBuiltin(name, args)
	if err == nil {
		t.Fatalf("%s: expected %s error", name, kind)
	}
	if err.Kind != kind {
		t.Fatalf("%s: error kind = %s, want %s (%s)", name, err.Kind, kind, err.Message)
	}
	return err
}

// ---------------------------------------------------------------------------
// Core catalogue
// ---------------------------------------------------------------------------

func TestLength(t *testing.T) {
	m := newTestVM()
	if v := callOK(t, m, "length", StrValue("héllo")); !v.Equal(IntValue(5)) {
		t.Errorf("length(héllo) = %s, want 5 codepoints", v)
	}
	if v := callOK(t, m, "length", NewList(IntValue(1), IntValue(2))); !v.Equal(IntValue(2)) {
		t.Errorf("length(list) = %s, want 2", v)
	}
	d := NewDict()
	d.Dict().Set("a", IntValue(1))
	if v := callOK(t, m, "length", d); !v.Equal(IntValue(1)) {
		t.Errorf("length(dict) = %s, want 1", v)
	}
	if v := callOK(t, m, "length", FrozenDictValue(d.Dict().Clone())); !v.Equal(IntValue(1)) {
		t.Errorf("length(frozen) = %s, want 1", v)
	}
	callErr(t, m, "length", ErrType, IntValue(3))
	callErr(t, m, "length", ErrType)
}

func TestChrAsciiRoundTrip(t *testing.T) {
	m := newTestVM()
	for _, s := range []string{"a", "Z", "é", "€", "ñ"} {
		n := callOK(t, m, "ascii", StrValue(s))
		back := callOK(t, m, "chr", n)
		if !back.Equal(StrValue(s)) {
			t.Errorf("chr(ascii(%q)) = %s, want %q", s, back, s)
		}
	}
	for _, n := range []int64{0, 65, 0x10FFFF} {
		s := callOK(t, m, "chr", IntValue(n))
		back := callOK(t, m, "ascii", s)
		if !back.Equal(IntValue(n)) {
			t.Errorf("ascii(chr(%d)) = %s, want %d", n, back, n)
		}
	}
	callErr(t, m, "chr", ErrValue, IntValue(-1))
	callErr(t, m, "chr", ErrValue, IntValue(0x110000))
	callErr(t, m, "ascii", ErrType, StrValue("ab"))
	callErr(t, m, "ascii", ErrType, IntValue(65))
}

func TestHex(t *testing.T) {
	m := newTestVM()
	if v := callOK(t, m, "hex", IntValue(255)); !v.Equal(StrValue("0xff")) {
		t.Errorf("hex(255) = %s, want 0xff", v)
	}
	if v := callOK(t, m, "hex", IntValue(-42)); !v.Equal(StrValue("-0x2a")) {
		t.Errorf("hex(-42) = %s, want -0x2a", v)
	}
	callErr(t, m, "hex", ErrType, StrValue("ff"))
}

func TestBinary(t *testing.T) {
	m := newTestVM()
	if v := callOK(t, m, "binary", IntValue(10)); !v.Equal(StrValue("1010")) {
		t.Errorf("binary(10) = %s, want 1010", v)
	}
	if v := callOK(t, m, "binary", IntValue(-5)); !v.Equal(StrValue("-101")) {
		t.Errorf("binary(-5) = %s, want -101", v)
	}
	if v := callOK(t, m, "binary", IntValue(5), IntValue(8)); !v.Equal(StrValue("00000101")) {
		t.Errorf("binary(5, 8) = %s, want 00000101", v)
	}
	// Negative values are masked to the low w bits.
	if v := callOK(t, m, "binary", IntValue(-1), IntValue(4)); !v.Equal(StrValue("1111")) {
		t.Errorf("binary(-1, 4) = %s, want 1111", v)
	}
	callErr(t, m, "binary", ErrValue, IntValue(1), IntValue(0))
	callErr(t, m, "binary", ErrValue, IntValue(1), IntValue(65))
	callErr(t, m, "binary", ErrType, StrValue("x"))
}

func TestBinaryWidthRecoversModulo(t *testing.T) {
	m := newTestVM()
	for _, n := range []int64{0, 1, 5, 200, -7} {
		for _, w := range []int64{1, 4, 8, 16} {
			v := callOK(t, m, "binary", IntValue(n), IntValue(w))
			parsed, err := strconv.ParseUint(v.Str(), 2, 64)
			if err != nil {
				t.Fatalf("binary(%d, %d) = %q not parseable: %v", n, w, v.Str(), err)
			}
			want := uint64(n) & ((1 << uint(w)) - 1)
			if parsed != want {
				t.Errorf("binary(%d, %d) parsed = %d, want %d", n, w, parsed, want)
			}
			if int64(len(v.Str())) != w {
				t.Errorf("binary(%d, %d) width = %d, want %d", n, w, len(v.Str()), w)
			}
		}
	}
}

func TestFreeze(t *testing.T) {
	m := newTestVM()
	d := NewDict()
	d.Dict().Set("a", IntValue(1))

	f := callOK(t, m, "freeze", d)
	if f.Kind() != KindFrozenDict {
		t.Fatalf("freeze kind = %s, want frozen dict", f.Kind())
	}
	if !f.Equal(d) {
		t.Errorf("freeze(d) should equal d")
	}

	// The original stays mutable and the frozen copy does not follow it.
	d.Dict().Set("a", IntValue(2))
	if f.Equal(d) {
		t.Errorf("frozen copy should not see later writes to the original")
	}

	// Freezing a frozen dict returns it unchanged.
	f2 := callOK(t, m, "freeze", f)
	if f2.Dict() != f.Dict() {
		t.Errorf("freeze(frozen) should return the same value")
	}

	callErr(t, m, "freeze", ErrType, NewList())
	callErr(t, m, "freeze", ErrType, IntValue(1))
}

func TestPanicBuiltin(t *testing.T) {
	m := newTestVM()
	err := callErr(t, m, "panic", ErrGeneric, StrValue("doom"))
	if err.Message != "doom" {
		t.Errorf("message = %q, want doom", err.Message)
	}
}

func TestRaiseBuiltin(t *testing.T) {
	m := newTestVM()
	err := callErr(t, m, "raise", ErrGeneric, StrValue("plain"))
	if err.Message != "plain" {
		t.Errorf("message = %q", err.Message)
	}

	err = callErr(t, m, "raise", ErrKey, StrValue("Key"), StrValue("missing"))
	if err.Message != "missing" {
		t.Errorf("message = %q", err.Message)
	}
	callErr(t, m, "raise", ErrValue, StrValue("NoSuchKind"), StrValue("m"))
	callErr(t, m, "raise", ErrType, StrValue("a"), StrValue("b"), StrValue("c"))
}

func TestCallBuiltinForwards(t *testing.T) {
	m := newTestVM()
	v := callOK(t, m, "call_builtin", StrValue("length"), StrValue("abc"))
	if !v.Equal(IntValue(3)) {
		t.Errorf("call_builtin(length, abc) = %s, want 3", v)
	}
	callErr(t, m, "call_builtin", ErrType)
	callErr(t, m, "call_builtin", ErrType, IntValue(1))
	callErr(t, m, "call_builtin", ErrUndefinedIdent, StrValue("no_such"))
}

func TestUnknownBuiltin(t *testing.T) {
	m := newTestVM()
	callErr(t, m, "bogus", ErrUndefinedIdent)
	if IsBuiltinName("bogus") {
		t.Errorf("bogus should not be a builtin name")
	}
	if !IsBuiltinName("freeze") {
		t.Errorf("freeze should be a builtin name")
	}
}

// ---------------------------------------------------------------------------
// File catalogue
// ---------------------------------------------------------------------------

func TestReadFileAndExists(t *testing.T) {
	m := newTestVM()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	if err := os.WriteFile(path, []byte("contents"), 0644); err != nil {
		t.Fatal(err)
	}

	v := callOK(t, m, "read_file", StrValue(path))
	if !v.Equal(StrValue("contents")) {
		t.Errorf("read_file = %q", v.Str())
	}
	if v := callOK(t, m, "file_exists", StrValue(path)); !v.Equal(True) {
		t.Errorf("file_exists should be true")
	}
	missing := filepath.Join(dir, "absent.txt")
	if v := callOK(t, m, "file_exists", StrValue(missing)); !v.Equal(False) {
		t.Errorf("file_exists should be false")
	}
	callErr(t, m, "read_file", ErrIO, StrValue(missing))
}

func TestWriteFile(t *testing.T) {
	m := newTestVM()
	path := filepath.Join(t.TempDir(), "out.txt")
	callOK(t, m, "write_file", StrValue(path), StrValue("written"))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "written" {
		t.Errorf("file contents = %q", data)
	}
}

func TestFileHandleLifecycle(t *testing.T) {
	m := newTestVM()
	path := filepath.Join(t.TempDir(), "f.txt")

	h := callOK(t, m, "file_open", StrValue(path), StrValue("w"))
	if !h.IsInt() {
		t.Fatalf("file_open returned %s, want int handle", h.Kind())
	}
	callOK(t, m, "file_write", h, StrValue("line one\n"))
	callOK(t, m, "file_write", h, StrValue("line two\n"))
	callOK(t, m, "file_close", h)

	r := callOK(t, m, "file_open", StrValue(path), StrValue("r"))
	v := callOK(t, m, "file_read", r)
	if v.Str() != "line one\nline two\n" {
		t.Errorf("file_read = %q", v.Str())
	}
	// A second read at EOF returns the empty string.
	if v := callOK(t, m, "file_read", r); v.Str() != "" {
		t.Errorf("file_read at EOF = %q, want empty", v.Str())
	}
	callOK(t, m, "file_close", r)
	// Closing twice is idempotent.
	callOK(t, m, "file_close", r)

	// Operations on a closed handle are Value errors.
	callErr(t, m, "file_read", ErrValue, r)
	callErr(t, m, "file_write", ErrValue, r, StrValue("x"))
}

func TestFileOpenBadMode(t *testing.T) {
	m := newTestVM()
	callErr(t, m, "file_open", ErrValue, StrValue("x"), StrValue("rw+"))
	callErr(t, m, "file_open", ErrType, IntValue(1), StrValue("r"))
	callErr(t, m, "file_open", ErrIO, StrValue(filepath.Join(t.TempDir(), "no", "dir")), StrValue("r"))
}

func TestHandlesFlushedOnShutdown(t *testing.T) {
	m := newTestVM()
	path := filepath.Join(t.TempDir(), "f.txt")
	h := callOK(t, m, "file_open", StrValue(path), StrValue("w"))
	m.handles.closeAll()
	callErr(t, m, "file_read", ErrValue, h)
}
