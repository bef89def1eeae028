package vm

import (
	"bytes"
	"strings"
	"testing"
)

// emitArgsImage assembles: emit args
func emitArgsImage() *Image {
	b := NewBytecodeBuilder()
	b.EmitUint16(OpLoad, 0)
	b.Emit(OpEmit)
	b.Emit(OpHalt)
	return &Image{
		Version: ImageVersion,
		Consts:  []Value{StrValue("args")},
		Code:    b.Bytes(),
	}
}

func TestRunSeedsArgsGlobal(t *testing.T) {
	m := New(Options{Args: []string{"one", "two"}})
	res, err := m.Run(emitArgsImage())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Stdout) != 1 || res.Stdout[0] != "[one, two]" {
		t.Errorf("stdout = %q, want [one, two]", res.Stdout)
	}
}

func TestRunTeesToSink(t *testing.T) {
	var sink bytes.Buffer
	m := New(Options{Stdout: &sink})
	res, err := m.Run(emitArgsImage())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink.String() != "[]\n" {
		t.Errorf("sink = %q, want %q", sink.String(), "[]\n")
	}
	if res.FuelUsed == 0 {
		t.Errorf("fuel should be counted")
	}
}

func TestRunSurfacesUnhandledError(t *testing.T) {
	b := NewBytecodeBuilder()
	b.EmitInt64(OpPushInt, 1)
	b.EmitInt64(OpPushInt, 0)
	b.Emit(OpDiv)
	img := &Image{Version: ImageVersion, Code: b.Bytes()}

	m := New(Options{})
	res, err := m.Run(img)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsRuntimeError(err) {
		t.Errorf("IsRuntimeError should hold for an unhandled VMError")
	}
	if !strings.Contains(err.Error(), "ZeroDivision") {
		t.Errorf("error = %v, want ZeroDivision kind in text", err)
	}
	if len(res.Diags) != 1 || res.Diags[0].Kind != "ZeroDivision" {
		t.Errorf("diags = %+v", res.Diags)
	}
}

func TestRunReturnValue(t *testing.T) {
	b := NewBytecodeBuilder()
	b.EmitInt64(OpPushInt, 41)
	b.EmitInt64(OpPushInt, 1)
	b.Emit(OpAdd)
	b.Emit(OpHalt)
	img := &Image{Version: ImageVersion, Code: b.Bytes()}

	m := New(Options{})
	res, err := m.Run(img)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.ReturnValue.Equal(IntValue(42)) {
		t.Errorf("return value = %s, want 42", res.ReturnValue)
	}
}

func TestVMInstancesAreIsolated(t *testing.T) {
	// Two VMs share nothing: a global stored by one run is invisible to
	// the other instance.
	b := NewBytecodeBuilder()
	b.EmitInt64(OpPushInt, 1)
	b.EmitUint16(OpStore, 0)
	b.Emit(OpHalt)
	store := &Image{Version: ImageVersion, Consts: []Value{StrValue("shared")}, Code: b.Bytes()}

	b2 := NewBytecodeBuilder()
	b2.EmitUint16(OpLoad, 0)
	b2.Emit(OpHalt)
	load := &Image{Version: ImageVersion, Consts: []Value{StrValue("shared")}, Code: b2.Bytes()}

	m1 := New(Options{})
	if _, err := m1.Run(store); err != nil {
		t.Fatalf("Run: %v", err)
	}
	m2 := New(Options{})
	if _, err := m2.Run(load); err == nil {
		t.Errorf("second VM should not see the first VM's globals")
	}
	// The first VM keeps its own global across runs.
	if _, err := m1.Run(load); err != nil {
		t.Errorf("first VM should keep its global: %v", err)
	}
}

func TestRunFromLoadedImage(t *testing.T) {
	// Full path: write, load (verify), run.
	src := emitArgsImage()
	data, err := WriteImage(src)
	if err != nil {
		t.Fatalf("WriteImage: %v", err)
	}
	img, err := LoadImage(data)
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	m := New(Options{Args: []string{"x"}})
	res, err := m.Run(img)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout[0] != "[x]" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}
