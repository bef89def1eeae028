package vm

import (
	"errors"
	"fmt"
	"io"
)

// ---------------------------------------------------------------------------
// VM: a single-threaded OMG virtual machine instance
// ---------------------------------------------------------------------------

// Options configures a VM instance.
type Options struct {
	// Args is the argument vector exposed to programs as the global `args`.
	Args []string
	// FS is the filesystem capability for file builtins. Defaults to OSFS.
	FS FS
	// Stdout, when set, receives each emitted line as it is produced, in
	// addition to being collected into the run result.
	Stdout io.Writer
}

// VM holds the state shared across a program run: globals, the file-handle
// table, and the embedder-supplied sinks. Instances share nothing; a
// process may run any number of them independently.
type VM struct {
	Globals map[string]Value

	args    []string
	fs      FS
	sink    io.Writer
	handles *handleTable
	stdout  []string
}

// New creates a VM.
func New(opts Options) *VM {
	fs := opts.FS
	if fs == nil {
		fs = OSFS{}
	}
	return &VM{
		Globals: make(map[string]Value),
		args:    opts.Args,
		fs:      fs,
		sink:    opts.Stdout,
		handles: newHandleTable(),
	}
}

// emit appends one line to the stdout sink.
func (vm *VM) emit(line string) {
	vm.stdout = append(vm.stdout, line)
	if vm.sink != nil {
		fmt.Fprintln(vm.sink, line)
	}
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// Diag is one diagnostic record surfaced to the embedder.
type Diag struct {
	PC      uint32
	Line    int
	Kind    string
	Message string
}

// Result is the outcome of a run.
type Result struct {
	Stdout      []string
	ReturnValue Value
	Diags       []Diag
	FuelUsed    uint64
}

// Run executes a loaded image from its entry offset. The returned error,
// if any, is the unhandled *VMError; the Result is populated either way
// with the output produced so far. Open file handles are flushed when the
// run ends.
func (vm *VM) Run(img *Image) (*Result, error) {
	vm.stdout = nil

	argItems := make([]Value, len(vm.args))
	for i, a := range vm.args {
		argItems[i] = StrValue(a)
	}
	vm.Globals["args"] = NewList(argItems...)

	in := &interp{
		vm:      vm,
		img:     img,
		globals: vm.Globals,
		pc:      img.Entry,
	}
	ret, runErr := in.run()
	vm.handles.closeAll()

	res := &Result{
		Stdout:      vm.stdout,
		ReturnValue: ret,
		FuelUsed:    in.fuel,
	}
	if runErr != nil {
		res.Diags = append(res.Diags, Diag{
			PC:      in.pc,
			Line:    runErr.Line,
			Kind:    runErr.Kind.String(),
			Message: runErr.Message,
		})
		return res, runErr
	}
	return res, nil
}

// IsRuntimeError reports whether err is an unhandled program error (CLI
// exit code 1) as opposed to a load error (exit code 2).
func IsRuntimeError(err error) bool {
	var ve *VMError
	return errors.As(err, &ve)
}
