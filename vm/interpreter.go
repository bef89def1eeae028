package vm

import (
	"encoding/binary"
)

// ---------------------------------------------------------------------------
// Frames and blocks
// ---------------------------------------------------------------------------

// Frame records the execution state of one function invocation.
type Frame struct {
	Locals   map[string]Value
	Globals  map[string]Value // globals view: the defining module's bindings
	ReturnPC uint32
	Depth    int // caller's operand-stack depth at the call site
	BlockDep int // block-stack depth at the call site (unwind boundary)
	FnIndex  int
}

// Block records an installed exception handler.
type Block struct {
	Handler    uint32 // handler program counter
	Depth      int    // operand-stack depth at SETUP_EXCEPT
	FrameDepth int    // call-frame depth at SETUP_EXCEPT
}

// interp is the evaluation state of a single run: operand stack, call
// frames, block stack, globals, and the program counter.
type interp struct {
	vm      *VM
	img     *Image
	stack   []Value
	frames  []Frame
	blocks  []Block
	globals map[string]Value
	pc      uint32
	fuel    uint64

	maxFrames int // high-water mark of the call-frame stack
}

// ---------------------------------------------------------------------------
// Stack operations
// ---------------------------------------------------------------------------

func (in *interp) push(v Value) {
	in.stack = append(in.stack, v)
}

func (in *interp) pop() (Value, *VMError) {
	if len(in.stack) == 0 {
		return None, invariant("operand stack underflow")
	}
	v := in.stack[len(in.stack)-1]
	in.stack = in.stack[:len(in.stack)-1]
	return v, nil
}

func (in *interp) pop2() (a, b Value, err *VMError) {
	if b, err = in.pop(); err != nil {
		return
	}
	a, err = in.pop()
	return
}

// popArgs pops argc values, returning them in push order (leftmost first).
func (in *interp) popArgs(argc int) ([]Value, *VMError) {
	if len(in.stack) < argc {
		return nil, invariant("operand stack underflow popping %d arguments", argc)
	}
	args := make([]Value, argc)
	copy(args, in.stack[len(in.stack)-argc:])
	in.stack = in.stack[:len(in.stack)-argc]
	return args, nil
}

// ---------------------------------------------------------------------------
// Operand decoding
// ---------------------------------------------------------------------------

func (in *interp) readU8() byte {
	b := in.img.Code[in.pc]
	in.pc++
	return b
}

func (in *interp) readU16() uint16 {
	v := binary.LittleEndian.Uint16(in.img.Code[in.pc:])
	in.pc += 2
	return v
}

func (in *interp) readU32() uint32 {
	v := binary.LittleEndian.Uint32(in.img.Code[in.pc:])
	in.pc += 4
	return v
}

func (in *interp) readI64() int64 {
	v := binary.LittleEndian.Uint64(in.img.Code[in.pc:])
	in.pc += 8
	return int64(v)
}

// name reads a NAME operand: a constant pool index known (after
// verification) to reference a Str constant.
func (in *interp) name() string {
	return in.img.Consts[in.readU16()].Str()
}

// globalsView returns the globals mapping the current frame resolves
// against: the defining module's for function frames, the VM's at top
// level.
func (in *interp) globalsView() map[string]Value {
	if len(in.frames) > 0 {
		return in.frames[len(in.frames)-1].Globals
	}
	return in.globals
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// run executes from the current program counter until halt, off-the-end
// termination, or an unhandled error.
func (in *interp) run() (Value, *VMError) {
	code := in.img.Code
	for {
		if int(in.pc) >= len(code) {
			// Reaching the end of the code vector is an implicit HALT.
			return in.haltValue(), nil
		}
		at := in.pc
		op := Opcode(code[in.pc])
		in.pc++
		in.fuel++

		var err *VMError
		switch op {
		case OpNop:

		case OpPop:
			_, err = in.pop()

		case OpDup:
			if len(in.stack) == 0 {
				err = invariant("operand stack underflow")
			} else {
				in.push(in.stack[len(in.stack)-1])
			}

		case OpPushInt:
			in.push(IntValue(in.readI64()))

		case OpPushStr:
			in.push(in.img.Consts[in.readU16()])

		case OpPushBool:
			in.push(BoolValue(in.readU8() != 0))

		case OpPushNone:
			in.push(None)

		case OpLoad:
			err = in.load(in.name())

		case OpStore:
			err = in.store(in.name())

		case OpStoreGlobal:
			var v Value
			if v, err = in.pop(); err == nil {
				in.globalsView()[in.name()] = v
			}

		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			err = in.arith(op)

		case OpNeg:
			var v Value
			if v, err = in.pop(); err == nil {
				if !v.IsInt() {
					err = typeErrorf("unary - expects an int, got %s", v.Kind())
				} else {
					in.push(IntValue(-v.Int()))
				}
			}

		case OpBand, OpBor, OpBxor, OpShl, OpShr:
			err = in.bitwise(op)

		case OpBnot:
			var v Value
			if v, err = in.pop(); err == nil {
				if !v.IsInt() {
					err = typeErrorf("~ expects an int, got %s", v.Kind())
				} else {
					in.push(IntValue(^v.Int()))
				}
			}

		case OpEq, OpNe:
			var a, b Value
			if a, b, err = in.pop2(); err == nil {
				eq := a.Equal(b)
				in.push(BoolValue(eq == (op == OpEq)))
			}

		case OpLt, OpLe, OpGt, OpGe:
			err = in.compare(op)

		case OpNot:
			var v Value
			if v, err = in.pop(); err == nil {
				in.push(BoolValue(!v.Truthy()))
			}

		case OpAnd, OpOr:
			var a, b Value
			if a, b, err = in.pop2(); err == nil {
				if op == OpAnd {
					in.push(BoolValue(a.Truthy() && b.Truthy()))
				} else {
					in.push(BoolValue(a.Truthy() || b.Truthy()))
				}
			}

		case OpBuildList:
			n := int(in.readU16())
			var items []Value
			if items, err = in.popArgs(n); err == nil {
				in.push(NewList(items...))
			}

		case OpBuildDict:
			err = in.buildDict(int(in.readU16()))

		case OpIndex:
			err = in.index()

		case OpSlice:
			err = in.slice()

		case OpIndexSet:
			err = in.indexSet()

		case OpAttr:
			name := in.name()
			var target Value
			if target, err = in.pop(); err == nil {
				err = in.indexInto(target, StrValue(name))
			}

		case OpAttrSet:
			name := in.name()
			var target, v Value
			if target, v, err = in.pop2(); err == nil {
				err = in.setInto(target, StrValue(name), v)
			}

		case OpJmp:
			in.pc = in.readU32()

		case OpJmpIfFalse:
			target := in.readU32()
			var v Value
			if v, err = in.pop(); err == nil && !v.Truthy() {
				in.pc = target
			}

		case OpCall:
			fidx := int(in.readU16())
			argc := int(in.readU8())
			err = in.call(fidx, argc, false)

		case OpTcall:
			fidx := int(in.readU16())
			argc := int(in.readU8())
			err = in.call(fidx, argc, true)

		case OpCallValue:
			err = in.callValue(int(in.readU8()))

		case OpReturn:
			var v Value
			if v, err = in.pop(); err == nil {
				err = in.doReturn(v)
			}

		case OpHalt:
			return in.haltValue(), nil

		case OpSetupExcept:
			handler := in.readU32()
			in.blocks = append(in.blocks, Block{
				Handler:    handler,
				Depth:      len(in.stack),
				FrameDepth: len(in.frames),
			})

		case OpPopBlock:
			if len(in.blocks) == 0 {
				err = invariant("POP_BLOCK on empty block stack")
			} else {
				in.blocks = in.blocks[:len(in.blocks)-1]
			}

		case OpRaise:
			kind := ErrorKind(in.readU8())
			var msg Value
			if msg, err = in.pop(); err == nil {
				err = newError(kind, "%s", msg.Format())
			}

		case OpLegacyRaiseGeneric, OpLegacyRaiseType, OpLegacyRaiseValue,
			OpLegacyRaiseIndex, OpLegacyRaiseKey:
			var msg Value
			if msg, err = in.pop(); err == nil {
				err = newError(legacyRaiseKinds[op], "%s", msg.Format())
			}

		case OpAssert:
			var v Value
			if v, err = in.pop(); err == nil && !v.Truthy() {
				err = newError(ErrAssertion, "Assertion failed")
			}

		case OpEmit:
			var v Value
			if v, err = in.pop(); err == nil {
				in.vm.emit(v.Format())
			}

		case OpBuiltin:
			bname := in.name()
			argc := int(in.readU8())
			var args []Value
			if args, err = in.popArgs(argc); err == nil {
				var res Value
				if res, err = in.vm.CallBuiltin(bname, args); err == nil {
					in.push(res)
				}
			}

		default:
			err = invariant("bad opcode %02X at offset %d", byte(op), at)
		}

		if err != nil {
			if fatal := in.unwind(err, at); fatal != nil {
				return None, fatal
			}
		}
	}
}

// haltValue is the program's return value at normal termination: the top
// of the operand stack if one remains, otherwise None.
func (in *interp) haltValue() Value {
	if len(in.stack) > 0 {
		return in.stack[len(in.stack)-1]
	}
	return None
}

// ---------------------------------------------------------------------------
// Unwinding
// ---------------------------------------------------------------------------

// unwind delivers an error to the topmost handler block, or returns it
// when it is fatal or no handler is installed. On delivery the operand
// stack is truncated to the block's depth, frames deeper than the block
// are popped, and the error value is pushed for the handler to consume.
func (in *interp) unwind(err *VMError, at uint32) *VMError {
	if err.Line == 0 {
		err.Line = in.img.LineFor(at)
	}
	if !err.Kind.Catchable() {
		return err
	}
	if len(in.blocks) == 0 {
		return err
	}
	b := in.blocks[len(in.blocks)-1]
	in.blocks = in.blocks[:len(in.blocks)-1]
	if len(in.stack) < b.Depth || len(in.frames) < b.FrameDepth {
		return invariant("corrupt block record during unwind")
	}
	in.stack = in.stack[:b.Depth]
	in.frames = in.frames[:b.FrameDepth]
	in.push(err.AsValue())
	in.pc = b.Handler
	return nil
}

// ---------------------------------------------------------------------------
// Variables
// ---------------------------------------------------------------------------

// load resolves a name: current frame locals first, then the frame's
// globals view, then the function table (yielding a FuncRef).
func (in *interp) load(name string) *VMError {
	if len(in.frames) > 0 {
		if v, ok := in.frames[len(in.frames)-1].Locals[name]; ok {
			in.push(v)
			return nil
		}
	}
	if v, ok := in.globalsView()[name]; ok {
		in.push(v)
		return nil
	}
	for i := range in.img.Funcs {
		if in.img.Funcs[i].Name == name {
			in.push(FuncRefValue(&FuncRef{Index: i, Name: name, Globals: in.globals}))
			return nil
		}
	}
	return newError(ErrUndefinedIdent, "Undefined identifier '%s'", name)
}

// store pops into the current frame's locals, or into globals at top level.
func (in *interp) store(name string) *VMError {
	v, err := in.pop()
	if err != nil {
		return err
	}
	if len(in.frames) > 0 {
		in.frames[len(in.frames)-1].Locals[name] = v
	} else {
		in.globals[name] = v
	}
	return nil
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// call implements CALL and TCALL against a function table index.
func (in *interp) call(fidx, argc int, tail bool) *VMError {
	f := &in.img.Funcs[fidx]

	if f.IsBuiltin() {
		// A builtin trampoline in the function table: execute as a regular
		// builtin call. In tail position that is BUILTIN followed by
		// RETURN of its result, in the caller's frame.
		args, err := in.popArgs(argc)
		if err != nil {
			return err
		}
		res, err := in.vm.CallBuiltin(f.Name, args)
		if err != nil {
			return err
		}
		if tail && len(in.frames) > 0 {
			return in.doReturn(res)
		}
		in.push(res)
		return nil
	}

	if argc != f.ParamCount {
		return typeErrorf("Function '%s' expects %d arguments", f.Name, f.ParamCount)
	}
	args, err := in.popArgs(argc)
	if err != nil {
		return err
	}
	locals := make(map[string]Value, f.ParamCount)
	for i, param := range f.Params() {
		locals[param] = args[i]
	}

	if tail && len(in.frames) > 0 {
		// Replace the current frame: locals are rebound and the pc moves
		// to the callee, while the return coordinates recorded at the
		// original call site are preserved. Frame depth stays constant.
		top := &in.frames[len(in.frames)-1]
		top.Locals = locals
		top.FnIndex = fidx
		in.pc = f.Entry
		return nil
	}

	in.frames = append(in.frames, Frame{
		Locals:   locals,
		Globals:  in.globalsView(),
		ReturnPC: in.pc,
		Depth:    len(in.stack),
		BlockDep: len(in.blocks),
		FnIndex:  fidx,
	})
	if len(in.frames) > in.maxFrames {
		in.maxFrames = len(in.frames)
	}
	in.pc = f.Entry
	return nil
}

// callValue implements CALL_VALUE: the callee is popped from the stack and
// may be a FuncRef or a function name string.
func (in *interp) callValue(argc int) *VMError {
	args, err := in.popArgs(argc)
	if err != nil {
		return err
	}
	callee, err := in.pop()
	if err != nil {
		return err
	}

	var fidx int
	var globals map[string]Value
	switch {
	case callee.Kind() == KindFuncRef:
		fidx = callee.FuncRef().Index
		globals = callee.FuncRef().Globals
	case callee.IsStr():
		fidx = -1
		for i := range in.img.Funcs {
			if in.img.Funcs[i].Name == callee.Str() {
				fidx = i
				break
			}
		}
		if fidx < 0 {
			return newError(ErrUndefinedIdent, "Unknown function '%s'", callee.Str())
		}
		globals = in.globals
	default:
		return typeErrorf("cannot call a %s value", callee.Kind())
	}

	f := &in.img.Funcs[fidx]
	if f.IsBuiltin() {
		res, berr := in.vm.CallBuiltin(f.Name, args)
		if berr != nil {
			return berr
		}
		in.push(res)
		return nil
	}
	if len(args) != f.ParamCount {
		return typeErrorf("Function '%s' expects %d arguments", f.Name, f.ParamCount)
	}
	locals := make(map[string]Value, f.ParamCount)
	for i, param := range f.Params() {
		locals[param] = args[i]
	}
	in.frames = append(in.frames, Frame{
		Locals:   locals,
		Globals:  globals,
		ReturnPC: in.pc,
		Depth:    len(in.stack),
		BlockDep: len(in.blocks),
		FnIndex:  fidx,
	})
	if len(in.frames) > in.maxFrames {
		in.maxFrames = len(in.frames)
	}
	in.pc = f.Entry
	return nil
}

// doReturn pops the current frame, restores the caller's stack discipline,
// and pushes the return value.
func (in *interp) doReturn(v Value) *VMError {
	if len(in.frames) == 0 {
		return invariant("RETURN with no active frame")
	}
	f := in.frames[len(in.frames)-1]
	if len(in.stack) != f.Depth {
		return invariant("operand stack depth %d at RETURN, caller recorded %d",
			len(in.stack), f.Depth)
	}
	in.frames = in.frames[:len(in.frames)-1]
	if len(in.blocks) > f.BlockDep {
		in.blocks = in.blocks[:f.BlockDep]
	}
	in.push(v)
	in.pc = f.ReturnPC
	return nil
}

// ---------------------------------------------------------------------------
// Arithmetic, comparison, bitwise
// ---------------------------------------------------------------------------

func (in *interp) arith(op Opcode) *VMError {
	a, b, err := in.pop2()
	if err != nil {
		return err
	}

	if op == OpAdd {
		switch {
		case a.IsInt() && b.IsInt():
			in.push(IntValue(a.Int() + b.Int()))
		case a.Kind() == KindList && b.Kind() == KindList:
			items := make([]Value, 0, len(a.List().Items)+len(b.List().Items))
			items = append(items, a.List().Items...)
			items = append(items, b.List().Items...)
			in.push(NewList(items...))
		case a.IsStr():
			in.push(StrValue(a.Str() + b.Format()))
		case b.IsStr():
			in.push(StrValue(a.Format() + b.Str()))
		default:
			return typeErrorf("unsupported operand types for +: %s and %s", a.Kind(), b.Kind())
		}
		return nil
	}

	if !a.IsInt() || !b.IsInt() {
		return typeErrorf("unsupported operand types for %s: %s and %s", op, a.Kind(), b.Kind())
	}
	x, y := a.Int(), b.Int()
	switch op {
	case OpSub:
		in.push(IntValue(x - y))
	case OpMul:
		in.push(IntValue(x * y))
	case OpDiv:
		if y == 0 {
			return newError(ErrZeroDivision, "division by zero")
		}
		in.push(IntValue(x / y))
	case OpMod:
		if y == 0 {
			return newError(ErrZeroDivision, "modulo by zero")
		}
		in.push(IntValue(x % y))
	}
	return nil
}

func (in *interp) bitwise(op Opcode) *VMError {
	a, b, err := in.pop2()
	if err != nil {
		return err
	}
	if !a.IsInt() || !b.IsInt() {
		return typeErrorf("%s expects ints, got %s and %s", op, a.Kind(), b.Kind())
	}
	x, y := a.Int(), b.Int()
	switch op {
	case OpBand:
		in.push(IntValue(x & y))
	case OpBor:
		in.push(IntValue(x | y))
	case OpBxor:
		in.push(IntValue(x ^ y))
	case OpShl, OpShr:
		if y < 0 {
			return newError(ErrValue, "negative shift count %d", y)
		}
		if op == OpShl {
			in.push(IntValue(x << uint(y)))
		} else {
			in.push(IntValue(x >> uint(y)))
		}
	}
	return nil
}

func (in *interp) compare(op Opcode) *VMError {
	a, b, err := in.pop2()
	if err != nil {
		return err
	}
	var less, equal bool
	switch {
	case a.IsInt() && b.IsInt():
		less, equal = a.Int() < b.Int(), a.Int() == b.Int()
	case a.IsStr() && b.IsStr():
		less, equal = a.Str() < b.Str(), a.Str() == b.Str()
	default:
		return typeErrorf("cannot order %s and %s", a.Kind(), b.Kind())
	}
	var res bool
	switch op {
	case OpLt:
		res = less
	case OpLe:
		res = less || equal
	case OpGt:
		res = !less && !equal
	case OpGe:
		res = !less
	}
	in.push(BoolValue(res))
	return nil
}

// ---------------------------------------------------------------------------
// Structures
// ---------------------------------------------------------------------------

// keyString converts an index value to a dict key: strings directly,
// everything else through the canonical formatter (so d[1] and d["1"]
// address the same slot).
func keyString(k Value) string {
	if k.IsStr() {
		return k.Str()
	}
	return k.Format()
}

func (in *interp) buildDict(n int) *VMError {
	if len(in.stack) < 2*n {
		return invariant("operand stack underflow building dict of %d entries", n)
	}
	base := len(in.stack) - 2*n
	d := NewDict()
	for i := 0; i < n; i++ {
		k := in.stack[base+2*i]
		v := in.stack[base+2*i+1]
		d.Dict().Set(keyString(k), v)
	}
	in.stack = in.stack[:base]
	in.push(d)
	return nil
}

func (in *interp) index() *VMError {
	target, key, err := in.pop2()
	if err != nil {
		return err
	}
	return in.indexInto(target, key)
}

// indexInto pushes target[key] or returns the per-target-kind error.
func (in *interp) indexInto(target, key Value) *VMError {
	switch target.Kind() {
	case KindList:
		if !key.IsInt() {
			return typeErrorf("list index must be an int, got %s", key.Kind())
		}
		items := target.List().Items
		i := key.Int()
		if i < 0 || i >= int64(len(items)) {
			return newError(ErrIndex, "list index %d out of range for length %d", i, len(items))
		}
		in.push(items[i])
	case KindStr:
		if !key.IsInt() {
			return typeErrorf("string index must be an int, got %s", key.Kind())
		}
		runes := []rune(target.Str())
		i := key.Int()
		if i < 0 || i >= int64(len(runes)) {
			return newError(ErrIndex, "string index %d out of range for length %d", i, len(runes))
		}
		in.push(StrValue(string(runes[i])))
	case KindDict, KindFrozenDict:
		k := keyString(key)
		v, ok := target.Dict().Get(k)
		if !ok {
			return newError(ErrKey, "key '%s' not found", k)
		}
		in.push(v)
	default:
		return typeErrorf("cannot index a %s value", target.Kind())
	}
	return nil
}

func (in *interp) slice() *VMError {
	endV, err := in.pop()
	if err != nil {
		return err
	}
	target, startV, err := in.pop2()
	if err != nil {
		return err
	}
	if !startV.IsInt() {
		return typeErrorf("slice start must be an int, got %s", startV.Kind())
	}
	start := startV.Int()

	length := func() int64 {
		if target.Kind() == KindList {
			return int64(len(target.List().Items))
		}
		return int64(len([]rune(target.Str())))
	}

	switch target.Kind() {
	case KindList, KindStr:
		n := length()
		end := n
		if !endV.IsNone() {
			if !endV.IsInt() {
				return typeErrorf("slice end must be an int or none, got %s", endV.Kind())
			}
			end = endV.Int()
		}
		if start < 0 || end > n || start > end {
			return newError(ErrIndex, "slice bounds [%d:%d] invalid for length %d", start, end, n)
		}
		if target.Kind() == KindList {
			items := append([]Value(nil), target.List().Items[start:end]...)
			in.push(NewList(items...))
		} else {
			runes := []rune(target.Str())
			in.push(StrValue(string(runes[start:end])))
		}
	default:
		return typeErrorf("cannot slice a %s value", target.Kind())
	}
	return nil
}

func (in *interp) indexSet() *VMError {
	v, err := in.pop()
	if err != nil {
		return err
	}
	target, key, err := in.pop2()
	if err != nil {
		return err
	}
	return in.setInto(target, key, v)
}

// setInto mutates target[key] in place. Lists extend with None when the
// index is past the end; frozen dicts reject every mutation.
func (in *interp) setInto(target, key, v Value) *VMError {
	switch target.Kind() {
	case KindList:
		if !key.IsInt() {
			return typeErrorf("list index must be an int, got %s", key.Kind())
		}
		i := key.Int()
		if i < 0 {
			return newError(ErrIndex, "list index %d out of range", i)
		}
		l := target.List()
		for int64(len(l.Items)) <= i {
			l.Items = append(l.Items, None)
		}
		l.Items[i] = v
	case KindDict:
		target.Dict().Set(keyString(key), v)
	case KindFrozenDict:
		return typeErrorf("cannot mutate a frozen dict")
	default:
		return typeErrorf("cannot assign into a %s value", target.Kind())
	}
	return nil
}
