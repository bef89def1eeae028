package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Image format constants
// ---------------------------------------------------------------------------

// ImageMagic identifies an OMG bytecode image (.omgb).
var ImageMagic = [4]byte{'O', 'M', 'G', 'B'}

// ImageVersion is the current container version. A mismatch is fatal at
// load time.
const ImageVersion uint16 = 1

// Image flags
const (
	ImageFlagNone      uint16 = 0
	ImageFlagDebugInfo uint16 = 1 << 0 // line table section present after ENTRY
)

// Constant pool tags
const (
	constTagInt byte = 0
	constTagStr byte = 1
)

// BuiltinEntry marks a function-table entry that is a trampoline to a
// builtin of the same name. A defensive compiler never emits these, but a
// VM that receives one executes CALL/TCALL on it as a builtin call.
const BuiltinEntry uint32 = 0xFFFFFFFF

// ---------------------------------------------------------------------------
// Image error types
// ---------------------------------------------------------------------------

var (
	ErrInvalidMagic       = errors.New("invalid magic number: expected OMGB")
	ErrVersionMismatch    = errors.New("image version mismatch")
	ErrTruncated          = errors.New("unexpected end of image data")
	ErrBadConstantTag     = errors.New("invalid constant pool tag")
	ErrBadConstantIndex   = errors.New("constant index out of range")
	ErrBadOpcode          = errors.New("invalid opcode")
	ErrTruncatedCode      = errors.New("truncated instruction")
	ErrBadJumpTarget      = errors.New("jump target outside code or inside an instruction")
	ErrBadEntryOffset     = errors.New("entry offset outside code or inside an instruction")
	ErrBadFunctionIndex   = errors.New("function index out of range")
	ErrBadRaiseKind       = errors.New("invalid raise kind")
	ErrBadStringConstant  = errors.New("name operand does not reference a string constant")
	ErrMalformedString    = errors.New("string constant is not valid UTF-8")
	ErrBadParamCount      = errors.New("function parameter count exceeds local names")
)

// ---------------------------------------------------------------------------
// Image: the loaded, immutable program
// ---------------------------------------------------------------------------

// Function is one record of the function table. Its parameters are the
// first ParamCount entries of Locals; a builtin trampoline may have no
// Locals at all.
type Function struct {
	Name       string
	ParamCount int
	Entry      uint32
	Locals     []string
}

// IsBuiltin reports whether this entry is a builtin trampoline.
func (f *Function) IsBuiltin() bool {
	return f.Entry == BuiltinEntry
}

// Params returns the declared parameter names.
func (f *Function) Params() []string {
	return f.Locals[:f.ParamCount]
}

// LineEntry maps a code offset to a source line, for diagnostics.
type LineEntry struct {
	PC   uint32
	Line uint32
}

// Image is a loaded, verified program. It is immutable after load; the VM
// shares it freely across runs.
type Image struct {
	Version uint16
	Flags   uint16
	Consts  []Value // Int and Str values only
	Funcs   []Function
	Code    []byte
	Entry   uint32
	Lines   []LineEntry // sorted by PC; empty unless ImageFlagDebugInfo
}

// LineFor returns the source line recorded for a code offset, or 0.
func (img *Image) LineFor(pc uint32) int {
	line := 0
	for _, e := range img.Lines {
		if e.PC > pc {
			break
		}
		line = int(e.Line)
	}
	return line
}

// strConst returns the string constant at idx, if idx is in range and
// tagged Str.
func (img *Image) strConst(idx uint16) (string, bool) {
	if int(idx) >= len(img.Consts) || !img.Consts[idx].IsStr() {
		return "", false
	}
	return img.Consts[idx].Str(), true
}

// ---------------------------------------------------------------------------
// imageCursor: sectioned little-endian reader
// ---------------------------------------------------------------------------

type imageCursor struct {
	data   []byte
	offset int
}

func (c *imageCursor) remaining() int {
	return len(c.data) - c.offset
}

func (c *imageCursor) readBytes(n int) ([]byte, error) {
	if c.remaining() < n {
		return nil, ErrTruncated
	}
	b := c.data[c.offset : c.offset+n]
	c.offset += n
	return b, nil
}

func (c *imageCursor) readU8() (byte, error) {
	b, err := c.readBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *imageCursor) readU16() (uint16, error) {
	b, err := c.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *imageCursor) readU32() (uint32, error) {
	b, err := c.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *imageCursor) readI64() (int64, error) {
	b, err := c.readBytes(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// LoadImage decodes and verifies a .omgb byte sequence. Every returned
// error wraps one of the Err* sentinels above; all of them are fatal load
// errors (the ImageError taxonomy).
func LoadImage(data []byte) (*Image, error) {
	c := &imageCursor{data: data}

	magic, err := c.readBytes(4)
	if err != nil {
		return nil, fmt.Errorf("%w: reading header", ErrTruncated)
	}
	if [4]byte(magic) != ImageMagic {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidMagic, magic)
	}
	version, err := c.readU16()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header", ErrTruncated)
	}
	if version != ImageVersion {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, ImageVersion, version)
	}
	flags, err := c.readU16()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header", ErrTruncated)
	}

	img := &Image{Version: version, Flags: flags}

	if err := readConstPool(c, img); err != nil {
		return nil, err
	}
	if err := readFuncTable(c, img); err != nil {
		return nil, err
	}

	codeLen, err := c.readU32()
	if err != nil {
		return nil, fmt.Errorf("%w: reading code length", ErrTruncated)
	}
	code, err := c.readBytes(int(codeLen))
	if err != nil {
		return nil, fmt.Errorf("%w: reading code vector", ErrTruncated)
	}
	img.Code = code

	entry, err := c.readU32()
	if err != nil {
		return nil, fmt.Errorf("%w: reading entry offset", ErrTruncated)
	}
	img.Entry = entry

	if flags&ImageFlagDebugInfo != 0 {
		if err := readLineTable(c, img); err != nil {
			return nil, err
		}
	}

	if err := verify(img); err != nil {
		return nil, err
	}
	return img, nil
}

func readConstPool(c *imageCursor, img *Image) error {
	count, err := c.readU32()
	if err != nil {
		return fmt.Errorf("%w: reading constant pool count", ErrTruncated)
	}
	img.Consts = make([]Value, 0, count)
	for i := uint32(0); i < count; i++ {
		tag, err := c.readU8()
		if err != nil {
			return fmt.Errorf("%w: reading constant %d", ErrTruncated, i)
		}
		switch tag {
		case constTagInt:
			n, err := c.readI64()
			if err != nil {
				return fmt.Errorf("%w: reading constant %d", ErrTruncated, i)
			}
			img.Consts = append(img.Consts, IntValue(n))
		case constTagStr:
			n, err := c.readU32()
			if err != nil {
				return fmt.Errorf("%w: reading constant %d", ErrTruncated, i)
			}
			b, err := c.readBytes(int(n))
			if err != nil {
				return fmt.Errorf("%w: reading constant %d", ErrTruncated, i)
			}
			if !utf8.Valid(b) {
				return fmt.Errorf("%w: constant %d", ErrMalformedString, i)
			}
			img.Consts = append(img.Consts, StrValue(string(b)))
		default:
			return fmt.Errorf("%w: constant %d has tag %d", ErrBadConstantTag, i, tag)
		}
	}
	return nil
}

func readFuncTable(c *imageCursor, img *Image) error {
	count, err := c.readU32()
	if err != nil {
		return fmt.Errorf("%w: reading function table count", ErrTruncated)
	}
	img.Funcs = make([]Function, 0, count)
	for i := uint32(0); i < count; i++ {
		nameIdx, err := c.readU16()
		if err != nil {
			return fmt.Errorf("%w: reading function %d", ErrTruncated, i)
		}
		name, ok := img.strConst(nameIdx)
		if !ok {
			return fmt.Errorf("%w: function %d name", ErrBadStringConstant, i)
		}
		paramCount, err := c.readU8()
		if err != nil {
			return fmt.Errorf("%w: reading function %d", ErrTruncated, i)
		}
		entry, err := c.readU32()
		if err != nil {
			return fmt.Errorf("%w: reading function %d", ErrTruncated, i)
		}
		localCount, err := c.readU16()
		if err != nil {
			return fmt.Errorf("%w: reading function %d", ErrTruncated, i)
		}
		locals := make([]string, 0, localCount)
		for j := uint16(0); j < localCount; j++ {
			localIdx, err := c.readU16()
			if err != nil {
				return fmt.Errorf("%w: reading function %d local %d", ErrTruncated, i, j)
			}
			local, ok := img.strConst(localIdx)
			if !ok {
				return fmt.Errorf("%w: function %d local %d", ErrBadStringConstant, i, j)
			}
			locals = append(locals, local)
		}
		// Builtin trampolines bind no locals, so only code-backed functions
		// need their parameters among the local names.
		if entry != BuiltinEntry && int(paramCount) > len(locals) {
			return fmt.Errorf("%w: function %q declares %d params, %d locals",
				ErrBadParamCount, name, paramCount, len(locals))
		}
		img.Funcs = append(img.Funcs, Function{
			Name:       name,
			ParamCount: int(paramCount),
			Entry:      entry,
			Locals:     locals,
		})
	}
	return nil
}

func readLineTable(c *imageCursor, img *Image) error {
	count, err := c.readU32()
	if err != nil {
		return fmt.Errorf("%w: reading line table count", ErrTruncated)
	}
	img.Lines = make([]LineEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		pc, err := c.readU32()
		if err != nil {
			return fmt.Errorf("%w: reading line entry %d", ErrTruncated, i)
		}
		line, err := c.readU32()
		if err != nil {
			return fmt.Errorf("%w: reading line entry %d", ErrTruncated, i)
		}
		img.Lines = append(img.Lines, LineEntry{PC: pc, Line: line})
	}
	return nil
}

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

// verify performs the two-pass decode: pass 1 enumerates every instruction
// to index its start offset, validating opcodes, operand completeness, and
// pool/table indices along the way; pass 2 checks that every jump target
// and function entry lands on an indexed start.
func verify(img *Image) error {
	starts := make(map[uint32]bool, len(img.Code)/2)
	var jumps []uint32

	r := NewBytecodeReader(img.Code)
	for r.HasMore() {
		at := uint32(r.Position())
		starts[at] = true

		op := Opcode(img.Code[at])
		info, known := op.Info()
		if !known {
			return fmt.Errorf("%w: byte %02X at offset %d", ErrBadOpcode, byte(op), at)
		}
		if int(at)+1+info.OperandBytes > len(img.Code) {
			return fmt.Errorf("%w: %s at offset %d", ErrTruncatedCode, info.Name, at)
		}
		r.Skip(1) // opcode byte

		switch op {
		case OpPushStr, OpLoad, OpStore, OpStoreGlobal, OpAttr, OpAttrSet:
			idx := r.ReadUint16()
			if _, ok := img.strConst(idx); !ok {
				return fmt.Errorf("%w: %s at offset %d references constant %d",
					ErrBadStringConstant, info.Name, at, idx)
			}
		case OpJmp, OpJmpIfFalse, OpSetupExcept:
			jumps = append(jumps, r.ReadUint32())
		case OpCall, OpTcall:
			idx := r.ReadUint16()
			r.Skip(1)
			if int(idx) >= len(img.Funcs) {
				return fmt.Errorf("%w: %s at offset %d targets function %d of %d",
					ErrBadFunctionIndex, info.Name, at, idx, len(img.Funcs))
			}
		case OpBuiltin:
			idx := r.ReadUint16()
			r.Skip(1)
			if _, ok := img.strConst(idx); !ok {
				return fmt.Errorf("%w: BUILTIN at offset %d references constant %d",
					ErrBadStringConstant, at, idx)
			}
		case OpRaise:
			kind := r.ReadByte()
			if !ValidRaiseKind(kind) {
				return fmt.Errorf("%w: %d at offset %d", ErrBadRaiseKind, kind, at)
			}
		default:
			r.Skip(info.OperandBytes)
		}
	}
	// Running off the end of the code vector is an implicit HALT, so the
	// end offset is a legal resume point.
	starts[uint32(len(img.Code))] = true

	for _, target := range jumps {
		if !starts[target] {
			return fmt.Errorf("%w: target %d", ErrBadJumpTarget, target)
		}
	}
	for i := range img.Funcs {
		f := &img.Funcs[i]
		if f.IsBuiltin() {
			if !IsBuiltinName(f.Name) {
				return fmt.Errorf("%w: function %q marked builtin but unknown",
					ErrBadEntryOffset, f.Name)
			}
			continue
		}
		if !starts[f.Entry] {
			return fmt.Errorf("%w: function %q entry %d", ErrBadEntryOffset, f.Name, f.Entry)
		}
	}
	if !starts[img.Entry] {
		return fmt.Errorf("%w: entry %d", ErrBadEntryOffset, img.Entry)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// WriteImage serializes an Image back to .omgb bytes. It is the loader's
// inverse, used by the tests. The constant pool
// must hold only Int and Str values and every function name and local must
// appear in it.
func WriteImage(img *Image) ([]byte, error) {
	strIdx := make(map[string]uint16)
	for i, v := range img.Consts {
		if v.IsStr() {
			if _, seen := strIdx[v.Str()]; !seen {
				strIdx[v.Str()] = uint16(i)
			}
		}
	}
	lookup := func(s string) (uint16, error) {
		idx, ok := strIdx[s]
		if !ok {
			return 0, fmt.Errorf("%w: %q not in constant pool", ErrBadConstantIndex, s)
		}
		return idx, nil
	}

	var buf []byte
	u16 := func(v uint16) { buf = binary.LittleEndian.AppendUint16(buf, v) }
	u32 := func(v uint32) { buf = binary.LittleEndian.AppendUint32(buf, v) }

	buf = append(buf, ImageMagic[:]...)
	u16(img.Version)
	u16(img.Flags)

	u32(uint32(len(img.Consts)))
	for _, v := range img.Consts {
		switch {
		case v.IsInt():
			buf = append(buf, constTagInt)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v.Int()))
		case v.IsStr():
			buf = append(buf, constTagStr)
			u32(uint32(len(v.Str())))
			buf = append(buf, v.Str()...)
		default:
			return nil, fmt.Errorf("%w: kind %s", ErrBadConstantTag, v.Kind())
		}
	}

	u32(uint32(len(img.Funcs)))
	for i := range img.Funcs {
		f := &img.Funcs[i]
		nameIdx, err := lookup(f.Name)
		if err != nil {
			return nil, err
		}
		u16(nameIdx)
		buf = append(buf, byte(f.ParamCount))
		u32(f.Entry)
		u16(uint16(len(f.Locals)))
		for _, local := range f.Locals {
			localIdx, err := lookup(local)
			if err != nil {
				return nil, err
			}
			u16(localIdx)
		}
	}

	u32(uint32(len(img.Code)))
	buf = append(buf, img.Code...)
	u32(img.Entry)

	if img.Flags&ImageFlagDebugInfo != 0 {
		u32(uint32(len(img.Lines)))
		for _, e := range img.Lines {
			u32(e.PC)
			u32(e.Line)
		}
	}
	return buf, nil
}
