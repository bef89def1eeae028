package vm

import "fmt"

// ---------------------------------------------------------------------------
// Runtime error taxonomy
// ---------------------------------------------------------------------------

// ErrorKind classifies a runtime error. Kinds below VmInvariant are
// raiseable from programs and catchable by SETUP_EXCEPT handlers;
// VmInvariant is fatal and skips unwinding entirely.
type ErrorKind uint8

const (
	ErrGeneric        ErrorKind = 0
	ErrSyntax         ErrorKind = 1
	ErrType           ErrorKind = 2
	ErrUndefinedIdent ErrorKind = 3
	ErrValue          ErrorKind = 4
	ErrModuleImport   ErrorKind = 5
	ErrAssertion      ErrorKind = 6
	ErrIndex          ErrorKind = 7
	ErrKey            ErrorKind = 8
	ErrZeroDivision   ErrorKind = 9
	// ErrIO is produced by file builtins. It is catchable but has no RAISE
	// operand encoding of its own.
	ErrIO ErrorKind = 10

	ErrVmInvariant ErrorKind = 255
)

var errorKindNames = map[ErrorKind]string{
	ErrGeneric:        "Generic",
	ErrSyntax:         "Syntax",
	ErrType:           "Type",
	ErrUndefinedIdent: "UndefinedIdent",
	ErrValue:          "Value",
	ErrModuleImport:   "ModuleImport",
	ErrAssertion:      "Assertion",
	ErrIndex:          "Index",
	ErrKey:            "Key",
	ErrZeroDivision:   "ZeroDivision",
	ErrIO:             "IO",
	ErrVmInvariant:    "VmInvariant",
}

// String returns the kind's name as surfaced to programs and embedders.
func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(k))
}

// Catchable reports whether a SETUP_EXCEPT handler may receive this kind.
func (k ErrorKind) Catchable() bool {
	return k != ErrVmInvariant
}

// ValidRaiseKind reports whether a RAISE operand byte names an encodable
// kind. VmInvariant (255) is encodable but uncatchable: raising it aborts
// the VM. IO has no RAISE encoding; it is produced only by file builtins.
func ValidRaiseKind(b byte) bool {
	k := ErrorKind(b)
	_, ok := errorKindNames[k]
	return ok && k != ErrIO
}

// ErrorKindByName resolves a kind from its user-visible name, for the
// two-argument raise builtin.
func ErrorKindByName(name string) (ErrorKind, bool) {
	for k, n := range errorKindNames {
		if n == name && k != ErrVmInvariant {
			return k, true
		}
	}
	return 0, false
}

// VMError is a runtime error carrying its kind, a human-readable message
// and, when the image retained a line table, the offending source line.
type VMError struct {
	Kind    ErrorKind
	Message string
	Line    int
}

// Error implements the error interface.
func (e *VMError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Kind, e.Message, e.Line)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// newError builds a VMError with a formatted message.
func newError(kind ErrorKind, format string, args ...interface{}) *VMError {
	return &VMError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// typeErrorf is shorthand for the most common kind.
func typeErrorf(format string, args ...interface{}) *VMError {
	return newError(ErrType, format, args...)
}

// invariant builds a fatal VmInvariant error.
func invariant(format string, args ...interface{}) *VMError {
	return newError(ErrVmInvariant, format, args...)
}

// AsValue renders the error as the Dict {kind, message} pushed for a
// handler to consume.
func (e *VMError) AsValue() Value {
	d := NewDict()
	d.Dict().Set("kind", StrValue(e.Kind.String()))
	d.Dict().Set("message", StrValue(e.Message))
	return d
}
