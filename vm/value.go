package vm

import (
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Value: the tagged runtime value universe
// ---------------------------------------------------------------------------

// Kind identifies the variant carried by a Value.
type Kind uint8

const (
	KindNone Kind = iota
	KindInt
	KindStr
	KindBool
	KindList
	KindDict
	KindFrozenDict
	KindFuncRef
)

// kindNames maps kinds to their user-visible names.
var kindNames = map[Kind]string{
	KindNone:       "none",
	KindInt:        "int",
	KindStr:        "string",
	KindBool:       "bool",
	KindList:       "list",
	KindDict:       "dict",
	KindFrozenDict: "frozen dict",
	KindFuncRef:    "function",
}

// String returns the user-visible name of a kind, as used in type errors.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Value is a single OMG runtime value. Lists and dicts are carried by
// pointer, so copies of a Value share the underlying container (reference
// semantics). The zero Value is None.
type Value struct {
	kind Kind
	num  int64 // Int payload; Bool stored as 0/1
	str  string
	list *List
	dict *Dict
	fn   *FuncRef
}

// List is a mutable ordered sequence of values.
type List struct {
	Items []Value
}

// Dict is a string-keyed mapping that preserves insertion order. A Dict
// reached through a FrozenDict value rejects mutation at the instruction
// layer; the container itself is shared by reference.
type Dict struct {
	keys  []string
	items map[string]Value
}

// FuncRef refers to an entry in the function table. It carries the globals
// mapping of the module that defined the function, so imported functions
// keep access to their own top-level bindings.
type FuncRef struct {
	Index   int
	Name    string
	Globals map[string]Value
}

// Pre-built singletons for the payload-free values.
var (
	None  = Value{kind: KindNone}
	True  = Value{kind: KindBool, num: 1}
	False = Value{kind: KindBool, num: 0}
)

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// IntValue returns an Int value.
func IntValue(n int64) Value {
	return Value{kind: KindInt, num: n}
}

// StrValue returns a Str value.
func StrValue(s string) Value {
	return Value{kind: KindStr, str: s}
}

// BoolValue returns True or False.
func BoolValue(b bool) Value {
	if b {
		return True
	}
	return False
}

// ListValue wraps an existing List.
func ListValue(l *List) Value {
	return Value{kind: KindList, list: l}
}

// NewList builds a fresh List value holding the given items.
func NewList(items ...Value) Value {
	return Value{kind: KindList, list: &List{Items: items}}
}

// DictValue wraps an existing Dict.
func DictValue(d *Dict) Value {
	return Value{kind: KindDict, dict: d}
}

// FrozenDictValue wraps a Dict as an immutable value.
func FrozenDictValue(d *Dict) Value {
	return Value{kind: KindFrozenDict, dict: d}
}

// NewDict builds an empty Dict value.
func NewDict() Value {
	return Value{kind: KindDict, dict: &Dict{items: make(map[string]Value)}}
}

// FuncRefValue wraps a function table reference.
func FuncRefValue(fn *FuncRef) Value {
	return Value{kind: KindFuncRef, fn: fn}
}

// ---------------------------------------------------------------------------
// Accessors and predicates
// ---------------------------------------------------------------------------

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNone reports whether v is the None value.
func (v Value) IsNone() bool { return v.kind == KindNone }

// IsInt reports whether v is an Int.
func (v Value) IsInt() bool { return v.kind == KindInt }

// IsStr reports whether v is a Str.
func (v Value) IsStr() bool { return v.kind == KindStr }

// IsBool reports whether v is a Bool.
func (v Value) IsBool() bool { return v.kind == KindBool }

// IsDictLike reports whether v is a Dict or FrozenDict.
func (v Value) IsDictLike() bool {
	return v.kind == KindDict || v.kind == KindFrozenDict
}

// Int returns the Int payload. Valid only when IsInt.
func (v Value) Int() int64 { return v.num }

// Str returns the Str payload. Valid only when IsStr.
func (v Value) Str() string { return v.str }

// Bool returns the Bool payload. Valid only when IsBool.
func (v Value) Bool() bool { return v.num != 0 }

// List returns the list payload, or nil.
func (v Value) List() *List { return v.list }

// Dict returns the dict payload, or nil.
func (v Value) Dict() *Dict { return v.dict }

// FuncRef returns the function reference payload, or nil.
func (v Value) FuncRef() *FuncRef { return v.fn }

// Truthy implements the falsiness table: zero, empty, false and None are
// falsy; FuncRefs are always truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNone:
		return false
	case KindInt:
		return v.num != 0
	case KindStr:
		return v.str != ""
	case KindBool:
		return v.num != 0
	case KindList:
		return len(v.list.Items) > 0
	case KindDict, KindFrozenDict:
		return v.dict.Len() > 0
	case KindFuncRef:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Dict operations
// ---------------------------------------------------------------------------

// Len returns the number of entries.
func (d *Dict) Len() int { return len(d.keys) }

// Keys returns the keys in insertion order. The slice is shared; callers
// must not mutate it.
func (d *Dict) Keys() []string { return d.keys }

// Get looks up a key.
func (d *Dict) Get(key string) (Value, bool) {
	v, ok := d.items[key]
	return v, ok
}

// Set stores a key, appending to the insertion order when new.
func (d *Dict) Set(key string, v Value) {
	if _, ok := d.items[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.items[key] = v
}

// Clone returns a shallow copy with its own key order and map. Used by
// freeze so the original dict stays mutable.
func (d *Dict) Clone() *Dict {
	c := &Dict{
		keys:  make([]string, len(d.keys)),
		items: make(map[string]Value, len(d.items)),
	}
	copy(c.keys, d.keys)
	for k, v := range d.items {
		c.items[k] = v
	}
	return c
}

// ---------------------------------------------------------------------------
// Equality
// ---------------------------------------------------------------------------

// Equal implements ==. Cross-kind comparison is never equal, except that a
// FrozenDict compares equal to an identical Dict. Lists and dicts compare
// structurally; FuncRefs by table index.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		// FrozenDict vs Dict is the one permitted cross-kind comparison.
		if v.IsDictLike() && o.IsDictLike() {
			return dictsEqual(v.dict, o.dict)
		}
		return false
	}
	switch v.kind {
	case KindNone:
		return true
	case KindInt, KindBool:
		return v.num == o.num
	case KindStr:
		return v.str == o.str
	case KindList:
		if v.list == o.list {
			return true
		}
		if len(v.list.Items) != len(o.list.Items) {
			return false
		}
		for i := range v.list.Items {
			if !v.list.Items[i].Equal(o.list.Items[i]) {
				return false
			}
		}
		return true
	case KindDict, KindFrozenDict:
		return dictsEqual(v.dict, o.dict)
	case KindFuncRef:
		return v.fn.Index == o.fn.Index
	}
	return false
}

func dictsEqual(a, b *Dict) bool {
	if a == b {
		return true
	}
	if a.Len() != b.Len() {
		return false
	}
	for k, av := range a.items {
		bv, ok := b.items[k]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Canonical formatting
// ---------------------------------------------------------------------------

// Format renders a value with the canonical formatter: Int as decimal, Bool
// as true/false, None as "none", Str as its raw contents, List as
// "[a, b, ...]", Dict as "{k: v, ...}" in insertion order, FuncRef as
// "<fn name>". Reentry on the same List or Dict identity emits a
// placeholder so a cyclic container cannot recurse without bound.
func (v Value) Format() string {
	var sb strings.Builder
	formatInto(&sb, v, make(map[*List]bool), make(map[*Dict]bool))
	return sb.String()
}

func formatInto(sb *strings.Builder, v Value, seenL map[*List]bool, seenD map[*Dict]bool) {
	switch v.kind {
	case KindNone:
		sb.WriteString("none")
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.num, 10))
	case KindStr:
		sb.WriteString(v.str)
	case KindBool:
		if v.num != 0 {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case KindList:
		if seenL[v.list] {
			sb.WriteString("[...]")
			return
		}
		seenL[v.list] = true
		sb.WriteByte('[')
		for i, item := range v.list.Items {
			if i > 0 {
				sb.WriteString(", ")
			}
			formatInto(sb, item, seenL, seenD)
		}
		sb.WriteByte(']')
		delete(seenL, v.list)
	case KindDict, KindFrozenDict:
		if seenD[v.dict] {
			sb.WriteString("{...}")
			return
		}
		seenD[v.dict] = true
		sb.WriteByte('{')
		for i, k := range v.dict.keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			formatInto(sb, v.dict.items[k], seenL, seenD)
		}
		sb.WriteByte('}')
		delete(seenD, v.dict)
	case KindFuncRef:
		sb.WriteString("<fn ")
		sb.WriteString(v.fn.Name)
		sb.WriteByte('>')
	}
}

// String implements fmt.Stringer via the canonical formatter.
func (v Value) String() string {
	return v.Format()
}
