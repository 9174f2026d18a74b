package rhythm

import (
	"fmt"
	"sort"
	"strings"
)

// Kind discriminates the variants of Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNum
	KindStr
	KindList
	KindObj
	KindError
	KindPromise
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindBool:
		return "Bool"
	case KindNum:
		return "Num"
	case KindStr:
		return "Str"
	case KindList:
		return "List"
	case KindObj:
		return "Obj"
	case KindError:
		return "Error"
	case KindPromise:
		return "Promise"
	default:
		return "Unknown"
	}
}

// PromiseKind discriminates the sub-variants of a Promise handle.
type PromiseKind uint8

const (
	PromiseTask PromiseKind = iota
	PromiseSubWorkflow
	PromiseTimer
	PromiseSignal
	PromiseAll
	PromiseAny
	PromiseRace
)

// Promise is the handle variant of Value: "I depend on an external event."
type Promise struct {
	Kind       PromiseKind
	ID         string    // Task / SubWorkflow id
	FireAt     int64     // Timer: absolute fire instant, unix milliseconds
	SignalName string    // Signal: name to wait on
	Children   []Promise // All/Any/Race: the composed promises, in call order
}

// Value is the tagged-sum runtime value of the scripting language.
// Only one field group is meaningful per Kind; the rest are zero.
type Value struct {
	Kind Kind

	B Bool
	N float64
	S string
	L []Value
	O map[string]Value

	ErrCode string
	ErrMsg  string

	P *Promise
}

// Bool is an alias of bool. A zero-value Value{} has Kind Null, so its
// false B field is never read as a meaningful false.
type Bool = bool

func Null() Value                    { return Value{Kind: KindNull} }
func BoolVal(b bool) Value           { return Value{Kind: KindBool, B: b} }
func Num(n float64) Value            { return Value{Kind: KindNum, N: n} }
func Str(s string) Value             { return Value{Kind: KindStr, S: s} }
func List(items ...Value) Value      { return Value{Kind: KindList, L: items} }
func ListOf(items []Value) Value     { return Value{Kind: KindList, L: items} }
func Obj(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{Kind: KindObj, O: fields}
}
func ErrVal(code, message string) Value {
	return Value{Kind: KindError, ErrCode: code, ErrMsg: message}
}

func PromiseTaskVal(id string) Value {
	return Value{Kind: KindPromise, P: &Promise{Kind: PromiseTask, ID: id}}
}
func PromiseSubWorkflowVal(id string) Value {
	return Value{Kind: KindPromise, P: &Promise{Kind: PromiseSubWorkflow, ID: id}}
}
func PromiseTimerVal(fireAt int64) Value {
	return Value{Kind: KindPromise, P: &Promise{Kind: PromiseTimer, FireAt: fireAt}}
}
func PromiseSignalVal(name string) Value {
	return Value{Kind: KindPromise, P: &Promise{Kind: PromiseSignal, SignalName: name}}
}
func PromiseCompositeVal(kind PromiseKind, children []Value) (Value, error) {
	promises := make([]Promise, 0, len(children))
	for _, c := range children {
		if c.Kind != KindPromise {
			return Value{}, NewScriptError(CodeWrongArgType, "Promise.all/any/race requires a sequence of promises")
		}
		promises = append(promises, *c.P)
	}
	return Value{Kind: KindPromise, P: &Promise{Kind: kind, Children: promises}}, nil
}

// Truthy applies the language's truthiness rule: Null and false-Bool are
// falsy, everything else (including 0 and "") is truthy.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindNull:
		return false
	case KindBool:
		return v.B
	default:
		return true
	}
}

// IsNull reports whether v is the Null variant.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equals is value equality used by the == / != operators. Lists and
// objects compare structurally; promises compare by identity (the same
// *Promise).
func (v Value) Equals(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.B == o.B
	case KindNum:
		return v.N == o.N
	case KindStr:
		return v.S == o.S
	case KindList:
		if len(v.L) != len(o.L) {
			return false
		}
		for i := range v.L {
			if !v.L[i].Equals(o.L[i]) {
				return false
			}
		}
		return true
	case KindObj:
		if len(v.O) != len(o.O) {
			return false
		}
		for k, vv := range v.O {
			ov, ok := o.O[k]
			if !ok || !vv.Equals(ov) {
				return false
			}
		}
		return true
	case KindError:
		return v.ErrCode == o.ErrCode && v.ErrMsg == o.ErrMsg
	case KindPromise:
		return v.P == o.P
	default:
		return false
	}
}

// String renders a Value for diagnostics and string concatenation-adjacent
// built-ins (never used for arithmetic; the language does not coerce
// strings in `+`).
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		if v.B {
			return "true"
		}
		return "false"
	case KindNum:
		return formatNum(v.N)
	case KindStr:
		return v.S
	case KindList:
		parts := make([]string, len(v.L))
		for i, e := range v.L {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindObj:
		keys := make([]string, 0, len(v.O))
		for k := range v.O {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s: %s", k, v.O[k].String())
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindError:
		return fmt.Sprintf("Error{%s: %s}", v.ErrCode, v.ErrMsg)
	case KindPromise:
		return fmt.Sprintf("Promise(%v)", v.P.Kind)
	default:
		return "<invalid>"
	}
}

func formatNum(n float64) string {
	if n == float64(int64(n)) {
		return fmt.Sprintf("%d", int64(n))
	}
	return fmt.Sprintf("%g", n)
}
