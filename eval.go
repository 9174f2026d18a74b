package rhythm

import "fmt"

// Eval evaluates expr against vm's current environment. It is pure and
// never suspends: suspension happens only through EvalAwait, which the
// stepper calls for an Await that is the immediate expression of an Assign
// or ExprStmt RHS. An Await reached by Eval evaluates its inner expression
// and, per the await-idempotence invariant, returns it unchanged if
// non-Promise, or an INTERNAL_ERROR if it resolves to a Promise
// (suspension is not representable mid-expression).
func Eval(vm *VM, expr *Expr) (Value, error) {
	if expr == nil {
		return Null(), nil
	}
	switch expr.Kind {
	case ExprLitNull:
		return Null(), nil
	case ExprLitBool:
		return BoolVal(expr.Bool), nil
	case ExprLitNum:
		return Num(expr.Num), nil
	case ExprLitStr:
		return Str(expr.Str), nil
	case ExprLitList:
		items := make([]Value, len(expr.List))
		for i, e := range expr.List {
			v, err := Eval(vm, e)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return ListOf(items), nil
	case ExprLitObj:
		fields := make(map[string]Value, len(expr.Obj))
		for _, f := range expr.Obj {
			v, err := Eval(vm, f.Value)
			if err != nil {
				return Value{}, err
			}
			fields[f.Name] = v
		}
		return Obj(fields), nil
	case ExprIdent:
		v, ok := vm.Env.Resolve(expr.Name)
		if !ok {
			return Value{}, NewScriptError(CodeInternalError, fmt.Sprintf("undefined variable '%s'", expr.Name))
		}
		return v, nil
	case ExprMember:
		return evalMember(vm, expr)
	case ExprCall:
		return evalCall(vm, expr)
	case ExprAwait:
		inner, err := Eval(vm, expr.Inner)
		if err != nil {
			return Value{}, err
		}
		if inner.Kind == KindPromise {
			return Value{}, NewScriptError(CodeInternalError, "await is only supported as a direct statement expression")
		}
		return inner, nil
	case ExprBinaryOp:
		return evalBinary(vm, expr)
	case ExprTernary:
		test, err := Eval(vm, expr.Test)
		if err != nil {
			return Value{}, err
		}
		if test.Truthy() {
			return Eval(vm, expr.Then)
		}
		return Eval(vm, expr.Else)
	default:
		return Value{}, NewScriptError(CodeInternalError, "unknown expression kind")
	}
}

// EvalAwait evaluates the promise expression of an Await node. If it
// resolves to a Promise, it returns the Awaitable token to suspend on
// (value is unset); otherwise it returns the value unchanged and a nil
// token, per the idempotent-await-on-non-promise invariant.
func EvalAwait(vm *VM, awaitExpr *Expr) (Value, *Awaitable, error) {
	v, err := Eval(vm, awaitExpr.Inner)
	if err != nil {
		return Value{}, nil, err
	}
	if v.Kind != KindPromise {
		return v, nil, nil
	}
	a := ToAwaitable(v.P)
	return Value{}, &a, nil
}

func evalMember(vm *VM, expr *Expr) (Value, error) {
	base, err := Eval(vm, expr.Object)
	if err != nil {
		return Value{}, err
	}
	if expr.Index != nil {
		idx, err := Eval(vm, expr.Index)
		if err != nil {
			return Value{}, err
		}
		if base.Kind != KindList {
			if expr.Optional {
				return Null(), nil
			}
			return Value{}, NewScriptError(CodeTypeError, "index access on non-list value")
		}
		if idx.Kind != KindNum {
			return Value{}, NewScriptError(CodeTypeError, "array index must be a number")
		}
		i := int(idx.N)
		if i < 0 || i >= len(base.L) {
			return Null(), nil
		}
		return base.L[i], nil
	}
	if base.Kind == KindNull && expr.Optional {
		return Null(), nil
	}
	if base.Kind == KindError {
		switch expr.Prop {
		case "code":
			return Str(base.ErrCode), nil
		case "message":
			return Str(base.ErrMsg), nil
		}
		if expr.Optional {
			return Null(), nil
		}
		return Value{}, NewScriptError(CodePropertyNotFound, fmt.Sprintf("property %q not found", expr.Prop))
	}
	if base.Kind != KindObj {
		if expr.Optional {
			return Null(), nil
		}
		return Value{}, NewScriptError(CodeTypeError, fmt.Sprintf("member access '.%s' on non-object value", expr.Prop))
	}
	v, ok := base.O[expr.Prop]
	if !ok {
		if expr.Optional {
			return Null(), nil
		}
		return Value{}, NewScriptError(CodePropertyNotFound, fmt.Sprintf("property %q not found", expr.Prop))
	}
	return v, nil
}

func evalBinary(vm *VM, expr *Expr) (Value, error) {
	switch expr.Op {
	case "&&":
		l, err := Eval(vm, expr.Left)
		if err != nil {
			return Value{}, err
		}
		if !l.Truthy() {
			return l, nil
		}
		return Eval(vm, expr.Right)
	case "||":
		l, err := Eval(vm, expr.Left)
		if err != nil {
			return Value{}, err
		}
		if l.Truthy() {
			return l, nil
		}
		return Eval(vm, expr.Right)
	case "??":
		l, err := Eval(vm, expr.Left)
		if err != nil {
			return Value{}, err
		}
		if !l.IsNull() {
			return l, nil
		}
		return Eval(vm, expr.Right)
	}

	l, err := Eval(vm, expr.Left)
	if err != nil {
		return Value{}, err
	}
	r, err := Eval(vm, expr.Right)
	if err != nil {
		return Value{}, err
	}

	switch expr.Op {
	case "==":
		return BoolVal(l.Equals(r)), nil
	case "!=":
		return BoolVal(!l.Equals(r)), nil
	}

	switch expr.Op {
	case "+", "-", "*", "/", "%", "<", "<=", ">", ">=":
		if l.Kind != KindNum || r.Kind != KindNum {
			return Value{}, NewScriptError(CodeTypeError, fmt.Sprintf("operator %q requires numeric operands", expr.Op))
		}
		switch expr.Op {
		case "+":
			return Num(l.N + r.N), nil
		case "-":
			return Num(l.N - r.N), nil
		case "*":
			return Num(l.N * r.N), nil
		case "/":
			return Num(l.N / r.N), nil
		case "%":
			return Num(float64(int64(l.N) % int64(r.N))), nil
		case "<":
			return BoolVal(l.N < r.N), nil
		case "<=":
			return BoolVal(l.N <= r.N), nil
		case ">":
			return BoolVal(l.N > r.N), nil
		case ">=":
			return BoolVal(l.N >= r.N), nil
		}
	}
	return Value{}, NewScriptError(CodeInternalError, fmt.Sprintf("unknown operator %q", expr.Op))
}
