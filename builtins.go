package rhythm

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// evalCall dispatches a Call expression to the matching built-in module
// method. The callee must resolve to exactly one of the entries in the
// built-in module surface; anything else is NOT_A_FUNCTION.
func evalCall(vm *VM, expr *Expr) (Value, error) {
	args := make([]Value, len(expr.Args))
	for i, a := range expr.Args {
		v, err := Eval(vm, a)
		if err != nil {
			return Value{}, err
		}
		args[i] = v
	}

	switch expr.Name {
	case "Task.run":
		return callTaskRun(vm, args)
	case "Workflow.run":
		return callWorkflowRun(vm, args)
	case "Timer.delay":
		return callTimerDelay(vm, args)
	case "Signal.next":
		return callSignalNext(args)
	case "Promise.all":
		return callPromiseComposite(PromiseAll, args)
	case "Promise.any":
		return callPromiseComposite(PromiseAny, args)
	case "Promise.race":
		return callPromiseComposite(PromiseRace, args)
	case "Math.floor":
		return mathUnary(args, math.Floor)
	case "Math.ceil":
		return mathUnary(args, math.Ceil)
	case "Math.round":
		return mathUnary(args, math.Round)
	case "Math.abs":
		return mathUnary(args, math.Abs)
	case "Math.min":
		return mathBinary(args, math.Min)
	case "Math.max":
		return mathBinary(args, math.Max)
	}

	if strings.HasPrefix(expr.Name, "Array.") {
		return callArrayMethod(strings.TrimPrefix(expr.Name, "Array."), args)
	}
	if strings.HasPrefix(expr.Name, "String.") {
		return callStringMethod(strings.TrimPrefix(expr.Name, "String."), args)
	}

	return Value{}, NewScriptError(CodeNotAFunction, fmt.Sprintf("%q is not a callable built-in", expr.Name))
}

func wantArgs(args []Value, n int) error {
	if len(args) != n {
		return NewScriptError(CodeWrongArgCount, fmt.Sprintf("expected %d argument(s), got %d", n, len(args)))
	}
	return nil
}

func callTaskRun(vm *VM, args []Value) (Value, error) {
	if err := wantArgs(args, 2); err != nil {
		return Value{}, err
	}
	name, inputs := args[0], args[1]
	if name.Kind != KindStr {
		return Value{}, NewScriptError(CodeWrongArgType, "Task.run(name, inputs): name must be a string")
	}
	if inputs.Kind != KindObj {
		return Value{}, NewScriptError(CodeWrongArgType, "Task.run(name, inputs): inputs must be an object")
	}
	id := NewExecutionID("task")
	vm.Outbox.TasksToCreate = append(vm.Outbox.TasksToCreate, TaskCreation{ID: id, Name: name.S, Inputs: inputs})
	return PromiseTaskVal(id), nil
}

func callWorkflowRun(vm *VM, args []Value) (Value, error) {
	if err := wantArgs(args, 2); err != nil {
		return Value{}, err
	}
	name, inputs := args[0], args[1]
	if name.Kind != KindStr {
		return Value{}, NewScriptError(CodeWrongArgType, "Workflow.run(name, inputs): name must be a string")
	}
	if inputs.Kind != KindObj {
		return Value{}, NewScriptError(CodeWrongArgType, "Workflow.run(name, inputs): inputs must be an object")
	}
	id := NewExecutionID("wor")
	vm.Outbox.SubworkflowsToSpawn = append(vm.Outbox.SubworkflowsToSpawn, SubworkflowCreation{ID: id, Name: name.S, Inputs: inputs})
	return PromiseSubWorkflowVal(id), nil
}

func callTimerDelay(vm *VM, args []Value) (Value, error) {
	if err := wantArgs(args, 1); err != nil {
		return Value{}, err
	}
	ms := args[0]
	if ms.Kind != KindNum || ms.N < 0 {
		return Value{}, NewScriptError(CodeWrongArgType, "Timer.delay(ms): ms must be a non-negative number")
	}
	id := NewExecutionID("tmr")
	fireAt := vm.Now + int64(ms.N)
	vm.Outbox.TimersToSchedule = append(vm.Outbox.TimersToSchedule, TimerSchedule{ID: id, FireAt: fireAt})
	return PromiseTimerVal(fireAt), nil
}

func callSignalNext(args []Value) (Value, error) {
	if err := wantArgs(args, 1); err != nil {
		return Value{}, err
	}
	if args[0].Kind != KindStr {
		return Value{}, NewScriptError(CodeWrongArgType, "Signal.next(name): name must be a string")
	}
	return PromiseSignalVal(args[0].S), nil
}

func callPromiseComposite(kind PromiseKind, args []Value) (Value, error) {
	if err := wantArgs(args, 1); err != nil {
		return Value{}, err
	}
	if args[0].Kind != KindList {
		return Value{}, NewScriptError(CodeWrongArgType, "Promise.all/any/race(promises) requires a list")
	}
	return PromiseCompositeVal(kind, args[0].L)
}

func mathUnary(args []Value, fn func(float64) float64) (Value, error) {
	if err := wantArgs(args, 1); err != nil {
		return Value{}, err
	}
	if args[0].Kind != KindNum {
		return Value{}, NewScriptError(CodeWrongArgType, "expected a number")
	}
	return Num(fn(args[0].N)), nil
}

func mathBinary(args []Value, fn func(float64, float64) float64) (Value, error) {
	if err := wantArgs(args, 2); err != nil {
		return Value{}, err
	}
	if args[0].Kind != KindNum || args[1].Kind != KindNum {
		return Value{}, NewScriptError(CodeWrongArgType, "expected two numbers")
	}
	return Num(fn(args[0].N, args[1].N)), nil
}

func callArrayMethod(method string, args []Value) (Value, error) {
	if len(args) < 1 || args[0].Kind != KindList {
		return Value{}, NewScriptError(CodeWrongArgType, "Array."+method+" requires a list as the first argument")
	}
	list := args[0].L
	switch method {
	case "length":
		return Num(float64(len(list))), nil
	case "push":
		if err := wantArgs(args, 2); err != nil {
			return Value{}, err
		}
		return ListOf(append(append([]Value{}, list...), args[1])), nil
	case "contains":
		if err := wantArgs(args, 2); err != nil {
			return Value{}, err
		}
		for _, v := range list {
			if v.Equals(args[1]) {
				return BoolVal(true), nil
			}
		}
		return BoolVal(false), nil
	case "join":
		if err := wantArgs(args, 2); err != nil {
			return Value{}, err
		}
		if args[1].Kind != KindStr {
			return Value{}, NewScriptError(CodeWrongArgType, "Array.join separator must be a string")
		}
		parts := make([]string, len(list))
		for i, v := range list {
			parts[i] = v.String()
		}
		return Str(strings.Join(parts, args[1].S)), nil
	default:
		return Value{}, NewScriptError(CodeNotAFunction, fmt.Sprintf("unknown array method %q", method))
	}
}

var titleCaser = cases.Title(language.Und)

func callStringMethod(method string, args []Value) (Value, error) {
	if len(args) < 1 || args[0].Kind != KindStr {
		return Value{}, NewScriptError(CodeWrongArgType, "String."+method+" requires a string as the first argument")
	}
	s := args[0].S
	switch method {
	case "length":
		return Num(float64(len(s))), nil
	case "upper":
		return Str(cases.Upper(language.Und).String(s)), nil
	case "lower":
		return Str(cases.Lower(language.Und).String(s)), nil
	case "title":
		return Str(titleCaser.String(s)), nil
	case "trim":
		return Str(strings.TrimSpace(s)), nil
	case "contains":
		if err := wantArgs(args, 2); err != nil {
			return Value{}, err
		}
		if args[1].Kind != KindStr {
			return Value{}, NewScriptError(CodeWrongArgType, "String.contains needle must be a string")
		}
		return BoolVal(strings.Contains(s, args[1].S)), nil
	case "split":
		if err := wantArgs(args, 2); err != nil {
			return Value{}, err
		}
		if args[1].Kind != KindStr {
			return Value{}, NewScriptError(CodeWrongArgType, "String.split separator must be a string")
		}
		parts := strings.Split(s, args[1].S)
		out := make([]Value, len(parts))
		for i, p := range parts {
			out[i] = Str(p)
		}
		return ListOf(out), nil
	default:
		return Value{}, NewScriptError(CodeNotAFunction, fmt.Sprintf("unknown string method %q", method))
	}
}
