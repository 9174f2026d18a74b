package rhythm

// Step advances the VM by one micro-transition: if a control transfer is
// pending it is routed through Unwind, otherwise the frame on top of the
// stack is dispatched by kind. Each call does the smallest unit of work
// that keeps the snapshot between calls a complete description of
// where execution stands.
func Step(vm *VM) {
	if vm.Control.Kind != ControlNone {
		Unwind(vm)
		return
	}

	f := vm.top()
	if f == nil {
		return
	}

	switch f.Kind {
	case FrameBlock:
		stepBlock(vm, f)
	case FrameIf:
		stepIf(vm, f)
	case FrameWhile:
		stepWhile(vm, f)
	case FrameForLoop:
		stepForLoop(vm, f)
	case FrameDeclare:
		stepDeclare(vm, f)
	case FrameAssign:
		stepAssign(vm, f)
	case FrameExprStmt:
		stepExprStmt(vm, f)
	case FrameTry:
		stepTry(vm, f)
	case FrameReturn:
		stepReturn(vm, f)
	case FrameBreak:
		stepBreak(vm, f)
	case FrameContinue:
		stepContinue(vm, f)
	}
}

func setThrow(vm *VM, err error) {
	if se, ok := err.(*ScriptError); ok {
		vm.Control = Control{Kind: ControlThrow, Value: se.Value()}
		return
	}
	vm.Control = Control{Kind: ControlThrow, Value: ErrVal(CodeInternalError, err.Error())}
}

func stepBlock(vm *VM, f *Frame) {
	switch f.PC {
	case BlockEnter:
		vm.Env.PushScope()
		f.PC = BlockNext
	case BlockNext:
		if f.Index >= len(f.Stmt.Body) {
			vm.Env.Truncate(f.ScopeDepth)
			vm.popFrame()
			return
		}
		child := f.Stmt.Body[f.Index]
		f.Index++
		pushStmt(vm, child)
	}
}

func stepIf(vm *VM, f *Frame) {
	switch f.PC {
	case IfEvalCond:
		val, err := Eval(vm, f.Stmt.Cond)
		if err != nil {
			setThrow(vm, err)
			return
		}
		f.Scratch = val
		f.PC = IfDispatch
	case IfDispatch:
		branch := f.Stmt.Else
		if f.Scratch.Truthy() {
			branch = f.Stmt.Then
		}
		vm.popFrame()
		if branch != nil {
			pushStmt(vm, blockOf(branch))
		}
	}
}

func stepWhile(vm *VM, f *Frame) {
	switch f.PC {
	case WhileCheck:
		val, err := Eval(vm, f.Stmt.Cond)
		if err != nil {
			setThrow(vm, err)
			return
		}
		if val.Truthy() {
			f.PC = WhileRunBody
			return
		}
		vm.Env.Truncate(f.ScopeDepth)
		vm.popFrame()
	case WhileRunBody:
		f.PC = WhilePostBody
		pushStmt(vm, blockOf(f.Stmt.Body))
	case WhilePostBody:
		f.PC = WhileCheck
	}
}

func stepForLoop(vm *VM, f *Frame) {
	switch f.PC {
	case ForInit:
		iterV, err := Eval(vm, f.Stmt.Iterable)
		if err != nil {
			setThrow(vm, err)
			return
		}
		if iterV.Kind != KindList {
			setThrow(vm, NewScriptError(CodeTypeError, "for-loop iterable must be a list"))
			return
		}
		f.Iterable = iterV.L
		f.LoopVar = f.Stmt.Name
		f.Index = 0
		f.PC = ForCheck
	case ForCheck:
		if f.Index >= len(f.Iterable) {
			vm.Env.Truncate(f.ScopeDepth)
			vm.popFrame()
			return
		}
		vm.Env.PushScope()
		vm.Env.Declare(f.LoopVar, f.Iterable[f.Index])
		f.Index++
		f.PC = ForRunBody
	case ForRunBody:
		f.PC = ForPostBody
		pushStmt(vm, blockOf(f.Stmt.Body))
	case ForPostBody:
		vm.Env.PopScope()
		f.PC = ForCheck
	}
}

func stepDeclare(vm *VM, f *Frame) {
	switch f.PC {
	case DeclareEval:
		val, err := Eval(vm, f.Stmt.Expr)
		if err != nil {
			setThrow(vm, err)
			return
		}
		vm.Env.Declare(f.Stmt.Name, val)
		f.PC = DeclareDone
	case DeclareDone:
		vm.popFrame()
	}
}

// assignResult evaluates any index expressions in stmt.Path against the
// live environment and stores val at the resolved destination.
func assignResult(vm *VM, stmt *Stmt, val Value) error {
	if len(stmt.Path) == 0 {
		return vm.Env.Assign(stmt.Name, val)
	}
	resolved := make([]ResolvedSeg, len(stmt.Path))
	for i, seg := range stmt.Path {
		r := ResolvedSeg{IsIndex: seg.IsIndex, Prop: seg.Prop}
		if seg.IsIndex {
			idxVal, err := Eval(vm, seg.Index)
			if err != nil {
				return err
			}
			if idxVal.Kind != KindNum {
				return NewScriptError(CodeTypeError, "array index must be a number")
			}
			r.Idx = int(idxVal.N)
		}
		resolved[i] = r
	}
	return vm.Env.AssignPath(stmt.Name, resolved, val)
}

func stepAssign(vm *VM, f *Frame) {
	switch f.PC {
	case AssignSimple:
		if f.Stmt.Expr.Kind == ExprAwait {
			val, awaitable, err := EvalAwait(vm, f.Stmt.Expr)
			if err != nil {
				setThrow(vm, err)
				return
			}
			if awaitable != nil {
				f.Awaited = awaitable
				vm.Suspension = awaitable
				f.PC = AssignAwaitWaiting
				return
			}
			f.Scratch = val
			f.PC = AssignAwaitAssign
			return
		}
		val, err := Eval(vm, f.Stmt.Expr)
		if err != nil {
			setThrow(vm, err)
			return
		}
		if err := assignResult(vm, f.Stmt, val); err != nil {
			setThrow(vm, err)
			return
		}
		vm.popFrame()
	case AssignAwaitAssign:
		if err := assignResult(vm, f.Stmt, f.Scratch); err != nil {
			setThrow(vm, err)
			return
		}
		vm.popFrame()
	}
	// AssignAwaitWaiting is a persisted, not-stepped state: the runner
	// transitions it to AssignAwaitAssign via ResolveSuspension before the
	// next Step call.
}

func stepExprStmt(vm *VM, f *Frame) {
	switch f.PC {
	case ExprStmtSimple:
		if f.Stmt.Expr.Kind == ExprAwait {
			_, awaitable, err := EvalAwait(vm, f.Stmt.Expr)
			if err != nil {
				setThrow(vm, err)
				return
			}
			if awaitable != nil {
				f.Awaited = awaitable
				vm.Suspension = awaitable
				f.PC = ExprStmtAwaitWaiting
				return
			}
			vm.popFrame()
			return
		}
		if _, err := Eval(vm, f.Stmt.Expr); err != nil {
			setThrow(vm, err)
			return
		}
		vm.popFrame()
	case ExprStmtAwaitAssign:
		vm.popFrame()
	}
}

func stepTry(vm *VM, f *Frame) {
	switch f.PC {
	case TryEnter:
		f.PC = TryAfterTry
		pushStmt(vm, blockOf(f.Stmt.Body))
	case TryAfterTry:
		// Reached with Control == None: the try body completed normally.
		if len(f.Stmt.FinallyBody) > 0 {
			f.PC = TryRunFinally
			pushStmt(vm, blockOf(f.Stmt.FinallyBody))
			return
		}
		vm.popFrame()
	case TryRunCatch:
		vm.Env.PopScope() // drop the catch-var binding scope pushed in Unwind
		if len(f.Stmt.FinallyBody) > 0 {
			f.PC = TryRunFinally
			pushStmt(vm, blockOf(f.Stmt.FinallyBody))
			return
		}
		vm.popFrame()
	case TryRunFinally:
		if f.PendingControl != nil {
			vm.Control = *f.PendingControl
			f.PendingControl = nil
		}
		vm.popFrame()
	}
}

func stepReturn(vm *VM, f *Frame) {
	val := Null()
	if f.Stmt.Expr != nil {
		v, err := Eval(vm, f.Stmt.Expr)
		if err != nil {
			setThrow(vm, err)
			return
		}
		val = v
	}
	vm.Control = Control{Kind: ControlReturn, Value: val}
}

func stepBreak(vm *VM, f *Frame) {
	vm.Control = Control{Kind: ControlBreak}
}

func stepContinue(vm *VM, f *Frame) {
	vm.Control = Control{Kind: ControlContinue}
}
