package rhythm

// Unwind resolves a pending control transfer against the frame stack:
// Break/Continue are absorbed by the nearest While/ForLoop, Return
// propagates until the frame stack is empty, and Throw is absorbed by the
// nearest Try whose catch block clears it, with any finally block of that
// same Try still running afterward regardless. Any transfer that leaves a
// Try's body or catch block (a break, continue, return, or a throw that no
// catch of that Try absorbs) first runs that Try's finally block, then
// resumes. A throw or return raised inside a finally body replaces
// whatever was pending, since the replacing frame is freshly unwound from
// the current (innermost) Try outward.
func Unwind(vm *VM) {
	for vm.Control.Kind != ControlNone {
		top := vm.top()
		if top == nil {
			return
		}

		if top.Kind == FrameTry && len(top.Stmt.FinallyBody) > 0 &&
			(top.PC == TryRunCatch || (top.PC == TryAfterTry &&
				!(vm.Control.Kind == ControlThrow && len(top.Stmt.CatchBody) > 0))) {
			vm.Env.Truncate(top.ScopeDepth)
			pending := vm.Control
			top.PendingControl = &pending
			top.PC = TryRunFinally
			vm.Control = Control{}
			pushStmt(vm, blockOf(top.Stmt.FinallyBody))
			return
		}

		switch vm.Control.Kind {
		case ControlBreak:
			if top.Kind == FrameWhile || top.Kind == FrameForLoop {
				vm.Env.Truncate(top.ScopeDepth)
				vm.popFrame()
				vm.Control = Control{}
				return
			}
			vm.Env.Truncate(top.ScopeDepth)
			vm.popFrame()

		case ControlContinue:
			if top.Kind == FrameWhile {
				vm.Env.Truncate(top.ScopeDepth)
				top.PC = WhileCheck
				vm.Control = Control{}
				return
			}
			if top.Kind == FrameForLoop {
				vm.Env.Truncate(top.ScopeDepth)
				top.PC = ForCheck
				vm.Control = Control{}
				return
			}
			vm.Env.Truncate(top.ScopeDepth)
			vm.popFrame()

		case ControlReturn:
			vm.Env.Truncate(top.ScopeDepth)
			vm.popFrame()

		case ControlThrow:
			if top.Kind == FrameTry && top.PC == TryAfterTry {
				if len(top.Stmt.CatchBody) > 0 {
					errVal := vm.Control.Value
					vm.Env.PushScope()
					vm.Env.Declare(top.Stmt.CatchVar, errVal)
					top.PC = TryRunCatch
					vm.Control = Control{}
					pushStmt(vm, blockOf(top.Stmt.CatchBody))
					return
				}
			}
			vm.Env.Truncate(top.ScopeDepth)
			vm.popFrame()
		}
	}
}
