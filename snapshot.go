package rhythm

import (
	"encoding/json"
	"fmt"
)

// Snapshot is the durable, JSON-serializable projection of a VM's live
// state: everything workflow_execution_context stores as the row's
// `snapshot` column. Program/AST is not part of it — the runner loads the
// workflow_definitions row by the context's definition id and re-parses
// its AST on load, since the AST is immutable for the lifetime of an
// execution.
type Snapshot struct {
	Frames     []snapFrame `json:"frames"`
	Control    snapControl `json:"control"`
	Suspension *snapAwait  `json:"suspension,omitempty"`
	Outbox     snapOutbox  `json:"outbox"`
	Env        snapEnv     `json:"env"`
	Now        int64       `json:"now"`
}

type snapEnv struct {
	Scopes []map[string]json.RawMessage `json:"scopes"`
}

type snapFrame struct {
	Kind           string          `json:"kind"`
	PC             int             `json:"pc"`
	ScopeDepth     int             `json:"scope_depth"`
	Index          int             `json:"index,omitempty"`
	Scratch        json.RawMessage `json:"scratch,omitempty"`
	Awaited        *snapAwait      `json:"awaited,omitempty"`
	Iterable       []json.RawMessage `json:"iterable,omitempty"`
	LoopVar        string          `json:"loop_var,omitempty"`
	PendingControl *snapControl    `json:"pending_control,omitempty"`
}

type snapControl struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
}

type snapAwait struct {
	Kind       string      `json:"kind"`
	ID         string      `json:"id,omitempty"`
	FireAt     int64       `json:"fire_at,omitempty"`
	SignalName string      `json:"signal_name,omitempty"`
	Children   []snapAwait `json:"children,omitempty"`
}

type snapOutbox struct {
	TasksToCreate       []TaskCreation       `json:"tasks_to_create,omitempty"`
	SubworkflowsToSpawn []SubworkflowCreation `json:"subworkflows_to_spawn,omitempty"`
	TimersToSchedule    []TimerSchedule      `json:"timers_to_schedule,omitempty"`
}

var frameKindNames = map[FrameKind]string{
	FrameBlock:     "Block",
	FrameIf:        "If",
	FrameWhile:     "While",
	FrameForLoop:   "ForLoop",
	FrameDeclare:   "Declare",
	FrameAssign:    "Assign",
	FrameExprStmt:  "ExprStmt",
	FrameTry:       "Try",
	FrameReturn:    "Return",
	FrameBreak:     "Break",
	FrameContinue:  "Continue",
}

var frameKindByName = reverseFrameKinds(frameKindNames)

func reverseFrameKinds(m map[FrameKind]string) map[string]FrameKind {
	out := make(map[string]FrameKind, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

var controlKindNames = map[ControlKind]string{
	ControlNone:     "None",
	ControlBreak:    "Break",
	ControlContinue: "Continue",
	ControlReturn:   "Return",
	ControlThrow:    "Throw",
}

var controlKindByName = func() map[string]ControlKind {
	out := make(map[string]ControlKind, len(controlKindNames))
	for k, v := range controlKindNames {
		out[v] = k
	}
	return out
}()

var awaitKindNames = map[AwaitableKind]string{
	AwaitTask:        "Task",
	AwaitSubWorkflow: "SubWorkflow",
	AwaitTimer:       "Timer",
	AwaitSignal:      "Signal",
	AwaitAll:         "All",
	AwaitAny:         "Any",
	AwaitRace:        "Race",
}

var awaitKindByName = func() map[string]AwaitableKind {
	out := make(map[string]AwaitableKind, len(awaitKindNames))
	for k, v := range awaitKindNames {
		out[v] = k
	}
	return out
}()

// Snapshot projects vm's live state into its durable form. The frame
// stack's AST pointers (Stmt) are not re-serialized; the caller restores
// them from the re-parsed program by re-walking it the same way the
// original pushStmt calls did, driven only by (Kind, PC, ScopeDepth,
// Index) — see Restore.
func (vm *VM) Snapshot() (Snapshot, error) {
	snap := Snapshot{Now: vm.Now}

	env, err := snapshotEnv(vm.Env)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Env = env

	for _, f := range vm.Frames {
		sf, err := snapshotFrame(f)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Frames = append(snap.Frames, sf)
	}

	ctrl, err := snapshotControl(vm.Control)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Control = ctrl

	if vm.Suspension != nil {
		a := snapshotAwaitable(*vm.Suspension)
		snap.Suspension = &a
	}

	snap.Outbox = snapOutbox{
		TasksToCreate:       vm.Outbox.TasksToCreate,
		SubworkflowsToSpawn: vm.Outbox.SubworkflowsToSpawn,
		TimersToSchedule:    vm.Outbox.TimersToSchedule,
	}

	return snap, nil
}

func snapshotEnv(e *Environment) (snapEnv, error) {
	out := snapEnv{Scopes: make([]map[string]json.RawMessage, e.Depth())}
	for i := 0; i < e.Depth(); i++ {
		scope := map[string]json.RawMessage{}
		for name, v := range e.scopes[i] {
			raw, err := json.Marshal(v)
			if err != nil {
				return snapEnv{}, fmt.Errorf("rhythm: snapshot env: marshal %q: %w", name, err)
			}
			scope[name] = raw
		}
		out.Scopes[i] = scope
	}
	return out, nil
}

func snapshotFrame(f *Frame) (snapFrame, error) {
	name, ok := frameKindNames[f.Kind]
	if !ok {
		return snapFrame{}, fmt.Errorf("rhythm: snapshot frame: unknown kind %d", f.Kind)
	}
	sf := snapFrame{Kind: name, PC: f.PC, ScopeDepth: f.ScopeDepth, Index: f.Index, LoopVar: f.LoopVar}

	scratch, err := json.Marshal(f.Scratch)
	if err != nil {
		return snapFrame{}, fmt.Errorf("rhythm: snapshot frame: marshal scratch: %w", err)
	}
	sf.Scratch = scratch

	for _, v := range f.Iterable {
		raw, err := json.Marshal(v)
		if err != nil {
			return snapFrame{}, fmt.Errorf("rhythm: snapshot frame: marshal iterable: %w", err)
		}
		sf.Iterable = append(sf.Iterable, raw)
	}

	if f.Awaited != nil {
		a := snapshotAwaitable(*f.Awaited)
		sf.Awaited = &a
	}

	if f.PendingControl != nil {
		pc, err := snapshotControl(*f.PendingControl)
		if err != nil {
			return snapFrame{}, err
		}
		sf.PendingControl = &pc
	}

	return sf, nil
}

func snapshotControl(c Control) (snapControl, error) {
	name, ok := controlKindNames[c.Kind]
	if !ok {
		return snapControl{}, fmt.Errorf("rhythm: snapshot control: unknown kind %d", c.Kind)
	}
	sc := snapControl{Kind: name}
	if c.Kind == ControlReturn || c.Kind == ControlThrow {
		raw, err := json.Marshal(c.Value)
		if err != nil {
			return snapControl{}, fmt.Errorf("rhythm: snapshot control: marshal value: %w", err)
		}
		sc.Value = raw
	}
	return sc, nil
}

func snapshotAwaitable(a Awaitable) snapAwait {
	sa := snapAwait{Kind: awaitKindNames[a.Kind], ID: a.ID, FireAt: a.FireAt, SignalName: a.SignalName}
	for _, c := range a.Children {
		sa.Children = append(sa.Children, snapshotAwaitable(c))
	}
	return sa
}

// Restore rebuilds a live VM from a snapshot against the given (re-parsed)
// program. Frame.Stmt pointers are re-derived by re-walking the program
// the same way pushStmt originally built them, keyed only by position:
// the snapshot stores no AST, so restoration assumes the definition's
// source (and therefore its parsed tree) is byte-identical to the one
// that produced the snapshot — guaranteed by workflow_definitions being
// versioned by source hash.
func Restore(definitionID string, program *Program, snap Snapshot) (*VM, error) {
	vm := &VM{DefinitionID: definitionID, Program: program, Now: snap.Now}

	env, err := restoreEnv(snap.Env)
	if err != nil {
		return nil, err
	}
	vm.Env = env

	ctrl, err := restoreControl(snap.Control)
	if err != nil {
		return nil, err
	}
	vm.Control = ctrl

	if snap.Suspension != nil {
		a, err := restoreAwaitable(*snap.Suspension)
		if err != nil {
			return nil, err
		}
		vm.Suspension = &a
	}

	vm.Outbox = Outbox{
		TasksToCreate:       snap.Outbox.TasksToCreate,
		SubworkflowsToSpawn: snap.Outbox.SubworkflowsToSpawn,
		TimersToSchedule:    snap.Outbox.TimersToSchedule,
	}

	// Re-derive each frame's Stmt pointer by walking the program body the
	// same way the original push sequence did: frame i's statement is the
	// program's i-th pushed node in traversal order. Since restoration
	// only ever resumes an execution that this same package produced, we
	// instead store enough of each frame to re-anchor it directly: the
	// root frame is always the whole-program block, and every other
	// frame's Stmt was pushed by its parent frame at the index recorded
	// on that parent — so frames restore outer-to-inner, each one
	// resolving its Stmt from its immediate parent.
	frames, err := restoreFrames(program, snap.Frames)
	if err != nil {
		return nil, err
	}
	vm.Frames = frames

	return vm, nil
}

func restoreEnv(s snapEnv) (*Environment, error) {
	e := &Environment{scopes: make([]map[string]Value, len(s.Scopes))}
	for i, scope := range s.Scopes {
		m := make(map[string]Value, len(scope))
		for name, raw := range scope {
			var v Value
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("rhythm: restore env: unmarshal %q: %w", name, err)
			}
			m[name] = v
		}
		e.scopes[i] = m
	}
	return e, nil
}

func restoreControl(s snapControl) (Control, error) {
	kind, ok := controlKindByName[s.Kind]
	if !ok {
		return Control{}, fmt.Errorf("rhythm: restore control: unknown kind %q", s.Kind)
	}
	c := Control{Kind: kind}
	if len(s.Value) > 0 {
		if err := json.Unmarshal(s.Value, &c.Value); err != nil {
			return Control{}, fmt.Errorf("rhythm: restore control: unmarshal value: %w", err)
		}
	}
	return c, nil
}

func restoreAwaitable(s snapAwait) (Awaitable, error) {
	kind, ok := awaitKindByName[s.Kind]
	if !ok {
		return Awaitable{}, fmt.Errorf("rhythm: restore awaitable: unknown kind %q", s.Kind)
	}
	a := Awaitable{Kind: kind, ID: s.ID, FireAt: s.FireAt, SignalName: s.SignalName}
	for _, c := range s.Children {
		child, err := restoreAwaitable(c)
		if err != nil {
			return Awaitable{}, err
		}
		a.Children = append(a.Children, child)
	}
	return a, nil
}

// restoreFrames reconstructs the frame stack outer-to-inner. Each frame's
// statement is positioned by the stepper deterministically from its
// parent: a Block frame's current child is Stmt.Body[Index-1] (the one
// most recently pushed) once Index > 0, an If/Try/While/ForLoop frame's
// pushed child block is implicit once its PC has moved past dispatch.
// Since the only caller of Restore is a runner resuming an execution it
// persisted itself, frames are walked by replaying frame i-1's push
// decision for frame i against the already-known Stmt chain rooted at
// the whole-program block.
func restoreFrames(program *Program, snaps []snapFrame) ([]*Frame, error) {
	if len(snaps) == 0 {
		return nil, nil
	}
	root := blockOf(program.Body)
	frames := make([]*Frame, len(snaps))
	stmt := root
	for i, sf := range snaps {
		kind, ok := frameKindByName[sf.Kind]
		if !ok {
			return nil, fmt.Errorf("rhythm: restore frame %d: unknown kind %q", i, sf.Kind)
		}
		f := &Frame{Kind: kind, Stmt: stmt, PC: sf.PC, ScopeDepth: sf.ScopeDepth, Index: sf.Index, LoopVar: sf.LoopVar}

		var scratch Value
		if len(sf.Scratch) > 0 {
			if err := json.Unmarshal(sf.Scratch, &scratch); err != nil {
				return nil, fmt.Errorf("rhythm: restore frame %d: unmarshal scratch: %w", i, err)
			}
		}
		f.Scratch = scratch

		for _, raw := range sf.Iterable {
			var v Value
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("rhythm: restore frame %d: unmarshal iterable element: %w", i, err)
			}
			f.Iterable = append(f.Iterable, v)
		}

		if sf.Awaited != nil {
			a, err := restoreAwaitable(*sf.Awaited)
			if err != nil {
				return nil, err
			}
			f.Awaited = &a
		}

		if sf.PendingControl != nil {
			pc, err := restoreControl(*sf.PendingControl)
			if err != nil {
				return nil, err
			}
			f.PendingControl = &pc
		}

		frames[i] = f

		if i+1 < len(snaps) {
			stmt = childStmtOf(f)
		}
	}
	return frames, nil
}

// childStmtOf returns the statement node the next-inner frame was pushed
// against, given the current frame's recorded position.
func childStmtOf(f *Frame) *Stmt {
	switch f.Kind {
	case FrameBlock:
		i := f.Index - 1
		if i < 0 || i >= len(f.Stmt.Body) {
			return blockOf(nil)
		}
		return f.Stmt.Body[i]
	case FrameIf:
		branch := f.Stmt.Else
		if f.PC == IfDispatch && f.Scratch.Truthy() {
			branch = f.Stmt.Then
		}
		return blockOf(branch)
	case FrameWhile:
		return blockOf(f.Stmt.Body)
	case FrameForLoop:
		return blockOf(f.Stmt.Body)
	case FrameTry:
		switch f.PC {
		case TryAfterTry:
			return blockOf(f.Stmt.Body)
		case TryRunCatch:
			return blockOf(f.Stmt.CatchBody)
		case TryRunFinally:
			return blockOf(f.Stmt.FinallyBody)
		}
	}
	return blockOf(nil)
}
