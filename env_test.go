package rhythm

import "testing"

func TestEnvironmentRootSlots(t *testing.T) {
	e := NewEnvironment(Obj(map[string]Value{"x": Num(1)}), Str("ctx"))
	inputs, ok := e.Resolve("Inputs")
	if !ok || !inputs.Equals(Obj(map[string]Value{"x": Num(1)})) {
		t.Errorf("Inputs = %v, ok=%v", inputs, ok)
	}
	ctx, ok := e.Resolve("Ctx")
	if !ok || !ctx.Equals(Str("ctx")) {
		t.Errorf("Ctx = %v, ok=%v", ctx, ok)
	}
}

func TestEnvironmentScopingShadowsInnermostFirst(t *testing.T) {
	e := NewEnvironment(Obj(nil), Obj(nil))
	e.Declare("x", Num(1))
	e.PushScope()
	e.Declare("x", Num(2))
	if v, _ := e.Resolve("x"); !v.Equals(Num(2)) {
		t.Errorf("inner x = %v, want 2", v)
	}
	e.PopScope()
	if v, _ := e.Resolve("x"); !v.Equals(Num(1)) {
		t.Errorf("outer x = %v, want 1 after PopScope", v)
	}
}

func TestEnvironmentAssignMutatesNearestBinding(t *testing.T) {
	e := NewEnvironment(Obj(nil), Obj(nil))
	e.Declare("x", Num(1))
	e.PushScope()
	if err := e.Assign("x", Num(99)); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if v, _ := e.Resolve("x"); !v.Equals(Num(99)) {
		t.Errorf("x = %v, want 99 (assign reaches outer scope)", v)
	}
}

func TestEnvironmentAssignUndeclaredIsError(t *testing.T) {
	e := NewEnvironment(Obj(nil), Obj(nil))
	if err := e.Assign("missing", Num(1)); err == nil {
		t.Fatal("expected an error assigning to an undeclared variable")
	}
}

func TestEnvironmentTruncateDropsScopesAboveDepth(t *testing.T) {
	e := NewEnvironment(Obj(nil), Obj(nil))
	e.PushScope()
	e.PushScope()
	if e.Depth() != 3 {
		t.Fatalf("Depth() = %d, want 3", e.Depth())
	}
	e.Truncate(1)
	if e.Depth() != 1 {
		t.Errorf("Depth() = %d, want 1 after Truncate", e.Depth())
	}
}

func TestAssignPathMutatesNestedListInPlace(t *testing.T) {
	e := NewEnvironment(Obj(nil), Obj(nil))
	e.Declare("items", ListOf([]Value{Num(1), Num(2), Num(3)}))
	path := []ResolvedSeg{{IsIndex: true, Idx: 1}}
	if err := e.AssignPath("items", path, Num(42)); err != nil {
		t.Fatalf("AssignPath: %v", err)
	}
	v, _ := e.Resolve("items")
	if !v.Equals(ListOf([]Value{Num(1), Num(42), Num(3)})) {
		t.Errorf("items = %v", v)
	}
}

func TestAssignPathMutatesNestedObjectProperty(t *testing.T) {
	e := NewEnvironment(Obj(nil), Obj(nil))
	e.Declare("box", Obj(map[string]Value{"inner": Obj(map[string]Value{"v": Num(1)})}))
	path := []ResolvedSeg{{Prop: "inner"}, {Prop: "v"}}
	if err := e.AssignPath("box", path, Num(7)); err != nil {
		t.Fatalf("AssignPath: %v", err)
	}
	v, _ := e.Resolve("box")
	inner := v.O["inner"]
	if !inner.O["v"].Equals(Num(7)) {
		t.Errorf("box.inner.v = %v, want 7", inner.O["v"])
	}
}

func TestAssignPathIndexOutOfRangeIsError(t *testing.T) {
	e := NewEnvironment(Obj(nil), Obj(nil))
	e.Declare("items", ListOf([]Value{Num(1)}))
	path := []ResolvedSeg{{IsIndex: true, Idx: 5}}
	if err := e.AssignPath("items", path, Num(1)); err == nil {
		t.Fatal("expected an out-of-range index assignment to error")
	}
}
