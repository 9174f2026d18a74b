package rhythm

import (
	"encoding/json"
	"fmt"
)

// Span carries source position for diagnostics. Produced by the external
// parser; this package only round-trips it.
type Span struct {
	Offset int `json:"offset"`
	Line   int `json:"line"`
	Col    int `json:"col"`
}

// StmtKind discriminates the Stmt sum per the parser contract.
type StmtKind uint8

const (
	StmtBlock StmtKind = iota
	StmtExpr
	StmtDeclare
	StmtAssign
	StmtIf
	StmtWhile
	StmtForLoop
	StmtReturn
	StmtBreak
	StmtContinue
	StmtTry
)

// PathSeg is one segment of an Assign target path following the base
// variable name: a static property or a computed index.
type PathSeg struct {
	IsIndex bool
	Prop    string
	Index   *Expr
}

// Stmt is one statement node. Only the fields relevant to Kind are set.
type Stmt struct {
	Kind StmtKind
	Span Span

	// Block
	Body []*Stmt

	// Expr / Return / Declare (init) / Assign (value)
	Expr *Expr

	// Declare name / Assign base variable name / ForLoop bound name
	Name string

	// Assign: property/index chain after Name; empty means assign to Name itself.
	Path []PathSeg

	// If / While condition
	Cond *Expr

	// If branches
	Then []*Stmt
	Else []*Stmt

	// ForLoop
	Iterable *Expr

	// Try
	CatchVar    string
	CatchBody   []*Stmt
	FinallyBody []*Stmt
}

// ExprKind discriminates the Expr sum per the parser contract.
type ExprKind uint8

const (
	ExprLitNull ExprKind = iota
	ExprLitBool
	ExprLitNum
	ExprLitStr
	ExprLitList
	ExprLitObj
	ExprIdent
	ExprMember
	ExprCall
	ExprAwait
	ExprBinaryOp
	ExprTernary
)

// ObjField is one key/value pair of an object literal.
type ObjField struct {
	Name  string
	Value *Expr
}

// Expr is one expression node. Only the fields relevant to Kind are set.
type Expr struct {
	Kind ExprKind
	Span Span

	Bool bool
	Num  float64
	Str  string
	List []*Expr
	Obj  []ObjField

	// Ident name / Call callee (dotted "Module.method")
	Name string

	// Member
	Object   *Expr
	Prop     string
	Index    *Expr
	Optional bool

	// Call
	Args []*Expr

	// Await
	Inner *Expr

	// BinaryOp
	Op    string
	Left  *Expr
	Right *Expr

	// Ternary
	Test *Expr
	Then *Expr
	Else *Expr
}

// Program is the root AST node: a workflow body.
type Program struct {
	Body []*Stmt
}

// --- JSON decoding of the external parser's AST ---

// ParseAST decodes the external parser's JSON AST into a Program.
func ParseAST(data []byte) (*Program, error) {
	var body []json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("rhythm: decode program: %w", err)
	}
	stmts := make([]*Stmt, 0, len(body))
	for _, raw := range body {
		s, err := decodeStmt(raw)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
	}
	return &Program{Body: stmts}, nil
}

func decodeStmt(raw json.RawMessage) (*Stmt, error) {
	var head struct {
		Kind string `json:"kind"`
		Span Span   `json:"span"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("rhythm: decode stmt head: %w", err)
	}
	s := &Stmt{Span: head.Span}
	switch head.Kind {
	case "Block":
		var body struct {
			Body []json.RawMessage `json:"body"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		s.Kind = StmtBlock
		for _, b := range body.Body {
			child, err := decodeStmt(b)
			if err != nil {
				return nil, err
			}
			s.Body = append(s.Body, child)
		}
	case "Expr":
		var body struct {
			Expr json.RawMessage `json:"expr"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		s.Kind = StmtExpr
		expr, err := decodeExpr(body.Expr)
		if err != nil {
			return nil, err
		}
		s.Expr = expr
	case "Declare":
		var body struct {
			Name string          `json:"name"`
			Init json.RawMessage `json:"init"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		s.Kind = StmtDeclare
		s.Name = body.Name
		expr, err := decodeExpr(body.Init)
		if err != nil {
			return nil, err
		}
		s.Expr = expr
	case "Assign":
		var body struct {
			Var   string          `json:"var"`
			Path  []rawPathSeg    `json:"path"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		s.Kind = StmtAssign
		s.Name = body.Var
		for _, p := range body.Path {
			seg := PathSeg{IsIndex: p.IsIndex, Prop: p.Prop}
			if p.IsIndex {
				idx, err := decodeExpr(p.Index)
				if err != nil {
					return nil, err
				}
				seg.Index = idx
			}
			s.Path = append(s.Path, seg)
		}
		expr, err := decodeExpr(body.Value)
		if err != nil {
			return nil, err
		}
		s.Expr = expr
	case "If":
		var body struct {
			Cond json.RawMessage   `json:"cond"`
			Then []json.RawMessage `json:"then"`
			Else []json.RawMessage `json:"else"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		s.Kind = StmtIf
		cond, err := decodeExpr(body.Cond)
		if err != nil {
			return nil, err
		}
		s.Cond = cond
		for _, b := range body.Then {
			child, err := decodeStmt(b)
			if err != nil {
				return nil, err
			}
			s.Then = append(s.Then, child)
		}
		for _, b := range body.Else {
			child, err := decodeStmt(b)
			if err != nil {
				return nil, err
			}
			s.Else = append(s.Else, child)
		}
	case "While":
		var body struct {
			Cond json.RawMessage   `json:"cond"`
			Body []json.RawMessage `json:"body"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		s.Kind = StmtWhile
		cond, err := decodeExpr(body.Cond)
		if err != nil {
			return nil, err
		}
		s.Cond = cond
		for _, b := range body.Body {
			child, err := decodeStmt(b)
			if err != nil {
				return nil, err
			}
			s.Body = append(s.Body, child)
		}
	case "ForLoop":
		var body struct {
			Name     string            `json:"name"`
			Iterable json.RawMessage   `json:"iterable"`
			Body     []json.RawMessage `json:"body"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		s.Kind = StmtForLoop
		s.Name = body.Name
		it, err := decodeExpr(body.Iterable)
		if err != nil {
			return nil, err
		}
		s.Iterable = it
		for _, b := range body.Body {
			child, err := decodeStmt(b)
			if err != nil {
				return nil, err
			}
			s.Body = append(s.Body, child)
		}
	case "Return":
		var body struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		s.Kind = StmtReturn
		if len(body.Value) > 0 && string(body.Value) != "null" {
			expr, err := decodeExpr(body.Value)
			if err != nil {
				return nil, err
			}
			s.Expr = expr
		}
	case "Break":
		s.Kind = StmtBreak
	case "Continue":
		s.Kind = StmtContinue
	case "Try":
		var body struct {
			Body      []json.RawMessage `json:"body"`
			CatchVar  string            `json:"catch_var"`
			CatchBody []json.RawMessage `json:"catch_body"`
			Finally   []json.RawMessage `json:"finally"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		s.Kind = StmtTry
		s.CatchVar = body.CatchVar
		for _, b := range body.Body {
			child, err := decodeStmt(b)
			if err != nil {
				return nil, err
			}
			s.Body = append(s.Body, child)
		}
		for _, b := range body.CatchBody {
			child, err := decodeStmt(b)
			if err != nil {
				return nil, err
			}
			s.CatchBody = append(s.CatchBody, child)
		}
		for _, b := range body.Finally {
			child, err := decodeStmt(b)
			if err != nil {
				return nil, err
			}
			s.FinallyBody = append(s.FinallyBody, child)
		}
	default:
		return nil, fmt.Errorf("rhythm: unknown statement kind %q", head.Kind)
	}
	return s, nil
}

type rawPathSeg struct {
	IsIndex bool            `json:"is_index"`
	Prop    string          `json:"prop"`
	Index   json.RawMessage `json:"index"`
}

func decodeExpr(raw json.RawMessage) (*Expr, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var head struct {
		Kind string `json:"kind"`
		Span Span   `json:"span"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("rhythm: decode expr head: %w", err)
	}
	e := &Expr{Span: head.Span}
	switch head.Kind {
	case "LitNull":
		e.Kind = ExprLitNull
	case "LitBool":
		var body struct {
			Value bool `json:"value"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		e.Kind = ExprLitBool
		e.Bool = body.Value
	case "LitNum":
		var body struct {
			Value float64 `json:"value"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		e.Kind = ExprLitNum
		e.Num = body.Value
	case "LitStr":
		var body struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		e.Kind = ExprLitStr
		e.Str = body.Value
	case "LitList":
		var body struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		e.Kind = ExprLitList
		for _, it := range body.Items {
			child, err := decodeExpr(it)
			if err != nil {
				return nil, err
			}
			e.List = append(e.List, child)
		}
	case "LitObj":
		var body struct {
			Fields []struct {
				Name  string          `json:"name"`
				Value json.RawMessage `json:"value"`
			} `json:"fields"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		e.Kind = ExprLitObj
		for _, f := range body.Fields {
			v, err := decodeExpr(f.Value)
			if err != nil {
				return nil, err
			}
			e.Obj = append(e.Obj, ObjField{Name: f.Name, Value: v})
		}
	case "Ident":
		var body struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		e.Kind = ExprIdent
		e.Name = body.Name
	case "Member":
		var body struct {
			Object   json.RawMessage `json:"object"`
			Prop     string          `json:"prop"`
			Index    json.RawMessage `json:"index"`
			Optional bool            `json:"optional"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		e.Kind = ExprMember
		obj, err := decodeExpr(body.Object)
		if err != nil {
			return nil, err
		}
		e.Object = obj
		e.Prop = body.Prop
		e.Optional = body.Optional
		if len(body.Index) > 0 && string(body.Index) != "null" {
			idx, err := decodeExpr(body.Index)
			if err != nil {
				return nil, err
			}
			e.Index = idx
		}
	case "Call":
		var body struct {
			Callee string            `json:"callee"`
			Args   []json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		e.Kind = ExprCall
		e.Name = body.Callee
		for _, a := range body.Args {
			arg, err := decodeExpr(a)
			if err != nil {
				return nil, err
			}
			e.Args = append(e.Args, arg)
		}
	case "Await":
		var body struct {
			Inner json.RawMessage `json:"inner"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		e.Kind = ExprAwait
		inner, err := decodeExpr(body.Inner)
		if err != nil {
			return nil, err
		}
		e.Inner = inner
	case "BinaryOp":
		var body struct {
			Op    string          `json:"op"`
			Left  json.RawMessage `json:"left"`
			Right json.RawMessage `json:"right"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		e.Kind = ExprBinaryOp
		e.Op = body.Op
		l, err := decodeExpr(body.Left)
		if err != nil {
			return nil, err
		}
		r, err := decodeExpr(body.Right)
		if err != nil {
			return nil, err
		}
		e.Left, e.Right = l, r
	case "Ternary":
		var body struct {
			Test json.RawMessage `json:"test"`
			Then json.RawMessage `json:"then"`
			Else json.RawMessage `json:"else"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		e.Kind = ExprTernary
		t, err := decodeExpr(body.Test)
		if err != nil {
			return nil, err
		}
		th, err := decodeExpr(body.Then)
		if err != nil {
			return nil, err
		}
		el, err := decodeExpr(body.Else)
		if err != nil {
			return nil, err
		}
		e.Test, e.Then, e.Else = t, th, el
	default:
		return nil, fmt.Errorf("rhythm: unknown expression kind %q", head.Kind)
	}
	return e, nil
}
