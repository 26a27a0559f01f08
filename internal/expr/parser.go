package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// SecurityError rejects a construct outside the whitelist. These are raised
// at parse time so a hostile condition never reaches evaluation.
type SecurityError struct {
	Construct string
	Pos       int
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("expr: disallowed construct at %d: %s", e.Pos, e.Construct)
}

// SyntaxError rejects malformed source.
type SyntaxError struct {
	Msg string
	Pos int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("expr: syntax error at %d: %s", e.Pos, e.Msg)
}

// EvalError reports a runtime failure: missing key, type mismatch, division
// by zero.
type EvalError struct {
	Msg string
}

func (e *EvalError) Error() string { return "expr: " + e.Msg }

func evalErrf(format string, args ...any) *EvalError {
	return &EvalError{Msg: fmt.Sprintf(format, args...)}
}

type node interface{ isNode() }

type litNode struct{ val any }
type rowNode struct{}
type subscriptNode struct {
	target node
	index  node
}
type getNode struct {
	target node
	key    node
	def    node // nil means default None
}
type unaryNode struct {
	op      string
	operand node
}
type binNode struct {
	op          string
	left, right node
}
type boolNode struct {
	op   string // "and" | "or"
	vals []node
}
type notNode struct{ operand node }
type compareNode struct {
	first node
	ops   []string
	rest  []node
}
type ternaryNode struct{ cond, then, els node }
type listNode struct{ elems []node }
type setNode struct{ elems []node }
type dictNode struct{ keys, vals []node }

func (litNode) isNode()       {}
func (rowNode) isNode()       {}
func (subscriptNode) isNode() {}
func (getNode) isNode()       {}
func (unaryNode) isNode()     {}
func (binNode) isNode()       {}
func (boolNode) isNode()      {}
func (notNode) isNode()       {}
func (compareNode) isNode()   {}
func (ternaryNode) isNode()   {}
func (listNode) isNode()      {}
func (setNode) isNode()       {}
func (dictNode) isNode()      {}

// Expression is a parsed, validated condition ready for repeated evaluation.
type Expression struct {
	src  string
	root node
}

// Source returns the original condition text.
func (e *Expression) Source() string { return e.src }

// Parse lexes, parses, and security-validates a condition.
func Parse(src string) (*Expression, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &SyntaxError{Msg: "empty expression"}
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokEOF {
		return nil, &SyntaxError{Msg: fmt.Sprintf("unexpected %q after expression", p.cur().text), Pos: p.cur().pos}
	}
	return &Expression{src: src, root: root}, nil
}

// IsBoolean reports whether the expression statically evaluates to a
// boolean: comparisons, not, boolean literals, and/or and ternaries over
// booleans. The config layer uses this to require {true,false} route labels.
func (e *Expression) IsBoolean() bool { return isBoolean(e.root) }

func isBoolean(n node) bool {
	switch x := n.(type) {
	case compareNode:
		return true
	case notNode:
		return true
	case litNode:
		_, ok := x.val.(bool)
		return ok
	case boolNode:
		for _, v := range x.vals {
			if !isBoolean(v) {
				return false
			}
		}
		return true
	case ternaryNode:
		return isBoolean(x.then) && isBoolean(x.els)
	default:
		return false
	}
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) cur() token  { return p.toks[p.i] }
func (p *parser) next() token { t := p.toks[p.i]; p.i++; return t }

func (p *parser) accept(kind tokenKind, text string) bool {
	if p.cur().kind == kind && p.cur().text == text {
		p.i++
		return true
	}
	return false
}

func (p *parser) expect(text string) error {
	if p.cur().kind == tokOp && p.cur().text == text {
		p.i++
		return nil
	}
	return &SyntaxError{Msg: fmt.Sprintf("expected %q, found %q", text, p.cur().text), Pos: p.cur().pos}
}

// parseTernary: orExpr [if orExpr else ternary]
func (p *parser) parseTernary() (node, error) {
	then, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.accept(tokKeyword, "if") {
		return then, nil
	}
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.accept(tokKeyword, "else") {
		return nil, &SyntaxError{Msg: "ternary missing else", Pos: p.cur().pos}
	}
	els, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return ternaryNode{cond: cond, then: then, els: els}, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokKeyword || p.cur().text != "or" {
		return left, nil
	}
	vals := []node{left}
	for p.accept(tokKeyword, "or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		vals = append(vals, right)
	}
	return boolNode{op: "or", vals: vals}, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokKeyword || p.cur().text != "and" {
		return left, nil
	}
	vals := []node{left}
	for p.accept(tokKeyword, "and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		vals = append(vals, right)
	}
	return boolNode{op: "and", vals: vals}, nil
}

func (p *parser) parseNot() (node, error) {
	if p.accept(tokKeyword, "not") {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

var compareOps = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

// parseComparison handles chained comparisons: a < b <= c evaluates as
// (a < b) and (b <= c) with b evaluated once.
func (p *parser) parseComparison() (node, error) {
	left, err := p.parseArith()
	if err != nil {
		return nil, err
	}
	var ops []string
	var rest []node
	for {
		op, ok, err := p.peekCompareOp()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		right, err := p.parseArith()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		rest = append(rest, right)
	}
	if len(ops) == 0 {
		return left, nil
	}
	return compareNode{first: left, ops: ops, rest: rest}, nil
}

func (p *parser) peekCompareOp() (string, bool, error) {
	t := p.cur()
	if t.kind == tokOp && compareOps[t.text] {
		p.i++
		return t.text, true, nil
	}
	if t.kind == tokKeyword && t.text == "in" {
		p.i++
		return "in", true, nil
	}
	if t.kind == tokKeyword && t.text == "not" {
		// "not in" is the only comparison starting with not.
		if p.toks[p.i+1].kind == tokKeyword && p.toks[p.i+1].text == "in" {
			p.i += 2
			return "not in", true, nil
		}
		return "", false, nil
	}
	if t.kind == tokKeyword && t.text == "is" {
		p.i++
		op := "is"
		if p.accept(tokKeyword, "not") {
			op = "is not"
		}
		// is / is not compare identity; the whitelist restricts them to
		// None on the right-hand side.
		if p.cur().kind != tokKeyword || p.cur().text != "None" {
			return "", false, &SecurityError{Construct: "'is' comparison against non-None", Pos: p.cur().pos}
		}
		return op, true, nil
	}
	return "", false, nil
}

func (p *parser) parseArith() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOp && (p.cur().text == "+" || p.cur().text == "-") {
		op := p.next().text
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOp {
		op := p.cur().text
		if op == "**" {
			return nil, &SecurityError{Construct: "power operator", Pos: p.cur().pos}
		}
		if op == ":=" {
			return nil, &SecurityError{Construct: "walrus operator", Pos: p.cur().pos}
		}
		if op != "*" && op != "/" && op != "//" && op != "%" {
			break
		}
		p.i++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.cur().kind == tokOp && (p.cur().text == "+" || p.cur().text == "-") {
		op := p.next().text
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePostfix()
}

// parsePostfix parses a primary followed by subscript / .get chains, which
// are only legal on row-derived values.
func (p *parser) parsePostfix() (node, error) {
	prim, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.cur()
		switch {
		case t.kind == tokOp && t.text == "[":
			if !rowDerived(prim) {
				return nil, &SecurityError{Construct: "subscript on non-row value", Pos: t.pos}
			}
			p.i++
			idx, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if p.cur().kind == tokOp && p.cur().text == ":" {
				return nil, &SecurityError{Construct: "slice expression", Pos: p.cur().pos}
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			prim = subscriptNode{target: prim, index: idx}
		case t.kind == tokOp && t.text == ".":
			p.i++
			attr := p.cur()
			if attr.kind != tokIdent || attr.text != "get" {
				return nil, &SecurityError{Construct: fmt.Sprintf("attribute access .%s", attr.text), Pos: attr.pos}
			}
			if !rowDerived(prim) {
				return nil, &SecurityError{Construct: ".get on non-row value", Pos: attr.pos}
			}
			p.i++
			if err := p.expect("("); err != nil {
				return nil, err
			}
			key, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			var def node
			if p.accept(tokOp, ",") {
				def, err = p.parseTernary()
				if err != nil {
					return nil, err
				}
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			prim = getNode{target: prim, key: key, def: def}
		case t.kind == tokOp && t.text == "(":
			return nil, &SecurityError{Construct: "function call", Pos: t.pos}
		default:
			return prim, nil
		}
	}
}

func rowDerived(n node) bool {
	switch x := n.(type) {
	case rowNode:
		return true
	case subscriptNode:
		return rowDerived(x.target)
	case getNode:
		return rowDerived(x.target)
	default:
		return false
	}
}

func (p *parser) parsePrimary() (node, error) {
	t := p.cur()
	switch t.kind {
	case tokNumber:
		p.i++
		if strings.ContainsAny(t.text, ".eE") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, &SyntaxError{Msg: "bad number literal " + t.text, Pos: t.pos}
			}
			return litNode{val: f}, nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, &SyntaxError{Msg: "bad number literal " + t.text, Pos: t.pos}
		}
		return litNode{val: n}, nil
	case tokString:
		p.i++
		return litNode{val: t.text}, nil
	case tokKeyword:
		switch t.text {
		case "True":
			p.i++
			return litNode{val: true}, nil
		case "False":
			p.i++
			return litNode{val: false}, nil
		case "None":
			p.i++
			return litNode{val: nil}, nil
		case "lambda", "yield", "await", "for", "def", "class", "import", "exec", "eval":
			return nil, &SecurityError{Construct: t.text, Pos: t.pos}
		}
		if strings.HasPrefix(t.text, "string-prefix:") {
			return nil, &SecurityError{Construct: "string prefix " + strings.TrimPrefix(t.text, "string-prefix:"), Pos: t.pos}
		}
		return nil, &SyntaxError{Msg: fmt.Sprintf("unexpected keyword %q", t.text), Pos: t.pos}
	case tokIdent:
		if t.text == "row" {
			p.i++
			return rowNode{}, nil
		}
		return nil, &SecurityError{Construct: fmt.Sprintf("name %q (only row is allowed)", t.text), Pos: t.pos}
	case tokOp:
		switch t.text {
		case "(":
			p.i++
			inner, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			// A comma inside parens makes a tuple literal.
			if p.cur().kind == tokOp && p.cur().text == "," {
				elems := []node{inner}
				for p.accept(tokOp, ",") {
					if p.cur().kind == tokOp && p.cur().text == ")" {
						break
					}
					el, err := p.parseTernary()
					if err != nil {
						return nil, err
					}
					elems = append(elems, el)
				}
				if err := p.expect(")"); err != nil {
					return nil, err
				}
				return listNode{elems: elems}, nil
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return inner, nil
		case "[":
			p.i++
			var elems []node
			for p.cur().kind != tokOp || p.cur().text != "]" {
				el, err := p.parseTernary()
				if err != nil {
					return nil, err
				}
				elems = append(elems, el)
				if !p.accept(tokOp, ",") {
					break
				}
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			return listNode{elems: elems}, nil
		case "{":
			return p.parseBraced()
		case ":=":
			return nil, &SecurityError{Construct: "walrus operator", Pos: t.pos}
		case "**":
			return nil, &SecurityError{Construct: "power operator", Pos: t.pos}
		}
	}
	return nil, &SyntaxError{Msg: fmt.Sprintf("unexpected %q", t.text), Pos: t.pos}
}

// parseBraced parses {…} as a set or dict literal.
func (p *parser) parseBraced() (node, error) {
	p.i++ // consume {
	if p.accept(tokOp, "}") {
		return dictNode{}, nil
	}
	first, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if p.accept(tokOp, ":") {
		// dict
		val, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		d := dictNode{keys: []node{first}, vals: []node{val}}
		for p.accept(tokOp, ",") {
			if p.cur().kind == tokOp && p.cur().text == "}" {
				break
			}
			k, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if err := p.expect(":"); err != nil {
				return nil, err
			}
			v, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			d.keys = append(d.keys, k)
			d.vals = append(d.vals, v)
		}
		if err := p.expect("}"); err != nil {
			return nil, err
		}
		return d, nil
	}
	s := setNode{elems: []node{first}}
	for p.accept(tokOp, ",") {
		if p.cur().kind == tokOp && p.cur().text == "}" {
			break
		}
		el, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		s.elems = append(s.elems, el)
	}
	if err := p.expect("}"); err != nil {
		return nil, err
	}
	return s, nil
}
