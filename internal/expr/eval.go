package expr

import (
	"math"
	"reflect"
	"strings"
)

// Evaluate runs the expression against a row payload.
func (e *Expression) Evaluate(row map[string]any) (any, error) {
	return eval(e.root, row)
}

// EvaluateBool evaluates and applies truthiness, which is what gates need.
func (e *Expression) EvaluateBool(row map[string]any) (bool, error) {
	v, err := eval(e.root, row)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func eval(n node, row map[string]any) (any, error) {
	switch x := n.(type) {
	case litNode:
		return x.val, nil
	case rowNode:
		return row, nil
	case subscriptNode:
		return evalSubscript(x, row)
	case getNode:
		return evalGet(x, row)
	case unaryNode:
		return evalUnary(x, row)
	case binNode:
		return evalBin(x, row)
	case boolNode:
		return evalBool(x, row)
	case notNode:
		v, err := eval(x.operand, row)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case compareNode:
		return evalCompare(x, row)
	case ternaryNode:
		cond, err := eval(x.cond, row)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return eval(x.then, row)
		}
		return eval(x.els, row)
	case listNode:
		return evalElems(x.elems, row)
	case setNode:
		return evalElems(x.elems, row)
	case dictNode:
		out := make(map[string]any, len(x.keys))
		for i := range x.keys {
			k, err := eval(x.keys[i], row)
			if err != nil {
				return nil, err
			}
			ks, ok := k.(string)
			if !ok {
				return nil, evalErrf("dict literal key %v is not a string", k)
			}
			v, err := eval(x.vals[i], row)
			if err != nil {
				return nil, err
			}
			out[ks] = v
		}
		return out, nil
	}
	panic("expr: unknown node type")
}

func evalElems(elems []node, row map[string]any) (any, error) {
	out := make([]any, len(elems))
	for i, el := range elems {
		v, err := eval(el, row)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func evalSubscript(x subscriptNode, row map[string]any) (any, error) {
	target, err := eval(x.target, row)
	if err != nil {
		return nil, err
	}
	index, err := eval(x.index, row)
	if err != nil {
		return nil, err
	}
	switch t := target.(type) {
	case map[string]any:
		key, ok := index.(string)
		if !ok {
			return nil, evalErrf("map subscript with non-string key %v", index)
		}
		v, ok := t[key]
		if !ok {
			return nil, evalErrf("key %q not found", key)
		}
		return v, nil
	case []any:
		i, ok := asInt(index)
		if !ok {
			return nil, evalErrf("list subscript with non-integer index %v", index)
		}
		if i < 0 {
			i += int64(len(t))
		}
		if i < 0 || i >= int64(len(t)) {
			return nil, evalErrf("list index %v out of range", index)
		}
		return t[i], nil
	case string:
		i, ok := asInt(index)
		if !ok {
			return nil, evalErrf("string subscript with non-integer index %v", index)
		}
		r := []rune(t)
		if i < 0 {
			i += int64(len(r))
		}
		if i < 0 || i >= int64(len(r)) {
			return nil, evalErrf("string index %v out of range", index)
		}
		return string(r[i]), nil
	case nil:
		return nil, evalErrf("subscript on None")
	default:
		return nil, evalErrf("subscript on %T", target)
	}
}

func evalGet(x getNode, row map[string]any) (any, error) {
	target, err := eval(x.target, row)
	if err != nil {
		return nil, err
	}
	m, ok := target.(map[string]any)
	if !ok {
		return nil, evalErrf(".get on %T", target)
	}
	key, err := eval(x.key, row)
	if err != nil {
		return nil, err
	}
	ks, ok := key.(string)
	if !ok {
		return nil, evalErrf(".get with non-string key %v", key)
	}
	if v, present := m[ks]; present {
		return v, nil
	}
	if x.def == nil {
		return nil, nil
	}
	return eval(x.def, row)
}

func evalUnary(x unaryNode, row map[string]any) (any, error) {
	v, err := eval(x.operand, row)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case int64:
		if x.op == "-" {
			return -t, nil
		}
		return t, nil
	case int:
		if x.op == "-" {
			return int64(-t), nil
		}
		return int64(t), nil
	case float64:
		if x.op == "-" {
			return -t, nil
		}
		return t, nil
	default:
		return nil, evalErrf("unary %s on %T", x.op, v)
	}
}

func evalBool(x boolNode, row map[string]any) (any, error) {
	// Python semantics: and/or return the deciding operand, not a bool.
	var last any
	for i, operand := range x.vals {
		v, err := eval(operand, row)
		if err != nil {
			return nil, err
		}
		last = v
		if i == len(x.vals)-1 {
			break
		}
		if x.op == "and" && !truthy(v) {
			return v, nil
		}
		if x.op == "or" && truthy(v) {
			return v, nil
		}
	}
	return last, nil
}

func evalCompare(x compareNode, row map[string]any) (any, error) {
	left, err := eval(x.first, row)
	if err != nil {
		return nil, err
	}
	for i, op := range x.ops {
		right, err := eval(x.rest[i], row)
		if err != nil {
			return nil, err
		}
		ok, err := compare(op, left, right)
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
		left = right
	}
	return true, nil
}

func compare(op string, left, right any) (bool, error) {
	switch op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "is":
		return left == nil && right == nil, nil
	case "is not":
		return !(left == nil && right == nil), nil
	case "in":
		return contains(right, left)
	case "not in":
		ok, err := contains(right, left)
		return !ok, err
	}
	// Ordering comparisons.
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, lok2 := left.(string)
	rs, rok2 := right.(string)
	if lok2 && rok2 {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return false, evalErrf("%s not supported between %T and %T", op, left, right)
}

func contains(container, item any) (bool, error) {
	switch c := container.(type) {
	case []any:
		for _, el := range c {
			if looseEqual(el, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := item.(string)
		if !ok {
			return false, evalErrf("'in <string>' requires a string, got %T", item)
		}
		return strings.Contains(c, s), nil
	case map[string]any:
		s, ok := item.(string)
		if !ok {
			return false, nil
		}
		_, present := c[s]
		return present, nil
	default:
		return false, evalErrf("'in' on %T", container)
	}
}

// looseEqual matches Python equality closely enough for gate conditions:
// cross-width numerics compare by value, everything else by deep equality.
func looseEqual(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func evalBin(x binNode, row map[string]any) (any, error) {
	left, err := eval(x.left, row)
	if err != nil {
		return nil, err
	}
	right, err := eval(x.right, row)
	if err != nil {
		return nil, err
	}

	if x.op == "+" {
		if ls, ok := left.(string); ok {
			rs, ok := right.(string)
			if !ok {
				return nil, evalErrf("cannot concatenate string and %T", right)
			}
			return ls + rs, nil
		}
		if ll, ok := left.([]any); ok {
			rl, ok := right.([]any)
			if !ok {
				return nil, evalErrf("cannot concatenate list and %T", right)
			}
			out := make([]any, 0, len(ll)+len(rl))
			out = append(out, ll...)
			return append(out, rl...), nil
		}
	}

	li, lIsInt := asInt(left)
	ri, rIsInt := asInt(right)
	if lIsInt && rIsInt {
		switch x.op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "/":
			if ri == 0 {
				return nil, evalErrf("division by zero")
			}
			return float64(li) / float64(ri), nil
		case "//":
			if ri == 0 {
				return nil, evalErrf("division by zero")
			}
			return floorDivInt(li, ri), nil
		case "%":
			if ri == 0 {
				return nil, evalErrf("modulo by zero")
			}
			return pyModInt(li, ri), nil
		}
	}

	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if !lok || !rok {
		return nil, evalErrf("%s not supported between %T and %T", x.op, left, right)
	}
	switch x.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, evalErrf("division by zero")
		}
		return lf / rf, nil
	case "//":
		if rf == 0 {
			return nil, evalErrf("division by zero")
		}
		return math.Floor(lf / rf), nil
	case "%":
		if rf == 0 {
			return nil, evalErrf("modulo by zero")
		}
		m := math.Mod(lf, rf)
		if m != 0 && (m < 0) != (rf < 0) {
			m += rf
		}
		return m, nil
	}
	return nil, evalErrf("unknown operator %s", x.op)
}

// floorDivInt and pyModInt round toward negative infinity the way Python
// does, not toward zero the way Go does.
func floorDivInt(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func pyModInt(a, b int64) int64 {
	m := a % b
	if m != 0 && (m < 0) != (b < 0) {
		m += b
	}
	return m
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		if f, ok := asFloat(v); ok {
			return f != 0
		}
		return true
	}
}
