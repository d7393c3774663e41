package compiler

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ha1tch/tsqlparser/ast"

	"sql4dataverse/internal/attrtype"
	"sql4dataverse/internal/fetchxml"
)

// fetchOperatorByFunction maps a T-SQL function name used on the right side
// of `column = func(...)` to its FetchXML operator (§4.4).
var fetchOperatorByFunction = map[string]string{
	"lastxdays":       "last-x-days",
	"nextxdays":       "next-x-days",
	"lastxhours":      "last-x-hours",
	"nextxhours":      "next-x-hours",
	"lastxweeks":      "last-x-weeks",
	"nextxweeks":      "next-x-weeks",
	"lastxmonths":     "last-x-months",
	"nextxmonths":     "next-x-months",
	"lastxyears":      "last-x-years",
	"nextxyears":      "next-x-years",
	"olderthanxdays":  "olderthan-x-days",
	"olderthanxhours": "olderthan-x-hours",
	"today":           "today",
	"yesterday":       "yesterday",
	"tomorrow":        "tomorrow",
	"thisweek":        "this-week",
	"thismonth":       "this-month",
	"thisyear":        "this-year",
}

// predicateLowerer implements §4.4: it tries to produce a FetchXML
// filter/condition tree, and falls back to an evaluated expression when the
// construct cannot be represented natively.
type predicateLowerer struct {
	binder    *binder
	scalar    *scalarLowerer
	joinKeySeen bool // tracks the "at most one column/column comparison per ON" rule
}

func newPredicateLowerer(b *binder) *predicateLowerer {
	return &predicateLowerer{binder: b, scalar: newScalarLowerer(b)}
}

// lowerFilter attempts the FetchXML path for node, appending into target.
// It returns a *postProcessingRequired error when the construct must fall
// back to the expression path; the caller (assembler, §4.5) decides what to
// do with that signal. Other errors are binding failures, a
// *NotSupportedQueryFragment for a second join key inside ON, and an
// *UnsupportedSubquery for IN with a subquery.
func (p *predicateLowerer) lowerFilter(node ast.Expression, target *fetchxml.Filter, inJoinON bool) error {
	switch n := node.(type) {
	case *ast.InfixExpression:
		op := strings.ToUpper(n.Operator)
		if op == "AND" || op == "OR" {
			return p.lowerBoolInFilter(n, target, boolKindFromOp(op), inJoinON)
		}
		return p.lowerComparisonInFilter(n, target, inJoinON)
	case *ast.IsNullExpression:
		return p.lowerIsNull(n, target)
	case *ast.LikeExpression:
		return p.lowerLike(n, target)
	case *ast.InExpression:
		return p.lowerIn(n, target)
	default:
		return newPostProcessingRequired("unsupported predicate construct", node.String())
	}
}

func boolKindFromOp(op string) fetchxml.FilterType {
	if op == "OR" {
		return fetchxml.FilterOr
	}
	return fetchxml.FilterAnd
}

// lowerBoolInFilter implements the §4.4 AND/OR combinator rule: extend the
// running filter if its type matches or is indeterminate; otherwise open a
// nested filter for the new combinator. A child PostProcessingRequired
// under an AND (not inside OR) is lifted to the expression tail instead of
// failing the whole WHERE clause; that lift is the assembler's job, so this
// method returns the error unchanged and lets the caller decide.
func (p *predicateLowerer) lowerBoolInFilter(n *ast.InfixExpression, target *fetchxml.Filter, kind fetchxml.FilterType, inJoinON bool) error {
	var dest *fetchxml.Filter
	if target.Type == fetchxml.FilterIndeterminate {
		target.SetType(kind)
		dest = target
	} else if target.Type == kind {
		dest = target
	} else {
		dest = fetchxml.NewFilter()
		dest.SetType(kind)
		target.AddFilter(dest)
	}
	if err := p.lowerFilter(n.Left, dest, inJoinON); err != nil {
		return err
	}
	return p.lowerFilter(n.Right, dest, inJoinON)
}

func (p *predicateLowerer) lowerComparisonInFilter(n *ast.InfixExpression, target *fetchxml.Filter, inJoinON bool) error {
	kind, ok := comparisonOp(n.Operator)
	if !ok {
		return newPostProcessingRequired("unsupported comparison operator", n.String())
	}
	leftCol, leftIsCol := asQualified(n.Left)
	rightCol, rightIsCol := asQualified(n.Right)

	if leftIsCol && rightIsCol {
		if !inJoinON {
			return newPostProcessingRequired("column-to-column comparison outside JOIN ON", n.String())
		}
		if p.joinKeySeen {
			return &NotSupportedQueryFragment{Reason: "second column/column comparison under one ON", Fragment: n.String()}
		}
		p.joinKeySeen = true
		// join-key comparisons are consumed by the FROM lowering step
		// directly (§4.5 step 1), not turned into a Condition here.
		return nil
	}

	var colBinding ColumnBinding
	var valueNode ast.Expression
	var mirrored bool
	switch {
	case leftIsCol:
		b, err := p.binder.bindColumn(leftCol)
		if err != nil {
			return err
		}
		colBinding = b
		valueNode = n.Right
	case rightIsCol:
		b, err := p.binder.bindColumn(rightCol)
		if err != nil {
			return err
		}
		colBinding = b
		valueNode = n.Left
		mirrored = true
	default:
		return newPostProcessingRequired("comparison has no column operand", n.String())
	}

	operator, value, err := p.resolveConditionOperator(kind, valueNode, mirrored)
	if err != nil {
		return err
	}
	target.AddCondition(fetchxml.Condition{
		EntityName: linkEntityNameOf(colBinding.Table),
		Attribute:  colBinding.AttributeName,
		Operator:   operator,
		Value:      value,
	})
	return nil
}

// resolveConditionOperator implements the "op is =, right side may be a
// function call" rule and the direction mirroring for >, >=, <, <= when the
// column appears on the right (§4.4).
func (p *predicateLowerer) resolveConditionOperator(kind comparisonKind, valueNode ast.Expression, mirrored bool) (string, string, error) {
	if kind == cmpEQ {
		if fc, ok := valueNode.(*ast.FunctionCall); ok {
			name := strings.ToLower(fc.Function.String())
			op, ok := fetchOperatorByFunction[name]
			if !ok {
				return "", "", newPostProcessingRequired("unrecognised FetchXML operator function", fc.String())
			}
			if len(fc.Arguments) > 1 {
				return "", "", newPostProcessingRequired("at most one literal parameter permitted", fc.String())
			}
			if len(fc.Arguments) == 1 {
				return op, literalText(fc.Arguments[0]), nil
			}
			return op, "", nil
		}
	}
	op := comparisonToFetchOperator(kind, mirrored)
	return op, literalText(valueNode), nil
}

func comparisonToFetchOperator(kind comparisonKind, mirrored bool) string {
	if mirrored {
		switch kind {
		case cmpGT:
			kind = cmpLT
		case cmpGE:
			kind = cmpLE
		case cmpLT:
			kind = cmpGT
		case cmpLE:
			kind = cmpGE
		}
	}
	switch kind {
	case cmpEQ:
		return "eq"
	case cmpNE:
		return "ne"
	case cmpLT:
		return "lt"
	case cmpLE:
		return "le"
	case cmpGT:
		return "gt"
	case cmpGE:
		return "ge"
	default:
		return "eq"
	}
}

func (p *predicateLowerer) lowerIsNull(n *ast.IsNullExpression, target *fetchxml.Filter) error {
	col, ok := asQualified(n.Expr)
	if !ok {
		return newPostProcessingRequired("IS NULL requires a column operand", n.String())
	}
	binding, err := p.binder.bindColumn(col)
	if err != nil {
		return err
	}
	op := "null"
	if n.Not {
		op = "not-null"
	}
	target.AddCondition(fetchxml.Condition{
		EntityName: linkEntityNameOf(binding.Table),
		Attribute:  binding.AttributeName,
		Operator:   op,
	})
	return nil
}

func (p *predicateLowerer) lowerLike(n *ast.LikeExpression, target *fetchxml.Filter) error {
	col, ok := asQualified(n.Expr)
	if !ok {
		return newPostProcessingRequired("LIKE requires a column left operand", n.String())
	}
	pattern, ok := n.Pattern.(*ast.StringLiteral)
	if !ok {
		return newPostProcessingRequired("LIKE requires a string literal pattern", n.String())
	}
	binding, err := p.binder.bindColumn(col)
	if err != nil {
		return err
	}
	op := "like"
	if n.Not {
		op = "not-like"
	}
	target.AddCondition(fetchxml.Condition{
		EntityName: linkEntityNameOf(binding.Table),
		Attribute:  binding.AttributeName,
		Operator:   op,
		Value:      pattern.Value,
	})
	return nil
}

func (p *predicateLowerer) lowerIn(n *ast.InExpression, target *fetchxml.Filter) error {
	if n.Subquery != nil {
		return &UnsupportedSubquery{Fragment: n.String()}
	}
	col, ok := asQualified(n.Expr)
	if !ok {
		return newPostProcessingRequired("IN requires a column left operand", n.String())
	}
	binding, err := p.binder.bindColumn(col)
	if err != nil {
		return err
	}
	values := make([]string, len(n.Values))
	for i, v := range n.Values {
		values[i] = literalText(v)
	}
	op := "in"
	if n.Not {
		op = "not-in"
	}
	target.AddCondition(fetchxml.Condition{
		EntityName: linkEntityNameOf(binding.Table),
		Attribute:  binding.AttributeName,
		Operator:   op,
		Values:     values,
	})
	return nil
}

// lowerExpr is the expression-predicate path (§4.4): used for HAVING,
// inside CASE-WHEN, and as the WHERE fallback tail. It reuses the scalar
// lowerer's boolean/comparison nodes, but for LIKE/IN it builds explicit
// three-valued predicate nodes instead of FetchXML conditions.
func (p *predicateLowerer) lowerExpr(node ast.Expression) (Expr, error) {
	switch n := node.(type) {
	case *ast.InfixExpression:
		return p.scalar.lower(n)
	case *ast.IsNullExpression:
		operand, err := p.scalar.lower(n.Expr)
		if err != nil {
			return nil, err
		}
		return &isNullExpr{operand: operand, not: n.Not}, nil
	case *ast.LikeExpression:
		operand, err := p.scalar.lower(n.Expr)
		if err != nil {
			return nil, err
		}
		patternExpr, err := p.scalar.lower(n.Pattern)
		if err != nil {
			return nil, err
		}
		return &likeExpr{operand: operand, pattern: patternExpr, not: n.Not}, nil
	case *ast.InExpression:
		if n.Subquery != nil {
			return nil, &UnsupportedSubquery{Fragment: n.String()}
		}
		operand, err := p.scalar.lower(n.Expr)
		if err != nil {
			return nil, err
		}
		values := make([]Expr, len(n.Values))
		for i, v := range n.Values {
			e, err := p.scalar.lower(v)
			if err != nil {
				return nil, err
			}
			values[i] = e
		}
		return &inExpr{operand: operand, values: values, not: n.Not}, nil
	default:
		return p.scalar.lower(node)
	}
}

func asQualified(node ast.Expression) (*ast.QualifiedIdentifier, bool) {
	switch n := node.(type) {
	case *ast.QualifiedIdentifier:
		return n, true
	case *ast.Identifier:
		return &ast.QualifiedIdentifier{Parts: []*ast.Identifier{n}}, true
	default:
		return nil, false
	}
}

func linkEntityNameOf(t *EntityTable) string {
	if t.IsRoot {
		return ""
	}
	return t.Name()
}

func literalText(node ast.Expression) string {
	switch n := node.(type) {
	case *ast.StringLiteral:
		return n.Value
	case *ast.IntegerLiteral:
		return strconv.FormatInt(n.Value, 10)
	case *ast.FloatLiteral:
		return strconv.FormatFloat(n.Value, 'f', -1, 64)
	case *ast.MoneyLiteral:
		return strings.TrimPrefix(n.Value, "$")
	case *ast.NullLiteral:
		return ""
	default:
		return node.String()
	}
}

// --- expression-predicate node types (§4.4 expression path) ---

type isNullExpr struct {
	operand Expr
	not     bool
}

func (isNullExpr) Type() attrtype.DomainType { return attrtype.DomainNullableBool }
func (e *isNullExpr) Eval(row Row) interface{} {
	isNull := e.operand.Eval(row) == nil
	if e.not {
		return !isNull
	}
	return isNull
}

// likeExpr implements explicit SQL wildcard semantics (% and _), no ESCAPE
// support (§4.4).
type likeExpr struct {
	operand, pattern Expr
	not              bool
}

func (likeExpr) Type() attrtype.DomainType { return attrtype.DomainNullableBool }
func (e *likeExpr) Eval(row Row) interface{} {
	v := e.operand.Eval(row)
	pv := e.pattern.Eval(row)
	if v == nil || pv == nil {
		return false
	}
	matched := matchLike(toStringValue(v), toStringValue(pv))
	if e.not {
		return !matched
	}
	return matched
}

func matchLike(value, pattern string) bool {
	var sb strings.Builder
	sb.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

type inExpr struct {
	operand Expr
	values  []Expr
	not     bool
}

func (inExpr) Type() attrtype.DomainType { return attrtype.DomainNullableBool }
func (e *inExpr) Eval(row Row) interface{} {
	v := e.operand.Eval(row)
	if v == nil {
		return false
	}
	found := false
	for _, cand := range e.values {
		cv := cand.Eval(row)
		if cv == nil {
			continue
		}
		if compareValues(v, cv) == 0 {
			found = true
			break
		}
	}
	if e.not {
		return !found
	}
	return found
}
