package compiler

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/ha1tch/tsqlparser/ast"
	"github.com/shopspring/decimal"

	"sql4dataverse/internal/attrtype"
)

// datePartFunctions take a date-part identifier as their first argument;
// per §4.3 that identifier is consumed as a symbol, never lowered as an
// expression.
var datePartFunctions = map[string]bool{
	"dateadd": true, "datediff": true, "datepart": true,
}

// datePartAliases normalizes T-SQL's date-part abbreviations to the
// canonical spelling used throughout the compiler and in FetchXML
// dategrouping attributes.
var datePartAliases = map[string]string{
	"yy": "year", "yyyy": "year", "year": "year",
	"qq": "quarter", "q": "quarter", "quarter": "quarter",
	"mm": "month", "m": "month", "month": "month",
	"wk": "week", "ww": "week", "week": "week",
	"dd": "day", "d": "day", "day": "day",
	"hh": "hour", "hour": "hour",
	"mi": "minute", "n": "minute", "minute": "minute",
	"ss": "second", "s": "second", "second": "second",
	"fiscalperiod": "fiscal-period",
	"fiscalyear":   "fiscal-year",
}

// NormalizeDatePart resolves a T-SQL date-part token to the canonical form
// (§4.3, §Glossary).
func NormalizeDatePart(raw string) (string, bool) {
	canon, ok := datePartAliases[strings.ToLower(raw)]
	return canon, ok
}

// scalarLowerer lowers a SQL scalar AST node into an Expr (§4.3).
type scalarLowerer struct {
	binder *binder
}

func newScalarLowerer(b *binder) *scalarLowerer {
	return &scalarLowerer{binder: b}
}

func (l *scalarLowerer) lower(node ast.Expression) (Expr, error) {
	switch n := node.(type) {
	case *ast.QualifiedIdentifier:
		return l.lowerColumn(n)
	case *ast.Identifier:
		if e, ok := l.binder.resolveShadow(n.Value); ok {
			return e, nil
		}
		binding, err := l.binder.bindColumn(&ast.QualifiedIdentifier{Parts: []*ast.Identifier{n}})
		if err != nil {
			return nil, err
		}
		requestAttribute(binding)
		return &columnExpr{binding: binding}, nil
	case *ast.IntegerLiteral:
		return &literalExpr{value: n.Value, typ: attrtype.DomainNullableInt}, nil
	case *ast.FloatLiteral:
		return &literalExpr{value: n.Value, typ: attrtype.DomainNullableFloat}, nil
	case *ast.MoneyLiteral:
		d, err := attrtype.ParseDecimalString(strings.TrimPrefix(n.Value, "$"))
		if err != nil {
			return nil, err
		}
		return &literalExpr{value: d, typ: attrtype.DomainNullableDecimal}, nil
	case *ast.StringLiteral:
		return &literalExpr{value: n.Value, typ: attrtype.DomainString}, nil
	case *ast.NullLiteral:
		return &literalExpr{value: nil, typ: attrtype.DomainString}, nil
	case *ast.PrefixExpression:
		return l.lowerPrefix(n)
	case *ast.InfixExpression:
		return l.lowerInfix(n)
	case *ast.CaseExpression:
		return l.lowerCase(n)
	case *ast.FunctionCall:
		return l.lowerFunctionCall(n)
	default:
		return nil, &NotSupportedQueryFragment{Reason: "unsupported scalar expression", Fragment: node.String()}
	}
}

func (l *scalarLowerer) lowerColumn(qi *ast.QualifiedIdentifier) (Expr, error) {
	if len(qi.Parts) == 1 {
		if e, ok := l.binder.resolveShadow(qi.Parts[0].Value); ok {
			return e, nil
		}
	}
	binding, err := l.binder.bindColumn(qi)
	if err != nil {
		return nil, err
	}
	requestAttribute(binding)
	return &columnExpr{binding: binding}, nil
}

func (l *scalarLowerer) lowerPrefix(n *ast.PrefixExpression) (Expr, error) {
	right, err := l.lower(n.Right)
	if err != nil {
		return nil, err
	}
	switch n.Operator {
	case "-":
		return &unaryExpr{op: unaryNegate, operand: right}, nil
	case "+":
		return &unaryExpr{op: unaryPositive, operand: right}, nil
	case "~":
		return &unaryExpr{op: unaryBitNot, operand: right}, nil
	case "NOT":
		return &unaryExpr{op: unaryNot, operand: right}, nil
	default:
		return nil, &NotSupportedQueryFragment{Reason: "unsupported unary operator", Fragment: n.String()}
	}
}

func (l *scalarLowerer) lowerInfix(n *ast.InfixExpression) (Expr, error) {
	left, err := l.lower(n.Left)
	if err != nil {
		return nil, err
	}
	right, err := l.lower(n.Right)
	if err != nil {
		return nil, err
	}
	op := strings.ToUpper(n.Operator)
	if op == "+" && (left.Type() == attrtype.DomainString || right.Type() == attrtype.DomainString) {
		return &concatExpr{left: left, right: right}, nil
	}
	if kind, ok := arithmeticOp(op); ok {
		return &arithmeticExpr{op: kind, left: left, right: right, typ: resultNumericType(left, right)}, nil
	}
	if kind, ok := boolOp(op); ok {
		return &boolExpr{op: kind, left: left, right: right}, nil
	}
	if kind, ok := comparisonOp(op); ok {
		left, right = coerceGuidLiteral(left, right)
		return &comparisonExpr{op: kind, left: left, right: right}, nil
	}
	return nil, &NotSupportedQueryFragment{Reason: "unsupported infix operator", Fragment: n.String()}
}

func resultNumericType(left, right Expr) attrtype.DomainType {
	if left.Type() == attrtype.DomainNullableDecimal || right.Type() == attrtype.DomainNullableDecimal {
		return attrtype.DomainNullableDecimal
	}
	if left.Type() == attrtype.DomainNullableFloat || right.Type() == attrtype.DomainNullableFloat {
		return attrtype.DomainNullableFloat
	}
	return attrtype.DomainNullableInt
}

func (l *scalarLowerer) lowerCase(n *ast.CaseExpression) (Expr, error) {
	var elseExpr Expr = &literalExpr{value: nil, typ: attrtype.DomainString}
	if n.ElseClause != nil {
		e, err := l.lower(n.ElseClause)
		if err != nil {
			return nil, err
		}
		elseExpr = e
	}
	result := elseExpr
	for i := len(n.WhenClauses) - 1; i >= 0; i-- {
		wc := n.WhenClauses[i]
		var cond Expr
		var err error
		if n.Operand != nil {
			operand, oerr := l.lower(n.Operand)
			if oerr != nil {
				return nil, oerr
			}
			condVal, cerr := l.lower(wc.Condition)
			if cerr != nil {
				return nil, cerr
			}
			operand, condVal = coerceGuidLiteral(operand, condVal)
			cond = &comparisonExpr{op: cmpEQ, left: operand, right: condVal}
		} else {
			cond, err = l.lowerPredicateExpr(wc.Condition)
			if err != nil {
				return nil, err
			}
		}
		then, err := l.lower(wc.Result)
		if err != nil {
			return nil, err
		}
		result = &caseExpr{cond: cond, then: then, els: result, typ: then.Type()}
	}
	return result, nil
}

// lowerPredicateExpr lowers a boolean AST node found inside CASE WHEN,
// reusing the expression-predicate lowerer (§4.4) since CASE conditions are
// always evaluated with three-valued expression semantics, never as
// FetchXML filters.
func (l *scalarLowerer) lowerPredicateExpr(node ast.Expression) (Expr, error) {
	p := newPredicateLowerer(l.binder)
	return p.lowerExpr(node)
}

func (l *scalarLowerer) lowerFunctionCall(fc *ast.FunctionCall) (Expr, error) {
	name := strings.ToLower(fc.Function.String())
	if datePartFunctions[name] {
		return l.lowerDatePartFunction(name, fc)
	}
	args := make([]Expr, len(fc.Arguments))
	for i, a := range fc.Arguments {
		e, err := l.lower(a)
		if err != nil {
			return nil, err
		}
		args[i] = e
	}
	switch name {
	case "upper", "lower", "ltrim", "rtrim", "len":
		if len(args) != 1 {
			return nil, &NotSupportedQueryFragment{Reason: "wrong argument count", Fragment: fc.String()}
		}
		typ := attrtype.DomainString
		if name == "len" {
			typ = attrtype.DomainNullableInt
		}
		return &stringFuncExpr{name: name, arg: args[0], typ: typ}, nil
	case "isnull", "coalesce":
		if len(args) < 2 {
			return nil, &NotSupportedQueryFragment{Reason: "wrong argument count", Fragment: fc.String()}
		}
		return &coalesceExpr{args: args, typ: args[0].Type()}, nil
	case "getdate", "getutcdate":
		return &literalExpr{value: nil, typ: attrtype.DomainNullableTimestamp}, nil
	default:
		return nil, &UnknownFunction{Name: name}
	}
}

func (l *scalarLowerer) lowerDatePartFunction(name string, fc *ast.FunctionCall) (Expr, error) {
	if len(fc.Arguments) < 2 {
		return nil, &NotSupportedQueryFragment{Reason: "wrong argument count", Fragment: fc.String()}
	}
	partIdent, ok := fc.Arguments[0].(*ast.Identifier)
	if !ok {
		return nil, &NotSupportedQueryFragment{Reason: "date-part must be a symbol", Fragment: fc.String()}
	}
	part, ok := NormalizeDatePart(partIdent.Value)
	if !ok {
		return nil, &NotSupportedQueryFragment{Reason: "unrecognised date part", Fragment: partIdent.Value}
	}
	rest := make([]Expr, 0, len(fc.Arguments)-1)
	for _, a := range fc.Arguments[1:] {
		e, err := l.lower(a)
		if err != nil {
			return nil, err
		}
		rest = append(rest, e)
	}
	typ := attrtype.DomainNullableTimestamp
	if name == "datepart" || name == "datediff" {
		typ = attrtype.DomainNullableInt
	}
	return &dateFuncExpr{name: name, part: part, args: rest, typ: typ}, nil
}

func arithmeticOp(op string) (arithmeticKind, bool) {
	switch op {
	case "+":
		return arithAdd, true
	case "-":
		return arithSub, true
	case "*":
		return arithMul, true
	case "/":
		return arithDiv, true
	case "%":
		return arithMod, true
	case "&":
		return arithBitAnd, true
	case "|":
		return arithBitOr, true
	case "^":
		return arithBitXor, true
	default:
		return 0, false
	}
}

func boolOp(op string) (boolKind, bool) {
	switch op {
	case "AND":
		return boolAnd, true
	case "OR":
		return boolOr, true
	default:
		return 0, false
	}
}

func comparisonOp(op string) (comparisonKind, bool) {
	switch op {
	case "=":
		return cmpEQ, true
	case "<>", "!=":
		return cmpNE, true
	case "<":
		return cmpLT, true
	case "<=":
		return cmpLE, true
	case ">":
		return cmpGT, true
	case ">=":
		return cmpGE, true
	default:
		return 0, false
	}
}

// --- concrete Expr implementations ---

type columnExpr struct {
	binding ColumnBinding
}

func (c *columnExpr) Type() attrtype.DomainType { return c.binding.AttrType }

// Eval reads the bound attribute out of the row and unwraps it to its
// underlying scalar (§4.3): aliased values and money/optionset columns come
// back from the execution runtime as attrtype.AliasedValue wrappers, whose
// inner Value is what comparisons and arithmetic operate on.
func (c *columnExpr) Eval(row Row) interface{} {
	return unwrapValue(row[c.binding.AttributeName])
}

func unwrapValue(v interface{}) interface{} {
	if av, ok := v.(attrtype.AliasedValue); ok {
		return unwrapValue(av.Value)
	}
	return v
}

// coerceGuidLiteral rewrites a plain string literal standing opposite a
// guid- or entity-reference-typed operand (a uniqueidentifier/lookup column,
// per §4.1) into the matching domain value, so `col = '3fa8...'` compares by
// parsed guid instead of falling through to case-insensitive string
// comparison.
func coerceGuidLiteral(left, right Expr) (Expr, Expr) {
	left = coerceGuidOperand(left, right.Type())
	right = coerceGuidOperand(right, left.Type())
	return left, right
}

func coerceGuidOperand(e Expr, otherType attrtype.DomainType) Expr {
	if otherType != attrtype.DomainNullableGuid && otherType != attrtype.DomainEntityReference {
		return e
	}
	lit, ok := e.(*literalExpr)
	if !ok || lit.typ != attrtype.DomainString {
		return e
	}
	s, ok := lit.value.(string)
	if !ok {
		return e
	}
	id, _, err := attrtype.ParseGuidString(s)
	if err != nil {
		return e
	}
	if otherType == attrtype.DomainNullableGuid {
		return &literalExpr{value: attrtype.NullableGuid{Valid: true, Value: id}, typ: attrtype.DomainNullableGuid}
	}
	return &literalExpr{value: attrtype.EntityReference{Valid: true, ID: id}, typ: attrtype.DomainEntityReference}
}

type literalExpr struct {
	value interface{}
	typ   attrtype.DomainType
}

func (l *literalExpr) Type() attrtype.DomainType { return l.typ }
func (l *literalExpr) Eval(Row) interface{}      { return l.value }

type unaryKind int

const (
	unaryNegate unaryKind = iota
	unaryPositive
	unaryBitNot
	unaryNot
)

type unaryExpr struct {
	op      unaryKind
	operand Expr
}

func (u *unaryExpr) Type() attrtype.DomainType { return u.operand.Type() }
func (u *unaryExpr) Eval(row Row) interface{} {
	v := u.operand.Eval(row)
	if v == nil {
		return nil
	}
	switch u.op {
	case unaryNegate:
		return negateNumeric(v)
	case unaryPositive:
		return v
	case unaryBitNot:
		if i, ok := toInt64(v); ok {
			return ^i
		}
		return nil
	case unaryNot:
		if b, ok := v.(bool); ok {
			return !b
		}
		return nil
	default:
		return nil
	}
}

func negateNumeric(v interface{}) interface{} {
	switch n := v.(type) {
	case int64:
		return -n
	case float64:
		return -n
	case decimal.Decimal:
		return n.Neg()
	default:
		return v
	}
}

type arithmeticKind int

const (
	arithAdd arithmeticKind = iota
	arithSub
	arithMul
	arithDiv
	arithMod
	arithBitAnd
	arithBitOr
	arithBitXor
)

// arithmeticExpr implements binary arithmetic/bitwise over numerics with
// §4.3 null propagation: either operand null yields null, and the result
// is wrapped in the wider of the two operand domains.
type arithmeticExpr struct {
	op          arithmeticKind
	left, right Expr
	typ         attrtype.DomainType
}

func (a *arithmeticExpr) Type() attrtype.DomainType { return a.typ }
func (a *arithmeticExpr) Eval(row Row) interface{} {
	lv := a.left.Eval(row)
	rv := a.right.Eval(row)
	if lv == nil || rv == nil {
		return nil
	}
	if a.op == arithBitAnd || a.op == arithBitOr || a.op == arithBitXor {
		li, lok := toInt64(lv)
		ri, rok := toInt64(rv)
		if !lok || !rok {
			return nil
		}
		switch a.op {
		case arithBitAnd:
			return li & ri
		case arithBitOr:
			return li | ri
		case arithBitXor:
			return li ^ ri
		}
	}
	if a.typ == attrtype.DomainNullableDecimal {
		ld := toDecimal(lv)
		rd := toDecimal(rv)
		switch a.op {
		case arithAdd:
			return ld.Add(rd)
		case arithSub:
			return ld.Sub(rd)
		case arithMul:
			return ld.Mul(rd)
		case arithDiv:
			if rd.IsZero() {
				return nil
			}
			return ld.Div(rd)
		case arithMod:
			if rd.IsZero() {
				return nil
			}
			return ld.Mod(rd)
		}
	}
	lf := toFloat64(lv)
	rf := toFloat64(rv)
	switch a.op {
	case arithAdd:
		return numericResult(a.typ, lf+rf)
	case arithSub:
		return numericResult(a.typ, lf-rf)
	case arithMul:
		return numericResult(a.typ, lf*rf)
	case arithDiv:
		if rf == 0 {
			return nil
		}
		return numericResult(a.typ, lf/rf)
	case arithMod:
		if rf == 0 {
			return nil
		}
		li, _ := toInt64(lv)
		ri, _ := toInt64(rv)
		return li % ri
	}
	return nil
}

func numericResult(typ attrtype.DomainType, f float64) interface{} {
	if typ == attrtype.DomainNullableInt {
		return int64(f)
	}
	return f
}

type concatExpr struct {
	left, right Expr
}

func (concatExpr) Type() attrtype.DomainType { return attrtype.DomainString }
func (c *concatExpr) Eval(row Row) interface{} {
	lv := c.left.Eval(row)
	rv := c.right.Eval(row)
	if lv == nil || rv == nil {
		return nil
	}
	return toStringValue(lv) + toStringValue(rv)
}

type comparisonKind int

const (
	cmpEQ comparisonKind = iota
	cmpNE
	cmpLT
	cmpLE
	cmpGT
	cmpGE
)

// comparisonExpr implements §4.4's expression-predicate three-valued logic:
// a null operand makes the comparison false, not null, and string equality
// is case-insensitive.
type comparisonExpr struct {
	op          comparisonKind
	left, right Expr
}

func (comparisonExpr) Type() attrtype.DomainType { return attrtype.DomainNullableBool }
func (c *comparisonExpr) Eval(row Row) interface{} {
	lv := c.left.Eval(row)
	rv := c.right.Eval(row)
	if lv == nil || rv == nil {
		return false
	}
	cmp := compareValues(lv, rv)
	switch c.op {
	case cmpEQ:
		return cmp == 0
	case cmpNE:
		return cmp != 0
	case cmpLT:
		return cmp < 0
	case cmpLE:
		return cmp <= 0
	case cmpGT:
		return cmp > 0
	case cmpGE:
		return cmp >= 0
	default:
		return false
	}
}

func compareValues(lv, rv interface{}) int {
	if isGuidLike(lv) || isGuidLike(rv) {
		return strings.Compare(toGuid(lv).String(), toGuid(rv).String())
	}
	if ls, ok := lv.(string); ok {
		rs := toStringValue(rv)
		return strings.Compare(strings.ToLower(ls), strings.ToLower(rs))
	}
	ld := toDecimal(lv)
	rd := toDecimal(rv)
	return ld.Cmp(rd)
}

func isGuidLike(v interface{}) bool {
	switch v.(type) {
	case attrtype.NullableGuid, attrtype.EntityReference:
		return true
	default:
		return false
	}
}

// toGuid resolves a value to the guid it compares by: a NullableGuid's own
// value, or an EntityReference's id (§4.4 "equality between an entity
// reference and a guid compares the reference's id").
func toGuid(v interface{}) uuid.UUID {
	switch g := v.(type) {
	case attrtype.NullableGuid:
		return g.Value
	case attrtype.EntityReference:
		return g.ID
	case string:
		if id, _, err := attrtype.ParseGuidString(g); err == nil {
			return id
		}
	}
	return uuid.Nil
}

type boolKind int

const (
	boolAnd boolKind = iota
	boolOr
)

type boolExpr struct {
	op          boolKind
	left, right Expr
}

func (boolExpr) Type() attrtype.DomainType { return attrtype.DomainNullableBool }
func (b *boolExpr) Eval(row Row) interface{} {
	lv, lok := b.left.Eval(row).(bool)
	rv, rok := b.right.Eval(row).(bool)
	switch b.op {
	case boolAnd:
		if (lok && !lv) || (rok && !rv) {
			return false
		}
		if !lok || !rok {
			return false
		}
		return lv && rv
	case boolOr:
		if (lok && lv) || (rok && rv) {
			return true
		}
		if !lok || !rok {
			return false
		}
		return lv || rv
	default:
		return false
	}
}

type caseExpr struct {
	cond     Expr
	then     Expr
	els      Expr
	typ      attrtype.DomainType
}

func (c *caseExpr) Type() attrtype.DomainType { return c.typ }
func (c *caseExpr) Eval(row Row) interface{} {
	if b, ok := c.cond.Eval(row).(bool); ok && b {
		return c.then.Eval(row)
	}
	return c.els.Eval(row)
}

type stringFuncExpr struct {
	name string
	arg  Expr
	typ  attrtype.DomainType
}

func (s *stringFuncExpr) Type() attrtype.DomainType { return s.typ }
func (s *stringFuncExpr) Eval(row Row) interface{} {
	v := s.arg.Eval(row)
	if v == nil {
		return nil
	}
	str := toStringValue(v)
	switch s.name {
	case "upper":
		return strings.ToUpper(str)
	case "lower":
		return strings.ToLower(str)
	case "ltrim":
		return strings.TrimLeft(str, " ")
	case "rtrim":
		return strings.TrimRight(str, " ")
	case "len":
		return int64(len(str))
	default:
		return nil
	}
}

type coalesceExpr struct {
	args []Expr
	typ  attrtype.DomainType
}

func (c *coalesceExpr) Type() attrtype.DomainType { return c.typ }
func (c *coalesceExpr) Eval(row Row) interface{} {
	for _, a := range c.args {
		if v := a.Eval(row); v != nil {
			return v
		}
	}
	return nil
}

// dateFuncExpr covers DATEADD/DATEDIFF/DATEPART, whose first argument is a
// date-part symbol (§4.3), not an evaluated expression.
type dateFuncExpr struct {
	name string
	part string
	args []Expr
	typ  attrtype.DomainType
}

func (d *dateFuncExpr) Type() attrtype.DomainType { return d.typ }
func (d *dateFuncExpr) Eval(row Row) interface{} {
	for _, a := range d.args {
		if a.Eval(row) == nil {
			return nil
		}
	}
	// No date arithmetic is implemented: the lowerer records only the date
	// part and arguments, and Eval returns NULL for every row.
	return nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case decimal.Decimal:
		return n.IntPart(), true
	}
	return 0, false
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case decimal.Decimal:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func toDecimal(v interface{}) decimal.Decimal {
	switch n := v.(type) {
	case decimal.Decimal:
		return n
	case int64:
		return decimal.NewFromInt(n)
	case float64:
		return decimal.NewFromFloat(n)
	case string:
		d, err := decimal.NewFromString(n)
		if err == nil {
			return d
		}
	}
	return decimal.Zero
}

func toStringValue(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case decimal.Decimal:
		return s.String()
	case bool:
		if s {
			return "1"
		}
		return "0"
	case attrtype.NullableGuid:
		return s.Value.String()
	case attrtype.EntityReference:
		return s.ID.String()
	default:
		return ""
	}
}
