package compiler

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/tsqlparser/ast"

	"sql4dataverse/internal/fetchxml"
)

func compileSelect(t *testing.T, stmt *ast.SelectStatement) *CompiledQuery {
	t.Helper()
	asm := NewAssembler(testProvider(), defaultOptions())
	cq, err := asm.Compile(stmt)
	require.NoError(t, err)
	return cq
}

func TestCompile_PlainProjection(t *testing.T) {
	stmt := selectStmt(fromTable("account"), nil, col("accountid"), col("name"))
	cq := compileSelect(t, stmt)

	assert.Equal(t, []string{"accountid", "name"}, cq.Columns)
	assert.Empty(t, cq.Operators)
	assert.True(t, cq.Fetch.Entity.HasAttribute("accountid"))
	assert.True(t, cq.Fetch.Entity.HasAttribute("name"))
}

func TestCompile_NativeWhereEquality(t *testing.T) {
	stmt := selectStmt(fromTable("account"), eq(qid("name"), strLit("test")), col("accountid"))
	cq := compileSelect(t, stmt)

	assert.Empty(t, cq.Operators)
	var filter *fetchxml.Filter
	for _, item := range cq.Fetch.Entity.Items {
		if f, ok := item.(*fetchxml.Filter); ok {
			filter = f
		}
	}
	require.NotNil(t, filter)
	cond := filter.Items[0].(fetchxml.Condition)
	assert.Equal(t, "name", cond.Attribute)
	assert.Equal(t, "test", cond.Value)
}

func TestCompile_ColumnToColumnWhereFallsBackAndTrims(t *testing.T) {
	stmt := selectStmt(fromTable("contact"), eq(qid("firstname"), qid("lastname")), col("contactid"))
	cq := compileSelect(t, stmt)

	require.Len(t, cq.Operators, 2)
	_, isWhere := cq.Operators[0].(WhereOp)
	assert.True(t, isWhere)
	proj, isProj := cq.Operators[1].(ProjectionOp)
	require.True(t, isProj)
	assert.Equal(t, []string{"contactid"}, proj.Order)

	// both comparison columns must have been pulled into the fetch even
	// though only contactid is in the SELECT list.
	assert.True(t, cq.Fetch.Entity.HasAttribute("firstname"))
	assert.True(t, cq.Fetch.Entity.HasAttribute("lastname"))
	assert.Equal(t, []string{"contactid"}, cq.Columns)
}

func TestCompile_AndChainLiftsOnlyTheUnsupportedSibling(t *testing.T) {
	stmt := selectStmt(
		fromTable("contact"),
		and(eq(qid("firstname"), qid("lastname")), eq(qid("contactid"), strLit("abc"))),
		col("contactid"),
	)
	cq := compileSelect(t, stmt)

	// the column/column sibling is lifted to an expression Where tail; the
	// other sibling still lowers natively into the FetchXML filter.
	var filter *fetchxml.Filter
	for _, item := range cq.Fetch.Entity.Items {
		if f, ok := item.(*fetchxml.Filter); ok {
			filter = f
		}
	}
	require.NotNil(t, filter)
	require.Len(t, filter.Items, 1)

	hasWhereOp := false
	for _, op := range cq.Operators {
		if _, ok := op.(WhereOp); ok {
			hasWhereOp = true
		}
	}
	assert.True(t, hasWhereOp)
}

func TestCompile_TopWithoutFallbackIsNative(t *testing.T) {
	stmt := selectStmt(fromTable("account"), nil, col("accountid"))
	stmt.Top = &ast.TopClause{Count: intLit(10)}
	cq := compileSelect(t, stmt)

	assert.Equal(t, 10, cq.Fetch.Top)
	assert.True(t, cq.Fetch.TopSpecified)
	for _, op := range cq.Operators {
		_, isTop := op.(TopOp)
		assert.False(t, isTop)
	}
}

type fakeMetricsRecorder struct {
	calls             int
	lastFallbackCount int
}

func (f *fakeMetricsRecorder) RecordCompile(_ time.Duration, fallbacksAbsorbed int, _ bool) {
	f.calls++
	f.lastFallbackCount = fallbacksAbsorbed
}

type fakeTracer struct {
	spansStarted []string
	spansEnded   int
}

func (f *fakeTracer) StartSpan(name string) func() {
	f.spansStarted = append(f.spansStarted, name)
	return func() { f.spansEnded++ }
}

func TestCompile_FallbackIsLoggedMetricsAndTraced(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	metrics := &fakeMetricsRecorder{}
	tracer := &fakeTracer{}

	opts := defaultOptions()
	opts.Logger = logger
	opts.Metrics = metrics
	opts.Tracer = tracer

	stmt := selectStmt(
		fromTable("contact"),
		eq(qid("firstname"), qid("lastname")),
		col("contactid"),
	)
	asm := NewAssembler(testProvider(), opts)
	_, err := asm.Compile(stmt)
	require.NoError(t, err)

	assert.Equal(t, 1, asm.fallbacksAbsorbed)
	assert.Equal(t, 1, metrics.calls)
	assert.Equal(t, 1, metrics.lastFallbackCount)
	assert.Equal(t, []string{"compiler.Compile"}, tracer.spansStarted)
	assert.Equal(t, 1, tracer.spansEnded)
	assert.Contains(t, logs.String(), "post-processing fallback absorbed")
}

func TestCompile_TopAfterFallbackBecomesOperator(t *testing.T) {
	stmt := selectStmt(
		fromTable("contact"),
		eq(qid("firstname"), qid("lastname")),
		col("contactid"),
	)
	stmt.Top = &ast.TopClause{Count: intLit(5)}
	cq := compileSelect(t, stmt)

	var topOp *TopOp
	for _, op := range cq.Operators {
		if t2, ok := op.(TopOp); ok {
			topOp = &t2
		}
	}
	require.NotNil(t, topOp)
	assert.Equal(t, 5, topOp.N)
	assert.Equal(t, 0, cq.Fetch.Top)
}

func TestCompile_AggregateCountStarNative(t *testing.T) {
	stmt := selectStmt(fromTable("account"), nil, ast.SelectColumn{Expression: funcCall("count", ident("*"))})
	stmt.GroupBy = []ast.Expression{qid("name")}
	cq := compileSelect(t, stmt)

	assert.True(t, cq.Fetch.Aggregate)
	require.Len(t, cq.Columns, 1)
	assert.Contains(t, cq.Columns[0], "rowcount")
	require.NotNil(t, cq.AggregateAlternative)
	// the expression path ends with the Aggregate followed by the trim
	// Projection appendTrimProjection adds.
	ops := cq.AggregateAlternative.Operators
	require.GreaterOrEqual(t, len(ops), 2)
	_, isAgg := ops[len(ops)-2].(AggregateOp)
	assert.True(t, isAgg)
	_, isTrim := ops[len(ops)-1].(ProjectionOp)
	assert.True(t, isTrim)
}

func TestCompile_AggregateSumWithAlias(t *testing.T) {
	stmt := selectStmt(
		fromTable("account"),
		nil,
		colAs("name", "accountname"),
		ast.SelectColumn{Expression: funcCall("sum", qid("revenue")), Alias: ident("totalrevenue")},
	)
	stmt.GroupBy = []ast.Expression{qid("name")}
	cq := compileSelect(t, stmt)

	assert.Equal(t, []string{"accountname", "totalrevenue"}, cq.Columns)
	var aggAttr *fetchxml.Attribute
	for _, item := range cq.Fetch.Entity.Items {
		if a, ok := item.(fetchxml.Attribute); ok && a.Aggregate == "sum" {
			aggAttr = &a
		}
	}
	require.NotNil(t, aggAttr)
	assert.Equal(t, "totalrevenue", aggAttr.Alias)
}

func TestCompile_DistinctNativeWhenNoOperatorsYet(t *testing.T) {
	stmt := selectStmt(fromTable("account"), nil, col("name"))
	stmt.Distinct = true
	cq := compileSelect(t, stmt)

	assert.True(t, cq.Fetch.Distinct)
	assert.True(t, cq.Fetch.DistinctSpecified)
}

func TestCompile_OffsetOnNonMultipleOfPageSizeFallsBackToOperator(t *testing.T) {
	stmt := selectStmt(fromTable("account"), nil, col("accountid"))
	stmt.Offset = intLit(7)
	cq := compileSelect(t, stmt)

	require.Len(t, cq.Operators, 1)
	off, ok := cq.Operators[0].(OffsetOp)
	require.True(t, ok)
	assert.Equal(t, 7, off.Skip)
}

func TestCompile_JoinWithResidualFilterBecomesLinkEntityCondition(t *testing.T) {
	stmt := selectStmt(
		&ast.FromClause{Tables: []ast.TableReference{
			&ast.JoinClause{
				Type:      "INNER",
				Left:      &ast.TableName{Name: qid("account"), Alias: ident("a")},
				Right:     &ast.TableName{Name: qid("contact"), Alias: ident("c")},
				Condition: and(eq(qid("a", "primarycontactid"), qid("c", "contactid")), eq(qid("c", "firstname"), strLit("Bob"))),
			},
		}},
		nil,
		ast.SelectColumn{Expression: qid("a", "name")},
	)
	asm := NewAssembler(testProvider(), defaultOptions())
	cq, err := asm.Compile(stmt)
	require.NoError(t, err)

	var link *fetchxml.LinkEntity
	for _, item := range cq.Fetch.Entity.Items {
		if le, ok := item.(*fetchxml.LinkEntity); ok {
			link = le
		}
	}
	require.NotNil(t, link)
	assert.Equal(t, "primarycontactid", link.From)
	assert.Equal(t, "contactid", link.To)

	var filter *fetchxml.Filter
	for _, item := range link.Items {
		if f, ok := item.(*fetchxml.Filter); ok {
			filter = f
		}
	}
	require.NotNil(t, filter)
	cond := filter.Items[0].(fetchxml.Condition)
	assert.Equal(t, "firstname", cond.Attribute)
}

func TestCompile_ExpressionAggregatePathWithHavingReuse(t *testing.T) {
	stmt := selectStmt(
		fromTable("contact"),
		eq(qid("firstname"), qid("lastname")),
		col("firstname"),
		ast.SelectColumn{Expression: funcCall("count", ident("*")), Alias: ident("cnt")},
	)
	stmt.GroupBy = []ast.Expression{qid("firstname")}
	stmt.Having = &ast.InfixExpression{Operator: ">", Left: funcCall("count", ident("*")), Right: intLit(1)}
	cq := compileSelect(t, stmt)

	assert.Equal(t, []string{"firstname", "cnt"}, cq.Columns)

	var having *HavingOp
	for _, op := range cq.Operators {
		if h, ok := op.(HavingOp); ok {
			having = &h
		}
	}
	require.NotNil(t, having)
	assert.Equal(t, true, having.Predicate.Eval(Row{"cnt": int64(2)}))
	assert.Equal(t, false, having.Predicate.Eval(Row{"cnt": int64(1)}))
}

func TestCompile_UnknownTable(t *testing.T) {
	stmt := selectStmt(fromTable("doesnotexist"), nil, col("x"))
	asm := NewAssembler(testProvider(), defaultOptions())
	_, err := asm.Compile(stmt)
	require.Error(t, err)
	_, ok := err.(*UnknownTable)
	assert.True(t, ok)
}

func TestCompile_SelectStar(t *testing.T) {
	stmt := selectStmt(fromTable("account"), nil, ast.SelectColumn{AllColumns: true})
	cq := compileSelect(t, stmt)

	assert.Contains(t, cq.Columns, "accountid")
	assert.Contains(t, cq.Columns, "name")
	hasAll := false
	for _, item := range cq.Fetch.Entity.Items {
		if _, ok := item.(fetchxml.AllAttributes); ok {
			hasAll = true
		}
	}
	assert.True(t, hasAll)
}
