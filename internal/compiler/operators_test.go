package compiler

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sql4dataverse/internal/attrtype"
)

func TestExecWhere(t *testing.T) {
	pred := &comparisonExpr{op: cmpEQ, left: &columnExpr{binding: ColumnBinding{AttributeName: "name"}}, right: &literalExpr{value: "bob"}}
	rows := []Row{{"name": "bob"}, {"name": "alice"}}
	out := execWhere(WhereOp{Predicate: pred}, rows)
	require.Len(t, out, 1)
	assert.Equal(t, "bob", out[0]["name"])
}

func TestExecProjection(t *testing.T) {
	proj := ProjectionOp{
		Order:   []string{"double"},
		Columns: map[string]Expr{"double": &arithmeticExpr{op: arithMul, typ: attrtype.DomainNullableInt, left: &columnExpr{binding: ColumnBinding{AttributeName: "n"}}, right: &literalExpr{value: int64(2)}}},
	}
	rows := []Row{{"n": int64(3)}}
	out := execProjection(proj, rows)
	assert.Equal(t, int64(6), out[0]["double"])
	assert.Equal(t, int64(3), out[0]["n"])
}

func TestExecSort_StableAscendingAndDescending(t *testing.T) {
	sel := &columnExpr{binding: ColumnBinding{AttributeName: "n"}}
	rows := []Row{{"n": int64(3)}, {"n": int64(1)}, {"n": int64(2)}}
	out := execSort(SortOp{Keys: []SortKey{{Selector: sel}}}, rows)
	assert.Equal(t, []interface{}{int64(1), int64(2), int64(3)}, []interface{}{out[0]["n"], out[1]["n"], out[2]["n"]})

	out = execSort(SortOp{Keys: []SortKey{{Selector: sel, Descending: true}}}, rows)
	assert.Equal(t, []interface{}{int64(3), int64(2), int64(1)}, []interface{}{out[0]["n"], out[1]["n"], out[2]["n"]})
}

func TestExecSort_NullsFirst(t *testing.T) {
	sel := &columnExpr{binding: ColumnBinding{AttributeName: "n"}}
	rows := []Row{{"n": int64(1)}, {"n": nil}}
	out := execSort(SortOp{Keys: []SortKey{{Selector: sel}}}, rows)
	assert.Nil(t, out[0]["n"])
}

func TestExecDistinct(t *testing.T) {
	rows := []Row{{"name": "Bob"}, {"name": "bob"}, {"name": "Alice"}}
	out := execDistinct(rows)
	assert.Len(t, out, 2)
}

func TestExecTop(t *testing.T) {
	rows := []Row{{"n": 1}, {"n": 2}, {"n": 3}}
	assert.Len(t, execTop(TopOp{N: 2}, rows), 2)
	assert.Len(t, execTop(TopOp{N: 10}, rows), 3)
}

func TestExecOffset(t *testing.T) {
	rows := []Row{{"n": 1}, {"n": 2}, {"n": 3}}
	out := execOffset(OffsetOp{Skip: 1, Take: -1}, rows)
	assert.Len(t, out, 2)

	out = execOffset(OffsetOp{Skip: 1, Take: 1}, rows)
	assert.Len(t, out, 1)
	assert.Equal(t, 2, out[0]["n"])

	out = execOffset(OffsetOp{Skip: 10, Take: -1}, rows)
	assert.Empty(t, out)
}

func TestExecAggregate_GroupedSum(t *testing.T) {
	sel := &columnExpr{binding: ColumnBinding{AttributeName: "grp"}}
	arg := &columnExpr{binding: ColumnBinding{AttributeName: "amount"}}
	op := AggregateOp{
		Groupings:  []Grouping{{OutputName: "grp", Selector: sel}},
		Aggregates: []AggregateFunc{{OutputName: "total", Kind: AggSum, Arg: arg}},
	}
	rows := []Row{
		{"grp": "a", "amount": decimal.NewFromInt(1)},
		{"grp": "a", "amount": decimal.NewFromInt(2)},
		{"grp": "b", "amount": decimal.NewFromInt(5)},
	}
	out := execAggregate(op, rows)
	require.Len(t, out, 2)
	assert.Equal(t, decimal.NewFromInt(3), out[0]["total"])
	assert.Equal(t, decimal.NewFromInt(5), out[1]["total"])
}

func TestExecAggregate_NoGroupingsCollapsesToOneRow(t *testing.T) {
	op := AggregateOp{Aggregates: []AggregateFunc{{OutputName: "n", Kind: AggCount}}}
	rows := []Row{{}, {}, {}}
	out := execAggregate(op, rows)
	require.Len(t, out, 1)
	assert.Equal(t, int64(3), out[0]["n"])
}

func TestComputeAggregate_CountColumnDistinct(t *testing.T) {
	arg := &columnExpr{binding: ColumnBinding{AttributeName: "city"}}
	agg := AggregateFunc{Kind: AggCountColumnDistinct, Arg: arg}
	group := []Row{{"city": "NYC"}, {"city": "nyc"}, {"city": "LA"}, {"city": nil}}
	assert.Equal(t, int64(2), computeAggregate(agg, group))
}

func TestComputeAggregate_AverageSkipsNulls(t *testing.T) {
	arg := &columnExpr{binding: ColumnBinding{AttributeName: "n"}}
	agg := AggregateFunc{Kind: AggAverage, Arg: arg}
	group := []Row{{"n": decimal.NewFromInt(2)}, {"n": nil}, {"n": decimal.NewFromInt(4)}}
	got, ok := computeAggregate(agg, group).(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(3).Equal(got), "average = %s", got)
}

func TestComputeAggregate_MinMax(t *testing.T) {
	arg := &columnExpr{binding: ColumnBinding{AttributeName: "n"}}
	group := []Row{{"n": int64(5)}, {"n": int64(1)}, {"n": int64(3)}}
	assert.Equal(t, int64(1), computeAggregate(AggregateFunc{Kind: AggMin, Arg: arg}, group))
	assert.Equal(t, int64(5), computeAggregate(AggregateFunc{Kind: AggMax, Arg: arg}, group))
}

func TestExecute_FullPipeline(t *testing.T) {
	sel := &columnExpr{binding: ColumnBinding{AttributeName: "n"}}
	pred := &comparisonExpr{op: cmpGT, left: sel, right: &literalExpr{value: int64(1)}}
	pipeline := []Operator{
		WhereOp{Predicate: pred},
		SortOp{Keys: []SortKey{{Selector: sel, Descending: true}}},
		TopOp{N: 1},
	}
	rows := []Row{{"n": int64(1)}, {"n": int64(2)}, {"n": int64(3)}}
	out, err := Execute(pipeline, rows)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(3), out[0]["n"])
}
