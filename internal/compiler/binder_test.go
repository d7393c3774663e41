package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sql4dataverse/internal/attrtype"
	"sql4dataverse/internal/fetchxml"
)

func newAccountTable(alias string) *EntityTable {
	provider := testProvider()
	meta, _ := provider.Get("account")
	entity := &fetchxml.Entity{Name: meta.LogicalName}
	return &EntityTable{LogicalName: meta.LogicalName, Alias: alias, IsRoot: true, Sink: entity, Metadata: meta}
}

func TestBindColumn_TwoPart(t *testing.T) {
	b := newBinder()
	acc := newAccountTable("a")
	b.addTable(acc)

	binding, err := b.bindColumn(qid("a", "name"))
	require.NoError(t, err)
	assert.Equal(t, acc, binding.Table)
	assert.Equal(t, "name", binding.AttributeName)
	assert.Equal(t, attrtype.DomainString, binding.AttrType)
}

func TestBindColumn_UnqualifiedUnique(t *testing.T) {
	b := newBinder()
	b.addTable(newAccountTable("a"))

	binding, err := b.bindColumn(qid("revenue"))
	require.NoError(t, err)
	assert.Equal(t, "revenue", binding.AttributeName)
	assert.Equal(t, attrtype.DomainNullableDecimal, binding.AttrType)
}

func TestBindColumn_UnqualifiedAmbiguous(t *testing.T) {
	b := newBinder()
	b.addTable(newAccountTable("a"))
	b.addTable(newAccountTable("b"))

	_, err := b.bindColumn(qid("name"))
	require.Error(t, err)
	_, ok := err.(*AmbiguousAttribute)
	assert.True(t, ok)
}

func TestBindColumn_UnknownAttribute(t *testing.T) {
	b := newBinder()
	b.addTable(newAccountTable("a"))

	_, err := b.bindColumn(qid("a", "doesnotexist"))
	require.Error(t, err)
	_, ok := err.(*UnknownAttribute)
	assert.True(t, ok)
}

func TestTableByAliasOrName_AmbiguousAlias(t *testing.T) {
	b := newBinder()
	b.addTable(newAccountTable("x"))
	b.addTable(newAccountTable("x"))

	_, err := b.tableByAliasOrName("x")
	require.Error(t, err)
	_, ok := err.(*AmbiguousTable)
	assert.True(t, ok)
}

func TestTableByAliasOrName_PrefersAliasOverName(t *testing.T) {
	b := newBinder()
	aliased := newAccountTable("account") // alias shadows the logical name lookup
	b.addTable(aliased)

	table, err := b.tableByAliasOrName("account")
	require.NoError(t, err)
	assert.Same(t, aliased, table)
}

func TestTableByAliasOrName_Unknown(t *testing.T) {
	b := newBinder()
	b.addTable(newAccountTable("a"))

	_, err := b.tableByAliasOrName("nope")
	require.Error(t, err)
	_, ok := err.(*UnknownTable)
	assert.True(t, ok)
}

func TestBindColumn_ThreePartCollapsesToTableColumn(t *testing.T) {
	b := newBinder()
	b.addTable(newAccountTable("a"))

	binding, err := b.bindColumn(qid("dbo", "a", "name"))
	require.NoError(t, err)
	assert.Equal(t, "name", binding.AttributeName)
}

func TestBindOnTable_FallsBackToDeclaredAlias(t *testing.T) {
	b := newBinder()
	acc := newAccountTable("a")
	acc.Sink.AddAttribute(fetchxml.Attribute{Name: "name", Alias: "display_name"})
	b.addTable(acc)

	binding, err := b.bindColumn(qid("a", "display_name"))
	require.NoError(t, err)
	assert.Equal(t, "display_name", binding.AttributeName)
}

func TestDeclareCalculatedAndResolveShadow(t *testing.T) {
	b := newBinder()
	e := &literalExpr{value: int64(1), typ: attrtype.DomainNullableInt}
	b.declareCalculated("Total", e)

	resolved, ok := b.resolveShadow("total")
	require.True(t, ok)
	assert.Same(t, e, resolved)
}

func TestRequestAttribute_SkipsIfAlreadyPresent(t *testing.T) {
	acc := newAccountTable("a")
	binding := ColumnBinding{Table: acc, AttributeName: "name"}
	requestAttribute(binding)
	requestAttribute(binding)

	entity := acc.Sink.(*fetchxml.Entity)
	count := 0
	for _, item := range entity.Items {
		if a, ok := item.(fetchxml.Attribute); ok && a.Name == "name" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
