package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/tsqlparser/ast"

	"sql4dataverse/internal/fetchxml"
)

func setClause(col string, value ast.Expression) *ast.SetClause {
	return &ast.SetClause{Column: qid(col), Operator: "=", Value: value}
}

func TestCompileUpdate_SimpleSet(t *testing.T) {
	stmt := &ast.UpdateStatement{
		Table:      qid("contact"),
		SetClauses: []*ast.SetClause{setClause("firstname", strLit("Bob"))},
		Where:      eq(qid("contactid"), strLit("abc")),
	}
	asm := NewAssembler(testProvider(), defaultOptions())
	cq, err := asm.CompileUpdate(stmt)
	require.NoError(t, err)

	assert.Equal(t, KindUpdate, cq.Kind)
	assert.Equal(t, "contact", cq.UpdateEntityName)
	assert.Equal(t, "contactid", cq.UpdateIDColumn)
	require.Contains(t, cq.Updates, "firstname")
	assert.Equal(t, "Bob", cq.Updates["firstname"].Eval(nil))
	assert.True(t, cq.Fetch.Entity.HasAttribute("contactid"))
}

// §8's worked example: UPDATE contact SET firstname = 'Hello ' + lastname
// must compile to a distinct select of lastname,contactid.
func TestCompileUpdate_TargetSelectIsDistinct(t *testing.T) {
	stmt := &ast.UpdateStatement{
		Table: qid("contact"),
		SetClauses: []*ast.SetClause{
			setClause("firstname", &ast.InfixExpression{Operator: "+", Left: strLit("Hello "), Right: qid("lastname")}),
		},
	}
	asm := NewAssembler(testProvider(), defaultOptions())
	cq, err := asm.CompileUpdate(stmt)
	require.NoError(t, err)

	assert.True(t, cq.Fetch.Distinct)
	assert.True(t, cq.Fetch.DistinctSpecified)
	assert.True(t, cq.Fetch.Entity.HasAttribute("contactid"))
	assert.True(t, cq.Fetch.Entity.HasAttribute("lastname"))

	row := Row{"lastname": "Carrington"}
	assert.Equal(t, "Hello Carrington", cq.Updates["firstname"].Eval(row))
}

func TestCompileUpdate_CompoundAssignment(t *testing.T) {
	stmt := &ast.UpdateStatement{
		Table: qid("contact"),
		SetClauses: []*ast.SetClause{
			{Column: qid("firstname"), Operator: "+=", Value: strLit(" Jr")},
		},
	}
	asm := NewAssembler(testProvider(), defaultOptions())
	cq, err := asm.CompileUpdate(stmt)
	require.NoError(t, err)

	row := Row{"firstname": "Bob"}
	assert.Equal(t, "Bob Jr", cq.Updates["firstname"].Eval(row))
}

func TestCompileUpdate_TopRejected(t *testing.T) {
	stmt := &ast.UpdateStatement{
		Table: qid("contact"),
		Top:   &ast.TopClause{Count: intLit(1)},
	}
	asm := NewAssembler(testProvider(), defaultOptions())
	_, err := asm.CompileUpdate(stmt)
	require.Error(t, err)
	_, ok := err.(*NotSupportedQueryFragment)
	assert.True(t, ok)
}

// CompileUpdate binds exactly one table today, so to exercise the
// belongs-to-updated-table guard a second table is seeded into the binder
// directly as tables[0]; the contact table CompileUpdate adds then lands at
// tables[1], while CompileUpdate treats tables[0] as the updated table.
func TestCompileUpdate_SetTargetMustBelongToUpdatedTable(t *testing.T) {
	provider := testProvider()
	accountMeta, err := provider.Get("account")
	require.NoError(t, err)

	asm := NewAssembler(provider, defaultOptions())
	asm.binder.addTable(&EntityTable{LogicalName: "account", Alias: "account", IsRoot: true, Sink: &fetchxml.Entity{Name: "account"}, Metadata: accountMeta})

	stmt := &ast.UpdateStatement{
		Table:      qid("contact"),
		SetClauses: []*ast.SetClause{{Column: qid("contact", "firstname"), Operator: "=", Value: strLit("x")}},
	}
	_, err = asm.CompileUpdate(stmt)
	require.Error(t, err)
	_, ok := err.(*NotSupportedQueryFragment)
	assert.True(t, ok)
}

func TestCompileUpdate_MethodCallSetUnsupported(t *testing.T) {
	stmt := &ast.UpdateStatement{
		Table: qid("contact"),
		SetClauses: []*ast.SetClause{
			{Column: qid("firstname"), IsMethodCall: true, MethodArgs: []ast.Expression{strLit("x")}},
		},
	}
	asm := NewAssembler(testProvider(), defaultOptions())
	_, err := asm.CompileUpdate(stmt)
	require.Error(t, err)
	_, ok := err.(*NotSupportedQueryFragment)
	assert.True(t, ok)
}

func TestCompileDelete_PlainEntityByPrimaryID(t *testing.T) {
	stmt := &ast.DeleteStatement{Table: qid("contact"), Where: eq(qid("lastname"), strLit("Smith"))}
	asm := NewAssembler(testProvider(), defaultOptions())
	cq, err := asm.CompileDelete(stmt)
	require.NoError(t, err)

	assert.Equal(t, KindDelete, cq.Kind)
	assert.Equal(t, "contact", cq.DeleteEntityName)
	assert.Equal(t, []string{"contactid"}, cq.DeleteIDColumns)
	assert.True(t, cq.Fetch.Entity.HasAttribute("contactid"))
}

func TestCompileDelete_ListMemberSpecialCase(t *testing.T) {
	stmt := &ast.DeleteStatement{Table: qid("listmember")}
	asm := NewAssembler(testProvider(), defaultOptions())
	cq, err := asm.CompileDelete(stmt)
	require.NoError(t, err)

	assert.Equal(t, []string{"listid", "entityid"}, cq.DeleteIDColumns)
	assert.True(t, cq.Fetch.Entity.HasAttribute("listid"))
	assert.True(t, cq.Fetch.Entity.HasAttribute("entityid"))
}

func TestCompileDelete_ManyToManyIntersectEntity(t *testing.T) {
	stmt := &ast.DeleteStatement{Table: qid("accountleads")}
	asm := NewAssembler(testProvider(), defaultOptions())
	cq, err := asm.CompileDelete(stmt)
	require.NoError(t, err)

	assert.Equal(t, []string{"accountid", "leadid"}, cq.DeleteIDColumns)
}

func TestCompileDelete_TopRejected(t *testing.T) {
	stmt := &ast.DeleteStatement{Table: qid("contact"), Top: &ast.TopClause{Count: intLit(1)}}
	asm := NewAssembler(testProvider(), defaultOptions())
	_, err := asm.CompileDelete(stmt)
	require.Error(t, err)
	_, ok := err.(*NotSupportedQueryFragment)
	assert.True(t, ok)
}

func TestCompileDelete_UnknownTable(t *testing.T) {
	stmt := &ast.DeleteStatement{Table: qid("doesnotexist")}
	asm := NewAssembler(testProvider(), defaultOptions())
	_, err := asm.CompileDelete(stmt)
	require.Error(t, err)
	_, ok := err.(*UnknownTable)
	assert.True(t, ok)
}

func TestCompileInsert_ValuesRows(t *testing.T) {
	stmt := &ast.InsertStatement{
		Table:   qid("contact"),
		Columns: []*ast.Identifier{ident("firstname"), ident("lastname")},
		Values: [][]ast.Expression{
			{strLit("Bob"), strLit("Jones")},
			{strLit("Alice"), strLit("Smith")},
		},
	}
	asm := NewAssembler(testProvider(), defaultOptions())
	cq, err := asm.CompileInsert(stmt)
	require.NoError(t, err)

	assert.Equal(t, KindInsert, cq.Kind)
	assert.Equal(t, "contact", cq.InsertEntityName)
	assert.Equal(t, []string{"firstname", "lastname"}, cq.TargetColumns)
	require.NotNil(t, cq.Insert)
	require.Len(t, cq.Insert.ValueRows, 2)
	assert.Equal(t, "Bob", cq.Insert.ValueRows[0][0].Eval(nil))
	assert.Equal(t, "Smith", cq.Insert.ValueRows[1][1].Eval(nil))
}

func TestCompileInsert_ValuesArityMismatchRejected(t *testing.T) {
	stmt := &ast.InsertStatement{
		Table:   qid("contact"),
		Columns: []*ast.Identifier{ident("firstname"), ident("lastname")},
		Values:  [][]ast.Expression{{strLit("Bob")}},
	}
	asm := NewAssembler(testProvider(), defaultOptions())
	_, err := asm.CompileInsert(stmt)
	require.Error(t, err)
	_, ok := err.(*NotSupportedQueryFragment)
	assert.True(t, ok)
}

func TestCompileInsert_DefaultValuesRejected(t *testing.T) {
	stmt := &ast.InsertStatement{Table: qid("contact"), DefaultValues: true}
	asm := NewAssembler(testProvider(), defaultOptions())
	_, err := asm.CompileInsert(stmt)
	require.Error(t, err)
	_, ok := err.(*NotSupportedQueryFragment)
	assert.True(t, ok)
}

func TestCompileInsert_UnknownTargetColumn(t *testing.T) {
	stmt := &ast.InsertStatement{
		Table:   qid("contact"),
		Columns: []*ast.Identifier{ident("doesnotexist")},
		Values:  [][]ast.Expression{{strLit("x")}},
	}
	asm := NewAssembler(testProvider(), defaultOptions())
	_, err := asm.CompileInsert(stmt)
	require.Error(t, err)
	_, ok := err.(*UnknownAttribute)
	assert.True(t, ok)
}

func TestCompileInsert_SelectDelegatesToSubAssembler(t *testing.T) {
	stmt := &ast.InsertStatement{
		Table:   qid("contact"),
		Columns: []*ast.Identifier{ident("firstname")},
		Select:  selectStmt(fromTable("contact"), nil, col("firstname")),
	}
	asm := NewAssembler(testProvider(), defaultOptions())
	cq, err := asm.CompileInsert(stmt)
	require.NoError(t, err)

	require.NotNil(t, cq.Insert)
	require.NotNil(t, cq.Insert.SourceSelect)
	assert.Equal(t, []string{"firstname"}, cq.Insert.SourceCols)
	assert.Equal(t, []string{"firstname"}, cq.TargetColumns)
}

func TestCompileInsert_UnknownTable(t *testing.T) {
	stmt := &ast.InsertStatement{Table: qid("doesnotexist")}
	asm := NewAssembler(testProvider(), defaultOptions())
	_, err := asm.CompileInsert(stmt)
	require.Error(t, err)
	_, ok := err.(*UnknownTable)
	assert.True(t, ok)
}
