package compiler

import (
	"github.com/ha1tch/tsqlparser/ast"

	"sql4dataverse/internal/attrtype"
	"sql4dataverse/internal/fetchxml"
	"sql4dataverse/internal/junction"
)

// CompileUpdate lowers an UPDATE statement (§4.8). The target rows are
// identified by a SELECT built from the statement's FROM/WHERE, projecting
// the primary-id column plus every column the SET values reference; the
// execution runtime resolves that SELECT
// first and then issues one record update per row using UpdateEntityName/
// Updates.
func (a *Assembler) CompileUpdate(stmt *ast.UpdateStatement) (*CompiledQuery, error) {
	if stmt.Top != nil {
		return nil, &NotSupportedQueryFragment{Reason: "TOP on UPDATE unsupported", Fragment: "UPDATE"}
	}
	if err := a.addUpdateRootTable(stmt); err != nil {
		return nil, err
	}
	root := a.binder.tables[0]

	whereFallback, err := a.lowerWhere(stmt.Where)
	if err != nil {
		return nil, err
	}
	if len(whereFallback) > 0 {
		a.prependWhere(whereFallback)
	}

	root.Sink.AddAttribute(fetchxml.Attribute{Name: root.Metadata.PrimaryIDAttribute})

	updates := make(map[string]Expr, len(stmt.SetClauses))
	for _, set := range stmt.SetClauses {
		if set.IsMethodCall {
			return nil, &NotSupportedQueryFragment{Reason: "method-call SET targets unsupported", Fragment: set.Column.String()}
		}
		binding, err := a.binder.bindColumn(set.Column)
		if err != nil {
			return nil, err
		}
		if binding.Table != root {
			return nil, &NotSupportedQueryFragment{Reason: "SET target must belong to the updated table", Fragment: set.Column.String()}
		}
		value, err := a.scalar.lower(set.Value)
		if err != nil {
			return nil, err
		}
		if set.Operator != "" && set.Operator != "=" {
			value, err = a.applyCompoundAssignment(set, root, value)
			if err != nil {
				return nil, err
			}
		}
		updates[binding.AttributeName] = value
	}

	// §4.8: the target-row SELECT is always distinct, since the same row
	// can otherwise surface once per matching join path.
	a.fetch.Distinct = true
	a.fetch.DistinctSpecified = true

	a.fetch.Finalize()
	return &CompiledQuery{
		Kind:             KindUpdate,
		Fetch:            a.fetch,
		Operators:        a.operators,
		AllPages:         true,
		UpdateEntityName: root.Metadata.LogicalName,
		UpdateIDColumn:   root.Metadata.PrimaryIDAttribute,
		Updates:          updates,
	}, nil
}

// applyCompoundAssignment lowers `col += expr` style SET clauses (§4.8) into
// an arithmetic expression over the current column value.
func (a *Assembler) applyCompoundAssignment(set *ast.SetClause, root *EntityTable, rhs Expr) (Expr, error) {
	binding, err := a.binder.bindColumn(set.Column)
	if err != nil {
		return nil, err
	}
	current := &columnExpr{binding: binding}
	symbol := string(set.Operator[0])
	if symbol == "+" && (current.Type() == attrtype.DomainString || rhs.Type() == attrtype.DomainString) {
		return &concatExpr{left: current, right: rhs}, nil
	}
	op, ok := arithmeticOp(symbol)
	if !ok {
		return nil, &NotSupportedQueryFragment{Reason: "unsupported compound assignment operator", Fragment: set.Operator}
	}
	return &arithmeticExpr{op: op, left: current, right: rhs, typ: resultNumericType(current, rhs)}, nil
}

func (a *Assembler) addUpdateRootTable(stmt *ast.UpdateStatement) error {
	name := stmt.Table.String()
	meta, err := a.provider.Get(name)
	if err != nil {
		return &UnknownTable{Identifier: name}
	}
	alias := ""
	if stmt.Alias != nil {
		alias = stmt.Alias.Value
	}
	entity := &fetchxml.Entity{Name: meta.LogicalName}
	a.fetch = &fetchxml.Fetch{Entity: entity}
	table := &EntityTable{LogicalName: meta.LogicalName, Alias: alias, IsRoot: true, Sink: entity, Metadata: meta}
	a.binder.addTable(table)
	return nil
}

// CompileDelete lowers a DELETE statement (§4.8). Three id-column shapes are
// possible depending on the target entity: a listmember-style relationship
// table (deleted by list id + entity id), a many-to-many intersect entity
// (deleted by its two intersect attributes), or a plain entity (deleted by
// primary id). junction.TargetFor decides which.
func (a *Assembler) CompileDelete(stmt *ast.DeleteStatement) (*CompiledQuery, error) {
	if stmt.Top != nil {
		return nil, &NotSupportedQueryFragment{Reason: "TOP on DELETE unsupported", Fragment: "DELETE"}
	}
	name := stmt.Table.String()
	meta, err := a.provider.Get(name)
	if err != nil {
		return nil, &UnknownTable{Identifier: name}
	}
	alias := ""
	if stmt.Alias != nil {
		alias = stmt.Alias.Value
	}
	entity := &fetchxml.Entity{Name: meta.LogicalName}
	a.fetch = &fetchxml.Fetch{Entity: entity}
	root := &EntityTable{LogicalName: meta.LogicalName, Alias: alias, IsRoot: true, Sink: entity, Metadata: meta}
	a.binder.addTable(root)

	whereFallback, err := a.lowerWhere(stmt.Where)
	if err != nil {
		return nil, err
	}
	if len(whereFallback) > 0 {
		a.prependWhere(whereFallback)
	}

	idColumns := junction.TargetFor(meta)
	for _, col := range idColumns {
		entity.AddAttribute(fetchxml.Attribute{Name: col})
	}

	a.fetch.Finalize()
	return &CompiledQuery{
		Kind:             KindDelete,
		Fetch:            a.fetch,
		Operators:        a.operators,
		AllPages:         true,
		DeleteEntityName: meta.LogicalName,
		DeleteIDColumns:  idColumns,
	}, nil
}

// CompileInsert lowers an INSERT statement (§4.8). VALUES rows are lowered
// with a binder that has no tables in scope — constant and scalar-function
// expressions are the only legal value expressions — while INSERT ... SELECT
// delegates to the full SELECT assembler and maps source columns positionally
// onto TargetColumns.
func (a *Assembler) CompileInsert(stmt *ast.InsertStatement) (*CompiledQuery, error) {
	if stmt.DefaultValues {
		return nil, &NotSupportedQueryFragment{Reason: "INSERT DEFAULT VALUES unsupported", Fragment: "INSERT"}
	}
	name := stmt.Table.String()
	meta, err := a.provider.Get(name)
	if err != nil {
		return nil, &UnknownTable{Identifier: name}
	}
	targetCols := make([]string, len(stmt.Columns))
	for i, c := range stmt.Columns {
		attr, ok := meta.AttributeByName(c.Value)
		if !ok {
			return nil, &UnknownAttribute{Identifier: c.Value}
		}
		targetCols[i] = attr.LogicalName
	}

	cq := &CompiledQuery{
		Kind:             KindInsert,
		InsertEntityName: meta.LogicalName,
		TargetColumns:    targetCols,
	}

	if stmt.Select != nil {
		sub := NewAssembler(a.provider, a.options)
		compiled, err := sub.Compile(stmt.Select)
		if err != nil {
			return nil, err
		}
		cq.Insert = &InsertSource{SourceSelect: compiled, SourceCols: compiled.Columns}
		return cq, nil
	}

	valueRows := make([][]Expr, len(stmt.Values))
	for i, row := range stmt.Values {
		if len(row) != len(targetCols) {
			return nil, &NotSupportedQueryFragment{Reason: "VALUES row arity does not match column list", Fragment: "INSERT"}
		}
		exprRow := make([]Expr, len(row))
		for j, v := range row {
			e, err := a.scalar.lower(v)
			if err != nil {
				return nil, err
			}
			exprRow[j] = e
		}
		valueRows[i] = exprRow
	}
	cq.Insert = &InsertSource{ValueRows: valueRows}
	return cq, nil
}
