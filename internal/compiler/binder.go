package compiler

import (
	"strings"

	"github.com/ha1tch/tsqlparser/ast"

	"sql4dataverse/internal/attrtype"
	"sql4dataverse/internal/fetchxml"
)

func attributeFor(b ColumnBinding) fetchxml.Attribute {
	return fetchxml.Attribute{Name: b.AttributeName, Alias: b.ExplicitAlias}
}

// binder resolves SQL column references against the tables currently in
// scope (§4.1). It also owns the shadow name table for calculated columns
// declared earlier in the same SELECT list, visible only to ORDER BY and
// HAVING.
type binder struct {
	tables      []*EntityTable
	shadowNames map[string]Expr // calculated column alias -> its expression, ORDER BY/HAVING only
}

func newBinder() *binder {
	return &binder{shadowNames: make(map[string]Expr)}
}

func (b *binder) addTable(t *EntityTable) {
	b.tables = append(b.tables, t)
}

func (b *binder) declareCalculated(alias string, expr Expr) {
	b.shadowNames[strings.ToLower(alias)] = expr
}

// resolveShadow looks up a calculated column by alias; only ORDER BY and
// HAVING lowering call this (§4.1).
func (b *binder) resolveShadow(name string) (Expr, bool) {
	e, ok := b.shadowNames[strings.ToLower(name)]
	return e, ok
}

func (b *binder) tableByAliasOrName(part string) (*EntityTable, error) {
	lower := strings.ToLower(part)
	var byAlias, byName *EntityTable
	aliasCount, nameCount := 0, 0
	for _, t := range b.tables {
		if t.Alias != "" && strings.ToLower(t.Alias) == lower {
			byAlias = t
			aliasCount++
		}
		if strings.ToLower(t.LogicalName) == lower {
			byName = t
			nameCount++
		}
	}
	if aliasCount > 1 {
		return nil, &AmbiguousTable{Identifier: part}
	}
	if byAlias != nil {
		return byAlias, nil
	}
	if nameCount > 1 {
		return nil, &AmbiguousTable{Identifier: part}
	}
	if byName != nil {
		return byName, nil
	}
	return nil, &UnknownTable{Identifier: part}
}

// bindColumn implements the bind_column contract of §4.1.
func (b *binder) bindColumn(qi *ast.QualifiedIdentifier) (ColumnBinding, error) {
	parts := make([]string, len(qi.Parts))
	for i, p := range qi.Parts {
		parts[i] = p.Value
	}
	switch len(parts) {
	case 2:
		table, err := b.tableByAliasOrName(parts[0])
		if err != nil {
			return ColumnBinding{}, err
		}
		return b.bindOnTable(table, parts[1])
	case 1:
		return b.bindUnqualified(parts[0])
	default:
		// three or more parts: only the last two matter (schema-qualified
		// forms collapse to table.column for this compiler's purposes).
		table, err := b.tableByAliasOrName(parts[len(parts)-2])
		if err != nil {
			return ColumnBinding{}, err
		}
		return b.bindOnTable(table, parts[len(parts)-1])
	}
}

func (b *binder) bindOnTable(table *EntityTable, attrName string) (ColumnBinding, error) {
	if attr, ok := table.Metadata.AttributeByName(attrName); ok {
		return ColumnBinding{
			Table:         table,
			AttributeName: attr.LogicalName,
			AttrType:      attrtype.DomainFor(attr.AttributeType),
		}, nil
	}
	// fall back to an already-declared FetchXML attribute alias on this table.
	if table.Sink.HasAlias(attrName) {
		return ColumnBinding{Table: table, AttributeName: attrName, AttrType: attrtype.DomainString}, nil
	}
	return ColumnBinding{}, &UnknownAttribute{Identifier: attrName}
}

func (b *binder) bindUnqualified(attrName string) (ColumnBinding, error) {
	var match ColumnBinding
	matches := 0
	for _, t := range b.tables {
		if attr, ok := t.Metadata.AttributeByName(attrName); ok {
			match = ColumnBinding{Table: t, AttributeName: attr.LogicalName, AttrType: attrtype.DomainFor(attr.AttributeType)}
			matches++
			continue
		}
		if t.Sink.HasAlias(attrName) {
			match = ColumnBinding{Table: t, AttributeName: attrName, AttrType: attrtype.DomainString}
			matches++
		}
	}
	if matches > 1 {
		return ColumnBinding{}, &AmbiguousAttribute{Identifier: attrName}
	}
	if matches == 1 {
		return match, nil
	}
	return ColumnBinding{}, &UnknownAttribute{Identifier: attrName}
}

// requestAttribute adds a plain attribute to the binding's table unless
// HasAttribute reports it already present, per §4.3's column-lowering
// rule.
func requestAttribute(b ColumnBinding) {
	if b.Table.Sink.HasAttribute(b.AttributeName) {
		return
	}
	b.Table.Sink.AddAttribute(attributeFor(b))
}
