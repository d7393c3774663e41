package compiler

import (
	"github.com/ha1tch/tsqlparser/ast"

	"sql4dataverse/internal/attrtype"
	"sql4dataverse/internal/metadata"
)

// testProvider returns a small fixed schema covering the shapes the
// compiler test suite exercises: a plain entity (account), a related
// entity reachable by lookup (contact), and a many-to-many intersect
// entity (accountleads) plus the well-known listmember relationship.
func testProvider() *metadata.InMemoryProvider {
	return metadata.NewInMemoryProvider(
		metadata.EntityMetadata{
			LogicalName:        "account",
			PrimaryIDAttribute: "accountid",
			Attributes: []metadata.AttributeMetadata{
				{LogicalName: "accountid", AttributeType: attrtype.MetadataUniqueIdentifier, IsValidForRead: true},
				{LogicalName: "name", AttributeType: attrtype.MetadataString, IsValidForRead: true},
				{LogicalName: "revenue", AttributeType: attrtype.MetadataMoney, IsValidForRead: true},
				{LogicalName: "numberofemployees", AttributeType: attrtype.MetadataInteger, IsValidForRead: true},
				{LogicalName: "primarycontactid", AttributeType: attrtype.MetadataLookup, IsValidForRead: true},
			},
		},
		metadata.EntityMetadata{
			LogicalName:        "contact",
			PrimaryIDAttribute: "contactid",
			Attributes: []metadata.AttributeMetadata{
				{LogicalName: "contactid", AttributeType: attrtype.MetadataUniqueIdentifier, IsValidForRead: true},
				{LogicalName: "firstname", AttributeType: attrtype.MetadataString, IsValidForRead: true},
				{LogicalName: "lastname", AttributeType: attrtype.MetadataString, IsValidForRead: true},
				{LogicalName: "parentcustomerid", AttributeType: attrtype.MetadataLookup, IsValidForRead: true},
			},
		},
		metadata.EntityMetadata{
			LogicalName:        "accountleads",
			PrimaryIDAttribute: "accountleadsid",
			IsIntersect:        true,
			ManyToManyRelationships: []metadata.ManyToManyRelationship{
				{SchemaName: "accountleads_association", E1IntersectAttr: "accountid", E2IntersectAttr: "leadid"},
			},
			Attributes: []metadata.AttributeMetadata{
				{LogicalName: "accountid", AttributeType: attrtype.MetadataLookup, IsValidForRead: true},
				{LogicalName: "leadid", AttributeType: attrtype.MetadataLookup, IsValidForRead: true},
			},
		},
		metadata.EntityMetadata{
			LogicalName:        "listmember",
			PrimaryIDAttribute: "listmemberid",
			Attributes: []metadata.AttributeMetadata{
				{LogicalName: "listmemberid", AttributeType: attrtype.MetadataUniqueIdentifier, IsValidForRead: true},
				{LogicalName: "listid", AttributeType: attrtype.MetadataLookup, IsValidForRead: true},
				{LogicalName: "entityid", AttributeType: attrtype.MetadataLookup, IsValidForRead: true},
			},
		},
	)
}

func ident(name string) *ast.Identifier { return &ast.Identifier{Value: name} }

func qid(parts ...string) *ast.QualifiedIdentifier {
	ids := make([]*ast.Identifier, len(parts))
	for i, p := range parts {
		ids[i] = ident(p)
	}
	return &ast.QualifiedIdentifier{Parts: ids}
}

func strLit(s string) *ast.StringLiteral { return &ast.StringLiteral{Value: s} }

func intLit(n int64) *ast.IntegerLiteral { return &ast.IntegerLiteral{Value: n} }

func col(name string) ast.SelectColumn { return ast.SelectColumn{Expression: qid(name)} }

func colAs(name, alias string) ast.SelectColumn {
	return ast.SelectColumn{Expression: qid(name), Alias: ident(alias)}
}

func eq(left, right ast.Expression) *ast.InfixExpression {
	return &ast.InfixExpression{Operator: "=", Left: left, Right: right}
}

func and(left, right ast.Expression) *ast.InfixExpression {
	return &ast.InfixExpression{Operator: "AND", Left: left, Right: right}
}

func or(left, right ast.Expression) *ast.InfixExpression {
	return &ast.InfixExpression{Operator: "OR", Left: left, Right: right}
}

func fromTable(name string) *ast.FromClause {
	return &ast.FromClause{Tables: []ast.TableReference{&ast.TableName{Name: qid(name)}}}
}

func fromTableAlias(name, alias string) *ast.FromClause {
	return &ast.FromClause{Tables: []ast.TableReference{&ast.TableName{Name: qid(name), Alias: ident(alias)}}}
}

func selectStmt(from *ast.FromClause, where ast.Expression, cols ...ast.SelectColumn) *ast.SelectStatement {
	return &ast.SelectStatement{From: from, Where: where, Columns: cols}
}

func funcCall(name string, args ...ast.Expression) *ast.FunctionCall {
	return &ast.FunctionCall{Function: ident(name), Arguments: args}
}

func defaultOptions() Options {
	return Options{QuotedIdentifiers: true, TSQLEndpointAvailable: true, DefaultFetchSize: 5000}
}
