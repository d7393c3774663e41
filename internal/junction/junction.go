// Package junction decides which attribute(s) identify a row for DELETE
// purposes (§4.8). Most entities delete by their primary id; the listmember
// relationship entity and many-to-many intersect entities delete by a
// different key shape instead.
package junction

import (
	"strings"

	"sql4dataverse/internal/metadata"
)

// listMemberEntity is the well-known relationship entity associating a
// marketing list with its members; it has no primary-id-based delete path
// of its own (§4.8).
const listMemberEntity = "listmember"

// TargetFor returns the attribute name(s) DELETE must supply per row to
// identify the record, in the order the execution runtime should bind them
// positionally against the fetched row (§4.8):
//
//   - listmember deletes by (listid, entityid)
//   - a many-to-many intersect entity with exactly one relationship deletes
//     by its two intersect attributes
//   - everything else deletes by its primary id attribute
func TargetFor(meta metadata.EntityMetadata) []string {
	if strings.EqualFold(meta.LogicalName, listMemberEntity) {
		return []string{"listid", "entityid"}
	}
	if meta.IsIntersect && len(meta.ManyToManyRelationships) == 1 {
		rel := meta.ManyToManyRelationships[0]
		return []string{rel.E1IntersectAttr, rel.E2IntersectAttr}
	}
	return []string{meta.PrimaryIDAttribute}
}

// IsIntersect reports whether meta is a many-to-many intersect entity that
// TargetFor would key by its two intersect attributes rather than a primary
// id — the DML compiler uses this to skip requesting a primary-id attribute
// that the entity may not expose for read.
func IsIntersect(meta metadata.EntityMetadata) bool {
	return meta.IsIntersect && len(meta.ManyToManyRelationships) == 1 && !strings.EqualFold(meta.LogicalName, listMemberEntity)
}
