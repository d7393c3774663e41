// Package attrtype maps the data platform's metadata attribute types to the
// nullable domain types the compiler's scalar expressions carry, and holds
// the concrete Go representations of the domain-typed values (nullable int,
// decimal, guid, bool, timestamp, entity reference).
package attrtype

import "strings"

// MetadataType is the attribute type reported by the metadata provider (§6.2).
type MetadataType int

const (
	MetadataUnknown MetadataType = iota
	MetadataInteger
	MetadataMoney
	MetadataDecimal
	MetadataString
	MetadataMemo
	MetadataEntityName
	MetadataLookup
	MetadataCustomer
	MetadataOwner
	MetadataUniqueIdentifier
	MetadataPicklist
	MetadataState
	MetadataStatus
	MetadataBoolean
	MetadataDateTime
	MetadataDouble
)

// ParseMetadataType converts the metadata provider's attribute_type string
// (§6.2) into a MetadataType. Unknown strings map to MetadataUnknown, which
// the domain mapping below treats as a plain nullable string.
func ParseMetadataType(s string) MetadataType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "integer", "int":
		return MetadataInteger
	case "money":
		return MetadataMoney
	case "decimal":
		return MetadataDecimal
	case "string":
		return MetadataString
	case "memo":
		return MetadataMemo
	case "entityname":
		return MetadataEntityName
	case "lookup":
		return MetadataLookup
	case "customer":
		return MetadataCustomer
	case "owner":
		return MetadataOwner
	case "uniqueidentifier", "guid":
		return MetadataUniqueIdentifier
	case "picklist":
		return MetadataPicklist
	case "state":
		return MetadataState
	case "status":
		return MetadataStatus
	case "boolean", "bool":
		return MetadataBoolean
	case "datetime":
		return MetadataDateTime
	case "double":
		return MetadataDouble
	default:
		return MetadataUnknown
	}
}

// DomainType is the nullable value domain a bound column or scalar
// expression evaluates to (§4.1).
type DomainType int

const (
	// DomainString covers string/memo/entityname; never null-wrapped, empty
	// string stands in for SQL NULL text semantics upstream of this package.
	DomainString DomainType = iota
	DomainNullableInt
	DomainNullableDecimal
	DomainEntityReference
	DomainNullableGuid
	DomainNullableBool
	DomainNullableTimestamp
	DomainNullableFloat
)

func (d DomainType) String() string {
	switch d {
	case DomainNullableInt:
		return "NullableInt"
	case DomainNullableDecimal:
		return "NullableDecimal"
	case DomainEntityReference:
		return "EntityReference"
	case DomainNullableGuid:
		return "NullableGuid"
	case DomainNullableBool:
		return "NullableBool"
	case DomainNullableTimestamp:
		return "NullableTimestamp"
	case DomainNullableFloat:
		return "NullableFloat"
	default:
		return "String"
	}
}

// DomainFor implements the §4.1 domain mapping table:
//
//	integer            -> nullable int
//	money/decimal      -> nullable decimal
//	string/memo/entityname -> string
//	lookup/customer/owner  -> entity reference
//	uniqueidentifier   -> nullable guid
//	picklist/state/status  -> nullable int
//	boolean            -> nullable bool
//	datetime           -> nullable timestamp
//	double             -> nullable float
func DomainFor(t MetadataType) DomainType {
	switch t {
	case MetadataInteger:
		return DomainNullableInt
	case MetadataMoney, MetadataDecimal:
		return DomainNullableDecimal
	case MetadataString, MetadataMemo, MetadataEntityName:
		return DomainString
	case MetadataLookup, MetadataCustomer, MetadataOwner:
		return DomainEntityReference
	case MetadataUniqueIdentifier:
		return DomainNullableGuid
	case MetadataPicklist, MetadataState, MetadataStatus:
		return DomainNullableInt
	case MetadataBoolean:
		return DomainNullableBool
	case MetadataDateTime:
		return DomainNullableTimestamp
	case MetadataDouble:
		return DomainNullableFloat
	default:
		return DomainString
	}
}

// IsNumeric reports whether values of this domain participate in arithmetic
// (§4.3 binary arithmetic/bitwise rules and aggregate AVG/SUM eligibility).
func (d DomainType) IsNumeric() bool {
	switch d {
	case DomainNullableInt, DomainNullableDecimal, DomainNullableFloat:
		return true
	default:
		return false
	}
}
