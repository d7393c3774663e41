package attrtype

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NullableInt mirrors the metadata's nullable integer/picklist/state/status
// columns (§4.1). Valid=false represents SQL NULL.
type NullableInt struct {
	Valid bool
	Value int64
}

// NullableDecimal backs money/decimal columns using shopspring/decimal so
// arithmetic in the scalar lowerer (§4.3) never loses precision the way a
// float64 representation would.
type NullableDecimal struct {
	Valid bool
	Value decimal.Decimal
}

// NullableFloat backs double columns.
type NullableFloat struct {
	Valid bool
	Value float64
}

// NullableBool backs boolean columns.
type NullableBool struct {
	Valid bool
	Value bool
}

// NullableTimestamp backs datetime columns.
type NullableTimestamp struct {
	Valid bool
	Value time.Time
}

// NullableGuid backs uniqueidentifier columns.
type NullableGuid struct {
	Valid bool
	Value uuid.UUID
}

// EntityReference is the domain value for lookup/customer/owner columns: an
// entity logical name plus its primary key guid. The logical name is
// resolved by the binder from metadata, not carried on the wire value alone.
type EntityReference struct {
	Valid        bool
	LogicalName  string
	ID           uuid.UUID
	FormattedVal string
}

// AliasedValue wraps a raw row value one level deeper than the scalar it
// carries: an aliased column reached through a linked entity, an option-set
// value, or a money amount all come back from the platform nested this way.
// Column evaluation (§4.3) unwraps it before comparison or arithmetic ever
// sees the value.
type AliasedValue struct {
	Value interface{}
}

// ParseGuidString parses the common guid literal formats a T-SQL batch can
// carry (braced, hyphenated, bare hex) and returns the canonical lower-case
// form, the same normalization the teacher's uuid wrapper performs for
// binary-stored identifier columns.
func ParseGuidString(raw string) (uuid.UUID, string, error) {
	trimmed := strings.Trim(strings.TrimSpace(raw), "{}")
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid guid literal %q", raw)
	}
	return parsed, strings.ToLower(parsed.String()), nil
}

// ParseGuidBytes parses RFC-4122-ordered bytes, the storage representation
// FetchXML result rows use for uniqueidentifier columns.
func ParseGuidBytes(raw []byte) (uuid.UUID, error) {
	parsed, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid guid bytes")
	}
	return parsed, nil
}

// ParseDecimalString parses a T-SQL decimal/money literal into a
// NullableDecimal, rejecting malformed numeric text at bind time rather than
// deferring the error to the execution runtime.
func ParseDecimalString(raw string) (NullableDecimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return NullableDecimal{}, nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return NullableDecimal{}, fmt.Errorf("invalid decimal literal %q: %w", raw, err)
	}
	return NullableDecimal{Valid: true, Value: d}, nil
}
