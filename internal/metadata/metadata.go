// Package metadata defines the entity metadata contract the compiler binds
// SQL column references against (§6.2), plus an in-memory reference provider
// used by tests and the demo entry point. The authoritative provider backing
// real data platform metadata lives outside this module's scope.
package metadata

import (
	"fmt"
	"strings"

	"github.com/jinzhu/inflection"

	"sql4dataverse/internal/attrtype"
)

// AttributeMetadata describes one attribute of an entity (§6.2).
type AttributeMetadata struct {
	LogicalName    string
	AttributeType  attrtype.MetadataType
	IsValidForRead bool
}

// ManyToManyRelationship describes one M2M relationship through an
// intersect entity (§6.2), consumed by the DML DELETE compiler via
// internal/junction.
type ManyToManyRelationship struct {
	SchemaName      string
	E1IntersectAttr string
	E2IntersectAttr string
}

// EntityMetadata is the full metadata record for one entity, as returned by
// Provider.Get (§6.2).
type EntityMetadata struct {
	LogicalName             string
	PrimaryIDAttribute      string
	IsIntersect             bool
	ManyToManyRelationships []ManyToManyRelationship
	Attributes              []AttributeMetadata
	DisplayName             string
	DisplayCollectionName   string
}

// AttributeByName looks up an attribute by its exact lowercased logical
// name, mirroring the provider's own lookup contract.
func (e EntityMetadata) AttributeByName(name string) (AttributeMetadata, bool) {
	lower := strings.ToLower(name)
	for _, a := range e.Attributes {
		if strings.ToLower(a.LogicalName) == lower {
			return a, true
		}
	}
	return AttributeMetadata{}, false
}

// Provider resolves entity names to metadata records (§6.2). Lookups are by
// exact lowercased name.
type Provider interface {
	Get(entityName string) (EntityMetadata, error)
}

// ErrUnknownEntity is returned by InMemoryProvider.Get when no entity with
// that logical name was registered.
type ErrUnknownEntity struct {
	EntityName string
}

func (e *ErrUnknownEntity) Error() string {
	return fmt.Sprintf("unknown entity %q", e.EntityName)
}

// InMemoryProvider is a map-backed Provider used by the compiler's test
// suite and by cmd/compileq; it is not a production metadata client.
type InMemoryProvider struct {
	entities map[string]EntityMetadata
}

// NewInMemoryProvider builds a provider from the given entities, normalizing
// lookups to lowercase and filling in DisplayCollectionName with an
// inflection-derived plural when the caller didn't supply one.
func NewInMemoryProvider(entities ...EntityMetadata) *InMemoryProvider {
	p := &InMemoryProvider{entities: make(map[string]EntityMetadata, len(entities))}
	for _, e := range entities {
		if e.DisplayName == "" {
			e.DisplayName = e.LogicalName
		}
		if e.DisplayCollectionName == "" {
			e.DisplayCollectionName = inflection.Plural(e.DisplayName)
		}
		p.entities[strings.ToLower(e.LogicalName)] = e
	}
	return p
}

// Get implements Provider.
func (p *InMemoryProvider) Get(entityName string) (EntityMetadata, error) {
	e, ok := p.entities[strings.ToLower(entityName)]
	if !ok {
		return EntityMetadata{}, &ErrUnknownEntity{EntityName: entityName}
	}
	return e, nil
}

// SuggestEntity returns the display collection name of a registered entity
// whose logical name matches caselessly. Nothing else in this module calls
// it, so UnknownTable errors carry no suggestion.
func (p *InMemoryProvider) SuggestEntity(entityName string) (string, bool) {
	lower := strings.ToLower(entityName)
	for name, e := range p.entities {
		if strings.HasPrefix(name, lower) || strings.HasPrefix(lower, name) {
			return e.DisplayCollectionName, true
		}
	}
	return "", false
}
