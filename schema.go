package rowan

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rowan-db/rowan/common"
)

// CastType identifies the semantic target type of an attribute cast.
type CastType string

const (
	CastInt    CastType = "int"
	CastFloat  CastType = "float"
	CastBool   CastType = "bool"
	CastDate   CastType = "date"
	CastCustom CastType = "custom"
)

// Accessor computes a derived attribute value from a record.
type Accessor func(r *Record) interface{}

// Mutator transforms a value before it is stored on a record.
type Mutator func(r *Record, value interface{}) interface{}

// Schema is the per-type configuration for a record type: storage mapping,
// attribute transformation rules, relation definitions, and the observer
// whose convention methods are wired into the event bus at boot.
type Schema struct {
	Name       string // registry identifier, e.g. "post"
	Table      string // storage table name
	PrimaryKey string // defaults to "id"

	Casts     map[string]CastType
	CastFuncs map[string]CastFunc // used when Casts[name] == CastCustom
	JSONable  []string            // attributes stored as JSON-encoded text
	Dates     []string            // attributes coerced to time.Time
	Purgeable []string            // attributes excluded from persisted payloads
	Appends   []string            // computed (non-stored) attributes added to output
	Arrayable []string            // output whitelist; empty means all attributes

	Accessors map[string]Accessor
	Mutators  map[string]Mutator
	Relations []*RelationDef

	// Observer receives convention-method registration (BeforeSave, AfterCreate,
	// ...) the first time the type is booted.
	Observer interface{}

	jsonable  map[string]struct{}
	dates     map[string]struct{}
	purgeable map[string]struct{}
	relByName map[string]*RelationDef

	capMu        sync.RWMutex
	capabilities []Capability
}

// CastFunc applies a custom cast.
type CastFunc func(value interface{}) interface{}

func (s *Schema) normalize() error {
	if s.Name == "" {
		return errors.New("rowan: schema name must not be empty")
	}
	if s.Table == "" {
		s.Table = s.Name + "s"
	}
	if s.PrimaryKey == "" {
		s.PrimaryKey = "id"
	}
	s.jsonable = toSet(s.JSONable)
	s.dates = toSet(s.Dates)
	s.purgeable = toSet(s.Purgeable)
	s.relByName = make(map[string]*RelationDef, len(s.Relations))
	for _, def := range s.Relations {
		if err := def.validate(); err != nil {
			return fmt.Errorf("schema %s: %w", s.Name, err)
		}
		s.relByName[def.Name] = def
	}
	return nil
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// IsJSONable reports whether the attribute is stored as JSON-encoded text.
func (s *Schema) IsJSONable(name string) bool {
	_, ok := s.jsonable[name]
	return ok
}

// IsDate reports whether the attribute is coerced to a date/time value.
func (s *Schema) IsDate(name string) bool {
	_, ok := s.dates[name]
	return ok
}

// IsPurgeable reports whether the attribute is excluded from persisted
// payloads.
func (s *Schema) IsPurgeable(name string) bool {
	_, ok := s.purgeable[name]
	return ok
}

// MarkPurgeable adds an attribute name to the purgeable set.
func (s *Schema) MarkPurgeable(name string) {
	if s.purgeable == nil {
		s.purgeable = make(map[string]struct{})
	}
	s.purgeable[name] = struct{}{}
}

func (s *Schema) accessor(name string) Accessor {
	if s.Accessors == nil {
		return nil
	}
	return s.Accessors[name]
}

func (s *Schema) mutator(name string) Mutator {
	if s.Mutators == nil {
		return nil
	}
	return s.Mutators[name]
}

func (s *Schema) hasCast(name string) bool {
	if s.IsDate(name) {
		return true
	}
	if s.Casts == nil {
		return false
	}
	_, ok := s.Casts[name]
	return ok
}

// Relation returns the relation definition with the given name, including
// definitions contributed by attached capabilities.
func (s *Schema) Relation(name string) (*RelationDef, bool) {
	if def, ok := s.relByName[name]; ok {
		return def, true
	}
	s.capMu.RLock()
	defer s.capMu.RUnlock()
	for _, c := range s.capabilities {
		if rp, ok := c.(RelationProvider); ok {
			for _, def := range rp.Relations() {
				if def.Name == name {
					return def, true
				}
			}
		}
	}
	return nil, false
}

// AllRelations returns schema relations followed by capability-contributed
// relations, in definition/attachment order.
func (s *Schema) AllRelations() []*RelationDef {
	defs := make([]*RelationDef, 0, len(s.Relations))
	defs = append(defs, s.Relations...)
	s.capMu.RLock()
	defer s.capMu.RUnlock()
	for _, c := range s.capabilities {
		if rp, ok := c.(RelationProvider); ok {
			defs = append(defs, rp.Relations()...)
		}
	}
	return defs
}

// Attach adds a capability scoped to every record of this type.
func (s *Schema) Attach(c Capability) {
	s.capMu.Lock()
	s.capabilities = append(s.capabilities, c)
	s.capMu.Unlock()
	if b, ok := c.(Booter); ok {
		b.Boot(s)
	}
}

// Capabilities returns the type-scoped capabilities in attachment order.
func (s *Schema) Capabilities() []Capability {
	s.capMu.RLock()
	defer s.capMu.RUnlock()
	return append([]Capability(nil), s.capabilities...)
}

// --- Schema Registry ---

var (
	schemaRegistry = make(map[string]*Schema)
	schemaMutex    sync.RWMutex
)

// RegisterSchema validates and registers a schema under its name.
// Re-registering a name replaces the previous schema.
func RegisterSchema(s *Schema) error {
	if err := s.normalize(); err != nil {
		return err
	}
	schemaMutex.Lock()
	defer schemaMutex.Unlock()
	schemaRegistry[s.Name] = s
	return nil
}

// SchemaByName returns the registered schema for name.
func SchemaByName(name string) (*Schema, error) {
	schemaMutex.RLock()
	defer schemaMutex.RUnlock()
	s, ok := schemaRegistry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrSchemaNotSet, name)
	}
	return s, nil
}

// ResetSchemas clears the schema registry. Intended for test isolation.
func ResetSchemas() {
	schemaMutex.Lock()
	defer schemaMutex.Unlock()
	schemaRegistry = make(map[string]*Schema)
}
