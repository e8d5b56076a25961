package rowan

import (
	"reflect"

	"github.com/google/uuid"

	"github.com/rowan-db/rowan/common"
	"github.com/rowan-db/rowan/internal/utils"
)

// Record is one row-backed domain entity instance. It holds the raw attribute
// values in insertion order, the last-persisted snapshot used for dirty
// diffing, a cache of loaded relations, and the session token correlating the
// instance to pending deferred bindings.
type Record struct {
	schema *Schema
	mapper *Mapper

	attributes *utils.OrderedMap
	original   map[string]interface{}
	relations  map[string]interface{}

	key          int64
	exists       bool
	sessionToken string

	capabilities  []Capability        // instance-scoped
	instanceAttrs map[string]struct{} // dynamically-added names, excluded from payloads
}

// NewRecord constructs an empty, unpersisted record for the named schema.
func (m *Mapper) NewRecord(schemaName string) (*Record, error) {
	s, err := SchemaByName(schemaName)
	if err != nil {
		return nil, err
	}
	m.events.bootOnce(s)
	return &Record{
		schema:     s,
		mapper:     m,
		attributes: utils.NewOrderedMap(),
		original:   make(map[string]interface{}),
		relations:  make(map[string]interface{}),
	}, nil
}

// hydrate builds an existing record from a raw storage row. The original
// snapshot is synced immediately so nothing reads as dirty after a load.
func (m *Mapper) hydrate(s *Schema, row map[string]interface{}) *Record {
	m.events.bootOnce(s)
	r := &Record{
		schema:     s,
		mapper:     m,
		attributes: utils.NewOrderedMap(),
		original:   make(map[string]interface{}, len(row)),
		relations:  make(map[string]interface{}),
		exists:     true,
	}
	for _, col := range sortedKeys(row) {
		if col == s.PrimaryKey {
			r.key, _ = toInt64(row[col])
			continue
		}
		r.attributes.Set(col, row[col])
		r.original[col] = row[col]
	}
	return r
}

func (m *Mapper) hydrateAll(s *Schema, rows []map[string]interface{}) []*Record {
	recs := make([]*Record, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, m.hydrate(s, row))
	}
	return recs
}

// Schema returns the record's type configuration.
func (r *Record) Schema() *Schema { return r.schema }

// Key returns the primary key value, zero until persisted.
func (r *Record) Key() int64 { return r.key }

// setKey assigns the persistence-generated identity. Identity is immutable
// once assigned.
func (r *Record) setKey(k int64) error {
	if r.key != 0 && r.key != k {
		return common.ErrKeyImmutable
	}
	r.key = k
	return nil
}

// Exists reports whether the record is backed by a persisted row.
func (r *Record) Exists() bool { return r.exists }

// SessionToken returns the opaque token grouping this record's deferred
// bindings, or empty when no session is active.
func (r *Record) SessionToken() string { return r.sessionToken }

// WithSessionToken sets the session token. Tokens are caller-supplied opaque
// strings; the same token may span multiple records in one logical operation.
func (r *Record) WithSessionToken(token string) *Record {
	r.sessionToken = token
	return r
}

// NewSessionToken returns a fresh opaque session token for callers that do
// not manage their own.
func NewSessionToken() string {
	return uuid.NewString()
}

// RawAttribute returns the stored raw value, bypassing the get pipeline.
func (r *Record) RawAttribute(name string) (interface{}, bool) {
	return r.attributes.Get(name)
}

// setRawAttribute stores a value without running the set pipeline.
func (r *Record) setRawAttribute(name string, value interface{}) {
	r.attributes.Set(name, value)
}

// AttributeNames returns attribute names in insertion order.
func (r *Record) AttributeNames() []string {
	return r.attributes.Keys()
}

// Original returns the last-persisted snapshot value for an attribute.
func (r *Record) Original(name string) (interface{}, bool) {
	v, ok := r.original[name]
	return v, ok
}

// Dirty returns the attributes whose current raw value differs from the
// last-persisted snapshot, in attribute order.
func (r *Record) Dirty() map[string]interface{} {
	dirty := make(map[string]interface{})
	for _, name := range r.attributes.Keys() {
		cur, _ := r.attributes.Get(name)
		orig, had := r.original[name]
		if !had || !reflect.DeepEqual(cur, orig) {
			dirty[name] = cur
		}
	}
	return dirty
}

// IsDirty reports whether any of the named attributes differ from the
// snapshot; with no arguments it reports whether anything is dirty.
func (r *Record) IsDirty(names ...string) bool {
	dirty := r.Dirty()
	if len(names) == 0 {
		return len(dirty) > 0
	}
	for _, n := range names {
		if _, ok := dirty[n]; ok {
			return true
		}
	}
	return false
}

// syncOriginal snapshots the current attributes as the last-persisted state.
// Called only after a successful persist or a fresh load.
func (r *Record) syncOriginal() {
	r.original = make(map[string]interface{}, len(r.attributes.Keys()))
	for _, name := range r.attributes.Keys() {
		v, _ := r.attributes.Get(name)
		r.original[name] = v
	}
}

// --- Relation cache ---

// Relation returns the loaded relation value and whether it is loaded.
func (r *Record) Relation(name string) (interface{}, bool) {
	v, ok := r.relations[name]
	return v, ok
}

// RelationLoaded reports whether the named relation has been resolved.
func (r *Record) RelationLoaded(name string) bool {
	_, ok := r.relations[name]
	return ok
}

// SetRelation stores a loaded relation value (a *Record or []*Record).
func (r *Record) SetRelation(name string, value interface{}) {
	r.relations[name] = value
}

// UnsetRelation evicts a relation from the cache, forcing the next access to
// resolve again.
func (r *Record) UnsetRelation(name string) {
	delete(r.relations, name)
}

// ClearRelations evicts every cached relation.
func (r *Record) ClearRelations() {
	r.relations = make(map[string]interface{})
}

func (r *Record) relationDef(name string) (*RelationDef, bool) {
	if def, ok := r.schema.Relation(name); ok {
		return def, true
	}
	for _, c := range r.capabilities {
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

// allRelationDefs returns every relation definition visible on this record:
// schema-declared and capability-contributed definitions in declaration order,
// then instance-scoped ones.
func (r *Record) allRelationDefs() []*RelationDef {
	defs := r.schema.AllRelations()
	for _, c := range r.capabilities {
		if rp, ok := c.(RelationProvider); ok {
			defs = append(defs, rp.Relations()...)
		}
	}
	return defs
}

// --- Instance capabilities ---

// Attach adds a capability scoped to this record instance only.
func (r *Record) Attach(c Capability) {
	r.capabilities = append(r.capabilities, c)
	if b, ok := c.(Booter); ok {
		b.Boot(r.schema)
	}
}

// SetDynamic stores an attribute contributed at runtime. Dynamic attributes
// stay readable in memory but are excluded from persisted payloads until
// explicitly cleared.
func (r *Record) SetDynamic(name string, value interface{}) {
	if r.instanceAttrs == nil {
		r.instanceAttrs = make(map[string]struct{})
	}
	r.instanceAttrs[name] = struct{}{}
	r.attributes.Set(name, value)
}

// ClearDynamic drops all dynamically-added attributes from the record.
func (r *Record) ClearDynamic() {
	for name := range r.instanceAttrs {
		r.attributes.Delete(name)
	}
	r.instanceAttrs = nil
}

func (r *Record) isInstanceAttr(name string) bool {
	_, ok := r.instanceAttrs[name]
	return ok
}
