// interfaces.go
// Collaborator contracts consumed by the rowan core: Persistence, CacheStore,
// and the capability-extension interfaces. These are public and intended for
// use by driver developers.

package rowan

import "context"

// Persistence defines the interface for row-level storage adapters.
// The core never builds SQL itself; adapters own query generation and
// execution.
type Persistence interface {
	// FetchOne returns the row with the given primary key value, or
	// common.ErrNotFound.
	FetchOne(ctx context.Context, table, pk string, key int64) (map[string]interface{}, error)
	// FetchWhere returns all rows where column equals value.
	FetchWhere(ctx context.Context, table, column string, value interface{}) ([]map[string]interface{}, error)
	// Insert writes a new row and returns the generated primary key.
	Insert(ctx context.Context, table string, attrs map[string]interface{}) (int64, error)
	// Update writes the given columns for the row with the given key.
	// Returns false when no row matched.
	Update(ctx context.Context, table, pk string, key int64, attrs map[string]interface{}) (bool, error)
	// DeleteRow removes the row with the given primary key value.
	DeleteRow(ctx context.Context, table, pk string, key int64) error
	// DeleteWhere removes all rows where column equals value. Used to detach
	// every pivot association of one owner.
	DeleteWhere(ctx context.Context, table, column string, value interface{}) error
	// DeletePivot removes the pivot rows matching both the owner and the
	// related key, leaving other owners' associations with the same related
	// row intact.
	DeletePivot(ctx context.Context, table, ownerColumn string, ownerKey int64, relatedColumn string, relatedKey int64) error
	// Ping reports storage availability. Used by the readiness probe only.
	Ping(ctx context.Context) error
}

// CacheStore defines the key/value cache collaborator used to memoize
// readiness checks and duplicate fetches.
type CacheStore interface {
	Get(ctx context.Context, key string) (string, error)
	Forever(ctx context.Context, key, value string) error
	Flush(ctx context.Context) error
}

// Capability is a named behavior bundle attachable to a whole record type or
// to a single record instance. A capability contributes behavior by also
// implementing one or more of the optional provider interfaces below.
type Capability interface {
	Name() string
}

// AttributeProvider contributes dynamic attribute values. Lookup order is
// core attributes first, then providers in attachment order; the first
// provider reporting ok wins.
type AttributeProvider interface {
	Attribute(r *Record, name string) (interface{}, bool)
}

// RelationProvider contributes additional relation definitions.
type RelationProvider interface {
	Relations() []*RelationDef
}

// Booter runs once when the capability is attached.
type Booter interface {
	Boot(s *Schema)
}
