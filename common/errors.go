package common

import "errors"

// ErrNotFound is returned when a requested item (cache key, database row,
// attribute or relation) is not found.
var ErrNotFound = errors.New("rowan: requested item not found")

// Additional package-level errors
var (
	// ErrEmptyAttributeName indicates Set was called with an empty attribute name.
	// This is a programming error, not a recoverable condition.
	ErrEmptyAttributeName = errors.New("rowan: attribute name must not be empty")
	// ErrNotJSONable indicates a structured value was about to be persisted for
	// an attribute not declared jsonable.
	ErrNotJSONable = errors.New("rowan: structured value on attribute not declared jsonable")
	// ErrLazyLoadForbidden indicates a relation access would have triggered a
	// lazy load while the mapper forbids lazy loading.
	ErrLazyLoadForbidden = errors.New("rowan: lazy loading is forbidden")
	// ErrKeyImmutable indicates an attempt to overwrite a persisted identity.
	ErrKeyImmutable = errors.New("rowan: record key is immutable once assigned")
	ErrSchemaNotSet       = errors.New("rowan: schema not registered")
	ErrRelationNotDefined = errors.New("rowan: relation not defined")
	ErrDatabaseNotSet     = errors.New("rowan: persistence adapter not set")
	ErrCacheNotSet        = errors.New("rowan: cache store not set")
	ErrNoSessionToken     = errors.New("rowan: record carries no session token")
	ErrMapperNotAttached  = errors.New("rowan: record is not attached to a mapper")
)

// NoneResult is a marker value for cache entries indicating a known-missing
// row. Differentiates "key not in cache" from "key cached, row absent".
const NoneResult = "__rowan_none__"
