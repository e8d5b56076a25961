package rowan

import "github.com/rowan-db/rowan/common"

// Re-export common errors so callers don't need to import the common package.
var (
	ErrNotFound           = common.ErrNotFound
	ErrEmptyAttributeName = common.ErrEmptyAttributeName
	ErrNotJSONable        = common.ErrNotJSONable
	ErrLazyLoadForbidden  = common.ErrLazyLoadForbidden
	ErrKeyImmutable       = common.ErrKeyImmutable
	ErrSchemaNotSet       = common.ErrSchemaNotSet
	ErrRelationNotDefined = common.ErrRelationNotDefined
	ErrDatabaseNotSet     = common.ErrDatabaseNotSet
	ErrCacheNotSet        = common.ErrCacheNotSet
	ErrNoSessionToken     = common.ErrNoSessionToken
	ErrMapperNotAttached  = common.ErrMapperNotAttached
)
