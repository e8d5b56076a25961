package rowan

import (
	"errors"
	"sync"
)

// Options tunes mapper behavior.
type Options struct {
	// TrimStrings trims whitespace from string values in the set pipeline.
	TrimStrings bool
	// StorageDateFormat is the layout for date attributes in storage.
	// Defaults to DefaultStorageDateFormat.
	StorageDateFormat string
	// DuplicateCache memoizes FetchOne results in the cache store, keyed by a
	// hash of the query shape.
	DuplicateCache bool
	// ForbidLazyLoading makes relation access fail fast instead of resolving
	// relations that were not explicitly loaded.
	ForbidLazyLoading bool
}

// --- Global Configuration ---

var (
	globalDB     Persistence
	globalCache  CacheStore
	globalOpts   Options
	isConfigured bool
	configMutex  sync.RWMutex
)

// Config holds configuration for the rowan mapper.
type Config struct {
	DB      Persistence // User must initialize and provide
	Cache   CacheStore  // Optional; nil disables cache-backed features
	Options Options
}

// Configure sets up the package-level persistence and cache collaborators.
// This MUST be called once during application initialization before using
// Use().
func Configure(db Persistence, cache CacheStore, opts ...Options) error {
	configMutex.Lock()
	defer configMutex.Unlock()
	if db == nil {
		return errors.New("rowan: Persistence adapter must be non-nil")
	}
	globalDB = db
	globalCache = cache
	if len(opts) > 0 {
		globalOpts = opts[0]
	} else {
		globalOpts = Options{}
	}
	isConfigured = true
	return nil
}

// ConfigureWithConfig sets up the package-level collaborators from a Config.
func ConfigureWithConfig(cfg Config) error {
	return Configure(cfg.DB, cfg.Cache, cfg.Options)
}

// Use returns a Mapper built from the globally configured collaborators.
func Use() (*Mapper, error) {
	configMutex.RLock()
	defer configMutex.RUnlock()
	if !isConfigured {
		return nil, errors.New("rowan: Use called before Configure")
	}
	return New(globalDB, globalCache, globalOpts)
}
