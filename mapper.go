package rowan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"github.com/rowan-db/rowan/common"
)

// Mapper is the central access point for record operations. It wires the
// event bus, the attribute pipeline, the deferred binding ledger, and the
// cascade engine around the persistence and cache collaborators.
//
// Execution is single-threaded and request-scoped: handlers and cascade
// recursion run on the calling goroutine in deterministic order.
type Mapper struct {
	db     Persistence
	cache  CacheStore
	events *Bus
	ledger *Ledger
	ctx    context.Context
	opts   Options
}

// New creates a Mapper. The cache store may be nil, which disables the
// duplicate-fetch cache and readiness memoization.
func New(db Persistence, cache CacheStore, opts ...Options) (*Mapper, error) {
	if db == nil {
		return nil, common.ErrDatabaseNotSet
	}
	m := &Mapper{
		db:     db,
		cache:  cache,
		events: NewBus(),
		ledger: NewLedger(),
		ctx:    context.Background(),
	}
	if len(opts) > 0 {
		m.opts = opts[0]
	}
	return m, nil
}

// WithContext returns a shallow copy of the mapper with the context replaced.
// The context is used by record-level attribute access, which has no context
// parameter of its own; it shares the bus and ledger with the original.
func (m *Mapper) WithContext(ctx context.Context) *Mapper {
	if ctx == nil {
		ctx = context.Background()
	}
	copied := *m
	copied.ctx = ctx
	return &copied
}

// Events returns the lifecycle event bus.
func (m *Mapper) Events() *Bus { return m.events }

// Ledger returns the deferred binding ledger.
func (m *Mapper) Ledger() *Ledger { return m.ledger }

// Options returns the mapper options.
func (m *Mapper) Options() Options { return m.opts }

// Fetch loads one record by primary key. The fetching hook may cancel, which
// reports as not found. With the duplicate cache enabled the row is memoized
// in the cache store under a hash of the query shape.
func (m *Mapper) Fetch(ctx context.Context, schemaName string, id int64) (*Record, error) {
	s, err := SchemaByName(schemaName)
	if err != nil {
		return nil, err
	}
	m.events.bootOnce(s)

	stub, err := m.NewRecord(schemaName)
	if err != nil {
		return nil, err
	}
	stub.key = id
	if out := m.events.fire(ctx, &Event{Phase: PhaseFetching, Record: stub}); out.IsCancel() {
		return nil, common.ErrNotFound
	}

	var row map[string]interface{}
	cacheKey := ""
	if m.opts.DuplicateCache && m.cache != nil {
		cacheKey = duplicateFetchKey(s.Table, s.PrimaryKey, id)
		if raw, cacheErr := m.cache.Get(ctx, cacheKey); cacheErr == nil {
			if raw == common.NoneResult {
				return nil, common.ErrNotFound
			}
			var cached map[string]interface{}
			if err := jsonAPI.UnmarshalFromString(raw, &cached); err == nil {
				row = cached
			}
		} else if !errors.Is(cacheErr, common.ErrNotFound) {
			log.Printf("WARN: duplicate-fetch cache get for %s: %v", cacheKey, cacheErr)
		}
	}

	if row == nil {
		row, err = m.db.FetchOne(ctx, s.Table, s.PrimaryKey, id)
		if errors.Is(err, common.ErrNotFound) {
			if cacheKey != "" {
				if err := m.cache.Forever(ctx, cacheKey, common.NoneResult); err != nil {
					log.Printf("WARN: caching NoneResult for %s: %v", cacheKey, err)
				}
			}
			return nil, common.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("fetch %s %d: %w", s.Name, id, err)
		}
		if cacheKey != "" {
			if encoded, encErr := jsonAPI.MarshalToString(row); encErr == nil {
				if err := m.cache.Forever(ctx, cacheKey, encoded); err != nil {
					log.Printf("WARN: caching row for %s: %v", cacheKey, err)
				}
			}
		}
	}

	rec := m.hydrate(s, row)
	m.events.fire(ctx, &Event{Phase: PhaseFetched, Record: rec})
	return rec, nil
}

// Save persists the record: creating/updating plus saving hooks around the
// row write, with deferred bindings committed before and after the write.
// A cancelling hook yields (false, nil) with storage and ledger untouched.
// An error after the row write (binding replay) yields (true, err).
func (m *Mapper) Save(ctx context.Context, rec *Record) (bool, error) {
	if m.db == nil {
		return false, common.ErrDatabaseNotSet
	}
	s := rec.schema
	m.events.bootOnce(s)

	dirty := rec.Dirty()
	if out := m.events.fire(ctx, &Event{Phase: PhaseSaving, Record: rec, Changed: dirty}); out.IsCancel() {
		return false, nil
	}

	isNew := !rec.exists
	prePhase, postPhase := PhaseUpdating, PhaseUpdated
	if isNew {
		prePhase, postPhase = PhaseCreating, PhaseCreated
	}
	if out := m.events.fire(ctx, &Event{Phase: prePhase, Record: rec, Changed: dirty}); out.IsCancel() {
		return false, nil
	}

	// Before-parent bindings (belongsTo key assignments) must land on the
	// record ahead of payload construction.
	token := rec.sessionToken
	if token != "" {
		if err := m.commitBindings(ctx, token, rec, true); err != nil {
			return false, err
		}
	}

	// Hooks and pre-commit bindings may have mutated attributes; rebuild the
	// view of what changed.
	dirty = rec.Dirty()
	payload, err := rec.persistPayload()
	if err != nil {
		return false, err
	}

	if isNew {
		id, err := m.db.Insert(ctx, s.Table, payload)
		if err != nil {
			return false, fmt.Errorf("insert %s: %w", s.Table, err)
		}
		if err := rec.setKey(id); err != nil {
			return false, err
		}
		rec.exists = true
	} else {
		if rec.key == 0 {
			return false, fmt.Errorf("rowan: cannot update %s record without a key", s.Name)
		}
		update := make(map[string]interface{}, len(dirty))
		for name := range dirty {
			if v, ok := payload[name]; ok {
				update[name] = v
			}
		}
		if len(update) > 0 {
			if _, err := m.db.Update(ctx, s.Table, s.PrimaryKey, rec.key, update); err != nil {
				return false, fmt.Errorf("update %s %d: %w", s.Table, rec.key, err)
			}
		}
	}

	rec.syncOriginal()
	m.invalidateFetchCache(ctx, s, rec.key)

	if token != "" {
		if err := m.commitBindings(ctx, token, rec, false); err != nil {
			return true, err
		}
	}

	m.events.fire(ctx, &Event{Phase: postPhase, Record: rec, Changed: dirty})
	m.events.fire(ctx, &Event{Phase: PhaseSaved, Record: rec, Changed: dirty})
	return true, nil
}

// Reload refetches the record's row, replacing attributes, resyncing the
// original snapshot, and evicting cached relations and the duplicate-fetch
// entry.
func (m *Mapper) Reload(ctx context.Context, rec *Record) error {
	if rec.key == 0 {
		return fmt.Errorf("rowan: cannot reload %s record without a key", rec.schema.Name)
	}
	s := rec.schema
	m.invalidateFetchCache(ctx, s, rec.key)

	row, err := m.db.FetchOne(ctx, s.Table, s.PrimaryKey, rec.key)
	if err != nil {
		return fmt.Errorf("reload %s %d: %w", s.Name, rec.key, err)
	}
	fresh := m.hydrate(s, row)
	rec.attributes = fresh.attributes
	rec.original = fresh.original
	rec.exists = true
	rec.ClearRelations()
	return nil
}

// Ready is an advisory storage readiness probe. Failures are reported as
// false, never propagated; a positive result is memoized in the cache store.
func (m *Mapper) Ready(ctx context.Context) bool {
	if m.cache != nil {
		if v, err := m.cache.Get(ctx, readyCacheKey); err == nil && v == "1" {
			return true
		}
	}
	if err := m.db.Ping(ctx); err != nil {
		log.Printf("WARN: readiness probe failed: %v", err)
		return false
	}
	if m.cache != nil {
		if err := m.cache.Forever(ctx, readyCacheKey, "1"); err != nil {
			log.Printf("WARN: caching readiness: %v", err)
		}
	}
	return true
}

// FlushCaches clears the duplicate-fetch/readiness cache. The event-boot
// registry is left alone: clearing it without also dropping the handlers boot
// registered would duplicate observer registrations on the next boot. Use
// Bus.ResetHandlers together with Bus.ResetBooted for that.
func (m *Mapper) FlushCaches(ctx context.Context) error {
	if m.cache == nil {
		return nil
	}
	return m.cache.Flush(ctx)
}

const readyCacheKey = "rowan:ready"

// duplicateFetchKey hashes the query shape the way the query cache keys its
// entries: table plus predicate.
func duplicateFetchKey(table, pk string, id int64) string {
	hasher := sha256.New()
	fmt.Fprintf(hasher, "%s|%s=%d", table, pk, id)
	return fmt.Sprintf("rowan:fetch:%s:%s", table, hex.EncodeToString(hasher.Sum(nil)))
}

func (m *Mapper) invalidateFetchCache(ctx context.Context, s *Schema, id int64) {
	if !m.opts.DuplicateCache || m.cache == nil || id == 0 {
		return
	}
	key := duplicateFetchKey(s.Table, s.PrimaryKey, id)
	// Overwrite rather than delete: CacheStore has no single-key eviction.
	if err := m.cache.Forever(ctx, key, ""); err != nil {
		log.Printf("WARN: invalidating fetch cache for %s: %v", key, err)
	}
}
