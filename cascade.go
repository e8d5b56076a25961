package rowan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"

	"github.com/rowan-db/rowan/common"
)

// PushOptions tunes cascading save behavior.
type PushOptions struct {
	// Always keeps descending into relations even when the owning record's own
	// save was cancelled or failed.
	Always bool
}

// Push saves the record and recurses into its loaded, pushable relations in
// declaration order. Without Always the recursion is fail-fast: a cancelled or
// failed save stops the walk and earlier successful saves stay persisted. The
// result is true only when every visited record saved.
func (m *Mapper) Push(ctx context.Context, rec *Record, opts ...PushOptions) (bool, error) {
	var o PushOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return m.push(ctx, rec, o)
}

// AlwaysPush is Push with Always semantics: the whole loaded relation tree is
// visited regardless of individual outcomes, and the result reports whether
// all of it saved.
func (m *Mapper) AlwaysPush(ctx context.Context, rec *Record) (bool, error) {
	return m.push(ctx, rec, PushOptions{Always: true})
}

func (m *Mapper) push(ctx context.Context, rec *Record, o PushOptions) (bool, error) {
	selfOK, selfErr := m.Save(ctx, rec)
	if !o.Always {
		if selfErr != nil {
			return false, selfErr
		}
		if !selfOK {
			return false, nil
		}
	}

	allOK := selfOK && selfErr == nil
	var firstErr = selfErr
	for _, def := range rec.allRelationDefs() {
		if !def.Pushable() {
			continue
		}
		val, loaded := rec.Relation(def.Name)
		if !loaded {
			continue
		}
		for _, member := range asRecords(val) {
			ok, err := m.push(ctx, member, o)
			if err != nil {
				if !o.Always {
					return false, err
				}
				allOK = false
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if !ok {
				if !o.Always {
					return false, nil
				}
				allOK = false
			}
		}
	}
	return allOK, firstErr
}

// Delete removes the record's row after the deleting hook, cascading into
// relations flagged for delete and detaching many-to-many pivot rows. A
// cancelling hook yields (false, nil) with storage untouched.
func (m *Mapper) Delete(ctx context.Context, rec *Record) (bool, error) {
	return m.deleteRecord(ctx, rec, false)
}

// ForceDelete removes the record's row without consulting the deleting hook.
// Cascaded deletes are always forced so a hook on a related type cannot leave
// the cascade half-done.
func (m *Mapper) ForceDelete(ctx context.Context, rec *Record) (bool, error) {
	return m.deleteRecord(ctx, rec, true)
}

func (m *Mapper) deleteRecord(ctx context.Context, rec *Record, force bool) (bool, error) {
	s := rec.schema
	m.events.bootOnce(s)

	if !force {
		if out := m.events.fire(ctx, &Event{Phase: PhaseDeleting, Record: rec}); out.IsCancel() {
			return false, nil
		}
	}

	// Cascade pass: relations flagged for delete are force-deleted even when
	// never loaded, so the cascade reaches rows the caller has not touched.
	for _, def := range rec.allRelationDefs() {
		if !def.CascadeDelete {
			continue
		}
		val, loaded := rec.Relation(def.Name)
		if !loaded {
			resolved, err := m.forceResolveRelation(ctx, rec, def.Name)
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			if err != nil {
				return false, fmt.Errorf("cascade %s: %w", def.Name, err)
			}
			val = resolved
		}
		for _, member := range asRecords(val) {
			if _, err := m.deleteRecord(ctx, member, true); err != nil {
				return false, fmt.Errorf("cascade %s: %w", def.Name, err)
			}
		}
	}

	// Detach pass: many-to-many pivot rows referencing this record go away
	// unless the relation opts out.
	for _, def := range rec.allRelationDefs() {
		if def.Kind != BelongsToMany || !def.ShouldDetach() {
			continue
		}
		if err := m.db.DeleteWhere(ctx, def.Pivot, def.PivotLocalKey, rec.key); err != nil {
			return false, fmt.Errorf("detach %s: %w", def.Name, err)
		}
	}

	if rec.key != 0 {
		if err := m.db.DeleteRow(ctx, s.Table, s.PrimaryKey, rec.key); err != nil {
			return false, fmt.Errorf("delete %s %d: %w", s.Table, rec.key, err)
		}
	}
	m.invalidateFetchCache(ctx, s, rec.key)
	rec.exists = false
	rec.ClearRelations()

	m.events.fire(ctx, &Event{Phase: PhaseDeleted, Record: rec})
	return true, nil
}

// asRecords normalizes a cached relation value to a flat record sequence:
// nil and empty values yield nothing, a single record yields itself, slices
// are walked member by member.
func asRecords(v interface{}) []*Record {
	switch t := v.(type) {
	case nil:
		return nil
	case *Record:
		if t == nil {
			return nil
		}
		return []*Record{t}
	case []*Record:
		return t
	case []interface{}:
		out := make([]*Record, 0, len(t))
		for _, member := range t {
			out = append(out, asRecords(member)...)
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]*Record, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out = append(out, asRecords(rv.Index(i).Interface())...)
		}
		return out
	}
	log.Printf("WARN: ignoring non-record relation value of type %T", v)
	return nil
}
