package rowan

import (
	"context"
	"errors"
	"fmt"

	"github.com/rowan-db/rowan/common"
)

// RelationKind identifies the cardinality of a relation.
type RelationKind string

const (
	HasOne        RelationKind = "hasOne"
	HasMany       RelationKind = "hasMany"
	BelongsTo     RelationKind = "belongsTo"
	BelongsToMany RelationKind = "belongsToMany"
)

// RelationDef is the declarative configuration for one relation: target type,
// cardinality, key columns, cascade flags, and pivot configuration for
// many-to-many associations.
type RelationDef struct {
	Name   string
	Kind   RelationKind
	Target string // target schema name

	// ForeignKey lives on the target table for hasOne/hasMany and on the
	// owning table for belongsTo.
	ForeignKey string
	// LocalKey defaults to the owner's primary key column.
	LocalKey string

	// Pivot configuration, belongsToMany only.
	Pivot           string
	PivotLocalKey   string
	PivotRelatedKey string
	PivotSchema     string // optional pivot-record type

	// CascadeDelete force-deletes related records when the owner is deleted.
	CascadeDelete bool
	// DetachOnDelete controls pivot detaching on owner delete for
	// belongsToMany. nil means the default, which is to detach.
	DetachOnDelete *bool
	// Pushes controls whether Push recurses into this relation. nil means yes.
	Pushes *bool
}

func (d *RelationDef) validate() error {
	if d.Name == "" {
		return errors.New("relation name must not be empty")
	}
	switch d.Kind {
	case HasOne, HasMany, BelongsTo:
		if d.ForeignKey == "" {
			return fmt.Errorf("relation %s: missing foreign key", d.Name)
		}
	case BelongsToMany:
		if d.Pivot == "" || d.PivotLocalKey == "" || d.PivotRelatedKey == "" {
			return fmt.Errorf("relation %s: belongsToMany requires pivot, pivotLocalKey and pivotRelatedKey", d.Name)
		}
	default:
		return fmt.Errorf("relation %s: unsupported kind %q", d.Name, d.Kind)
	}
	if d.Target == "" {
		return fmt.Errorf("relation %s: missing target schema", d.Name)
	}
	return nil
}

// Pushable reports whether Push recurses into this relation.
func (d *RelationDef) Pushable() bool {
	return d.Pushes == nil || *d.Pushes
}

// ShouldDetach reports whether delete cascade detaches this relation's pivot
// rows. Only meaningful for belongsToMany.
func (d *RelationDef) ShouldDetach() bool {
	return d.DetachOnDelete == nil || *d.DetachOnDelete
}

// ResolveRelation loads the named relation for a record, caching the result
// on the record. Already-loaded relations are returned from the cache without
// touching storage. When the mapper forbids lazy loading, a cache miss fails
// fast with ErrLazyLoadForbidden instead of resolving.
func (m *Mapper) ResolveRelation(ctx context.Context, rec *Record, name string) (interface{}, error) {
	if v, loaded := rec.Relation(name); loaded {
		return v, nil
	}
	if m.opts.ForbidLazyLoading {
		return nil, fmt.Errorf("%w: relation %q on %s", common.ErrLazyLoadForbidden, name, rec.schema.Name)
	}
	return m.forceResolveRelation(ctx, rec, name)
}

// forceResolveRelation resolves regardless of the lazy-loading mode. The
// delete cascade uses this path since cascade must reach relations that were
// never loaded.
func (m *Mapper) forceResolveRelation(ctx context.Context, rec *Record, name string) (interface{}, error) {
	def, ok := rec.relationDef(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q on %s", common.ErrRelationNotDefined, name, rec.schema.Name)
	}
	val, err := m.resolveDef(ctx, rec, def)
	if err != nil {
		return nil, err
	}
	rec.SetRelation(name, val)
	return val, nil
}

func (m *Mapper) resolveDef(ctx context.Context, rec *Record, def *RelationDef) (interface{}, error) {
	target, err := SchemaByName(def.Target)
	if err != nil {
		return nil, err
	}

	switch def.Kind {
	case HasOne:
		rows, err := m.db.FetchWhere(ctx, target.Table, def.ForeignKey, rec.Key())
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", def.Name, err)
		}
		if len(rows) == 0 {
			return (*Record)(nil), nil
		}
		return m.hydrate(target, rows[0]), nil

	case HasMany:
		rows, err := m.db.FetchWhere(ctx, target.Table, def.ForeignKey, rec.Key())
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", def.Name, err)
		}
		return m.hydrateAll(target, rows), nil

	case BelongsTo:
		fk, ok := rec.RawAttribute(def.ForeignKey)
		if !ok {
			return (*Record)(nil), nil
		}
		key, ok := toInt64(fk)
		if !ok || key == 0 {
			return (*Record)(nil), nil
		}
		row, err := m.db.FetchOne(ctx, target.Table, target.PrimaryKey, key)
		if errors.Is(err, common.ErrNotFound) {
			return (*Record)(nil), nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", def.Name, err)
		}
		return m.hydrate(target, row), nil

	case BelongsToMany:
		pivotRows, err := m.db.FetchWhere(ctx, def.Pivot, def.PivotLocalKey, rec.Key())
		if err != nil {
			return nil, fmt.Errorf("resolve %s pivot: %w", def.Name, err)
		}
		related := make([]*Record, 0, len(pivotRows))
		for _, pr := range pivotRows {
			rid, ok := toInt64(pr[def.PivotRelatedKey])
			if !ok {
				continue
			}
			row, err := m.db.FetchOne(ctx, target.Table, target.PrimaryKey, rid)
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", def.Name, err)
			}
			related = append(related, m.hydrate(target, row))
		}
		return related, nil
	}
	return nil, fmt.Errorf("%w: %q", common.ErrRelationNotDefined, def.Name)
}

// --- Relation mutation: attach / detach / create related ---
// While the owning record carries an active session token these append to the
// deferred binding ledger instead of executing; without a token they execute
// immediately.

// Attach binds a related record to rec's relation.
func (m *Mapper) Attach(ctx context.Context, rec *Record, relation string, targetKey int64) error {
	def, ok := rec.relationDef(relation)
	if !ok {
		return fmt.Errorf("%w: %q on %s", common.ErrRelationNotDefined, relation, rec.schema.Name)
	}
	if tok := rec.SessionToken(); tok != "" {
		m.ledger.Append(tok, relation, OpBind, targetKey, nil, def.Kind == BelongsTo)
		return nil
	}
	return m.bindNow(ctx, rec, def, targetKey)
}

// Detach unbinds a related record from rec's relation.
func (m *Mapper) Detach(ctx context.Context, rec *Record, relation string, targetKey int64) error {
	def, ok := rec.relationDef(relation)
	if !ok {
		return fmt.Errorf("%w: %q on %s", common.ErrRelationNotDefined, relation, rec.schema.Name)
	}
	if tok := rec.SessionToken(); tok != "" {
		m.ledger.Append(tok, relation, OpUnbind, targetKey, nil, def.Kind == BelongsTo)
		return nil
	}
	return m.unbindNow(ctx, rec, def, targetKey)
}

// CreateRelated inserts a new related row bound to rec's relation.
func (m *Mapper) CreateRelated(ctx context.Context, rec *Record, relation string, attrs map[string]interface{}) error {
	def, ok := rec.relationDef(relation)
	if !ok {
		return fmt.Errorf("%w: %q on %s", common.ErrRelationNotDefined, relation, rec.schema.Name)
	}
	if tok := rec.SessionToken(); tok != "" {
		m.ledger.Append(tok, relation, OpInsert, 0, attrs, def.Kind == BelongsTo)
		return nil
	}
	return m.insertRelatedNow(ctx, rec, def, attrs)
}

func (m *Mapper) bindNow(ctx context.Context, rec *Record, def *RelationDef, targetKey int64) error {
	target, err := SchemaByName(def.Target)
	if err != nil {
		return err
	}
	switch def.Kind {
	case BelongsToMany:
		_, err := m.db.Insert(ctx, def.Pivot, map[string]interface{}{
			def.PivotLocalKey:   rec.Key(),
			def.PivotRelatedKey: targetKey,
		})
		return err
	case HasOne, HasMany:
		_, err := m.db.Update(ctx, target.Table, target.PrimaryKey, targetKey,
			map[string]interface{}{def.ForeignKey: rec.Key()})
		return err
	case BelongsTo:
		return rec.Set(def.ForeignKey, targetKey)
	}
	return fmt.Errorf("%w: %q", common.ErrRelationNotDefined, def.Name)
}

func (m *Mapper) unbindNow(ctx context.Context, rec *Record, def *RelationDef, targetKey int64) error {
	target, err := SchemaByName(def.Target)
	if err != nil {
		return err
	}
	switch def.Kind {
	case BelongsToMany:
		return m.db.DeletePivot(ctx, def.Pivot, def.PivotLocalKey, rec.Key(), def.PivotRelatedKey, targetKey)
	case HasOne, HasMany:
		_, err := m.db.Update(ctx, target.Table, target.PrimaryKey, targetKey,
			map[string]interface{}{def.ForeignKey: nil})
		return err
	case BelongsTo:
		return rec.Set(def.ForeignKey, nil)
	}
	return fmt.Errorf("%w: %q", common.ErrRelationNotDefined, def.Name)
}

func (m *Mapper) insertRelatedNow(ctx context.Context, rec *Record, def *RelationDef, attrs map[string]interface{}) error {
	target, err := SchemaByName(def.Target)
	if err != nil {
		return err
	}
	switch def.Kind {
	case HasOne, HasMany:
		payload := make(map[string]interface{}, len(attrs)+1)
		for k, v := range attrs {
			payload[k] = v
		}
		payload[def.ForeignKey] = rec.Key()
		_, err := m.db.Insert(ctx, target.Table, payload)
		return err
	case BelongsToMany:
		id, err := m.db.Insert(ctx, target.Table, attrs)
		if err != nil {
			return err
		}
		_, err = m.db.Insert(ctx, def.Pivot, map[string]interface{}{
			def.PivotLocalKey:   rec.Key(),
			def.PivotRelatedKey: id,
		})
		return err
	case BelongsTo:
		id, err := m.db.Insert(ctx, target.Table, attrs)
		if err != nil {
			return err
		}
		return rec.Set(def.ForeignKey, id)
	}
	return fmt.Errorf("%w: %q", common.ErrRelationNotDefined, def.Name)
}
