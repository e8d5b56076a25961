package rowan

import "time"

// Timestamps stamps creation and update times through the save hooks. Assign
// it as a schema Observer; the columns should be declared in the schema's
// Dates list so reads coerce them back to time.Time.
type Timestamps struct {
	CreatedColumn string // defaults to "created_at"
	UpdatedColumn string // defaults to "updated_at"
	Clock         func() time.Time
}

func (t *Timestamps) now() time.Time {
	if t.Clock != nil {
		return t.Clock()
	}
	return time.Now()
}

func (t *Timestamps) createdColumn() string {
	if t.CreatedColumn != "" {
		return t.CreatedColumn
	}
	return "created_at"
}

func (t *Timestamps) updatedColumn() string {
	if t.UpdatedColumn != "" {
		return t.UpdatedColumn
	}
	return "updated_at"
}

// BeforeCreate stamps the creation column.
func (t *Timestamps) BeforeCreate(r *Record) HookOutcome {
	_ = r.Set(t.createdColumn(), t.now())
	return Continue()
}

// BeforeSave stamps the update column on every persist.
func (t *Timestamps) BeforeSave(r *Record) HookOutcome {
	_ = r.Set(t.updatedColumn(), t.now())
	return Continue()
}

// ComputedAttributes is a capability contributing read-only attributes derived
// from the record. Computed names resolve in the get pipeline after stored
// attributes and before relations.
type ComputedAttributes struct {
	Label   string
	Compute map[string]func(r *Record) interface{}
}

func (c *ComputedAttributes) Name() string {
	if c.Label != "" {
		return c.Label
	}
	return "computed-attributes"
}

func (c *ComputedAttributes) Attribute(r *Record, name string) (interface{}, bool) {
	fn, ok := c.Compute[name]
	if !ok {
		return nil, false
	}
	return fn(r), true
}

// ExtraRelations is a capability contributing relation definitions beyond the
// schema's own, scoped to a type via Schema.Attach or to one instance via
// Record.Attach.
type ExtraRelations struct {
	Label string
	Defs  []*RelationDef
}

func (e *ExtraRelations) Name() string {
	if e.Label != "" {
		return e.Label
	}
	return "extra-relations"
}

func (e *ExtraRelations) Relations() []*RelationDef { return e.Defs }
