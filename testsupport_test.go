package rowan

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rowan-db/rowan/internal/cache"
)

// --- In-memory Persistence double ---

// memDB is a map-backed Persistence implementation recording every operation
// and supporting per-operation failure injection, so tests can assert ordering
// and fail-fast behavior without a real database.
type memDB struct {
	mu     sync.Mutex
	tables map[string]map[int64]map[string]interface{}
	nextID map[string]int64
	ops    []string
	failOn map[string]error // "op:table" -> injected error
}

func newMemDB() *memDB {
	return &memDB{
		tables: make(map[string]map[int64]map[string]interface{}),
		nextID: make(map[string]int64),
		failOn: make(map[string]error),
	}
}

func (d *memDB) step(op, table string) error {
	d.ops = append(d.ops, op+":"+table)
	return d.failOn[op+":"+table]
}

func (d *memDB) opLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ops...)
}

func (d *memDB) seed(table string, id int64, row map[string]interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tables[table] == nil {
		d.tables[table] = make(map[int64]map[string]interface{})
	}
	stored := make(map[string]interface{}, len(row))
	for k, v := range row {
		stored[k] = v
	}
	d.tables[table][id] = stored
	if id > d.nextID[table] {
		d.nextID[table] = id
	}
}

func (d *memDB) rowCount(table string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tables[table])
}

func (d *memDB) FetchOne(_ context.Context, table, pk string, key int64) (map[string]interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step("fetchOne", table); err != nil {
		return nil, err
	}
	row, ok := d.tables[table][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := map[string]interface{}{pk: key}
	for k, v := range row {
		out[k] = v
	}
	return out, nil
}

func (d *memDB) FetchWhere(_ context.Context, table, column string, value interface{}) ([]map[string]interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step("fetchWhere", table); err != nil {
		return nil, err
	}
	var out []map[string]interface{}
	for id, row := range d.tables[table] {
		if fmt.Sprint(row[column]) != fmt.Sprint(value) {
			continue
		}
		copied := map[string]interface{}{"id": id}
		for k, v := range row {
			copied[k] = v
		}
		out = append(out, copied)
	}
	return out, nil
}

func (d *memDB) Insert(_ context.Context, table string, attrs map[string]interface{}) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step("insert", table); err != nil {
		return 0, err
	}
	d.nextID[table]++
	id := d.nextID[table]
	if d.tables[table] == nil {
		d.tables[table] = make(map[int64]map[string]interface{})
	}
	stored := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		stored[k] = v
	}
	d.tables[table][id] = stored
	return id, nil
}

func (d *memDB) Update(_ context.Context, table, pk string, key int64, attrs map[string]interface{}) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step("update", table); err != nil {
		return false, err
	}
	row, ok := d.tables[table][key]
	if !ok {
		return false, nil
	}
	for k, v := range attrs {
		row[k] = v
	}
	return true, nil
}

func (d *memDB) DeleteRow(_ context.Context, table, pk string, key int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step("deleteRow", table); err != nil {
		return err
	}
	delete(d.tables[table], key)
	return nil
}

func (d *memDB) DeleteWhere(_ context.Context, table, column string, value interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step("deleteWhere", table); err != nil {
		return err
	}
	for id, row := range d.tables[table] {
		if fmt.Sprint(row[column]) == fmt.Sprint(value) {
			delete(d.tables[table], id)
		}
	}
	return nil
}

func (d *memDB) DeletePivot(_ context.Context, table, ownerColumn string, ownerKey int64, relatedColumn string, relatedKey int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step("deletePivot", table); err != nil {
		return err
	}
	for id, row := range d.tables[table] {
		if fmt.Sprint(row[ownerColumn]) == fmt.Sprint(ownerKey) &&
			fmt.Sprint(row[relatedColumn]) == fmt.Sprint(relatedKey) {
			delete(d.tables[table], id)
		}
	}
	return nil
}

func (d *memDB) Ping(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failOn["ping:"]
}

// --- Schema fixtures ---

func registerTestSchemas(t testing.TB) {
	t.Helper()
	ResetSchemas()

	require.NoError(t, RegisterSchema(&Schema{
		Name: "author",
		Relations: []*RelationDef{
			{Name: "posts", Kind: HasMany, Target: "post", ForeignKey: "author_id", CascadeDelete: true},
		},
	}))

	require.NoError(t, RegisterSchema(&Schema{
		Name: "post",
		Casts: map[string]CastType{
			"views":     CastInt,
			"rating":    CastFloat,
			"published": CastBool,
		},
		JSONable:  []string{"meta"},
		Dates:     []string{"published_at"},
		Purgeable: []string{"secret"},
		Relations: []*RelationDef{
			{Name: "comments", Kind: HasMany, Target: "comment", ForeignKey: "post_id", CascadeDelete: true},
			{Name: "tags", Kind: BelongsToMany, Target: "tag", Pivot: "post_tags", PivotLocalKey: "post_id", PivotRelatedKey: "tag_id"},
			{Name: "author", Kind: BelongsTo, Target: "author", ForeignKey: "author_id"},
		},
	}))

	require.NoError(t, RegisterSchema(&Schema{Name: "comment"}))
	require.NoError(t, RegisterSchema(&Schema{Name: "tag"}))
}

// newTestMapper builds a mapper over a fresh memDB and in-memory cache, with
// the test schemas registered.
func newTestMapper(t testing.TB, opts ...Options) (*Mapper, *memDB) {
	t.Helper()
	registerTestSchemas(t)
	db := newMemDB()
	m, err := New(db, cache.NewMemoryStore(), opts...)
	require.NoError(t, err)
	return m, db
}
