package rowan

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributes_JSONableRoundTrip(t *testing.T) {
	m, db := newTestMapper(t)
	rec, err := m.NewRecord("post")
	require.NoError(t, err)

	meta := map[string]interface{}{"k": "v", "n": float64(2)}
	require.NoError(t, rec.Set("meta", meta))

	// Stored raw form is JSON text, not a map.
	raw, ok := rec.RawAttribute("meta")
	require.True(t, ok)
	text, isText := raw.(string)
	require.True(t, isText, "jsonable attribute must be encoded on set")
	assert.Contains(t, text, `"k":"v"`)

	// Read pipeline decodes back to structured form.
	v, err := rec.Get("meta")
	require.NoError(t, err)
	assert.Equal(t, meta, v)

	okSave, err := m.Save(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, okSave)
	stored := db.tables["posts"][rec.Key()]
	_, storedIsText := stored["meta"].(string)
	assert.True(t, storedIsText, "persisted jsonable value must be text")
}

func TestAttributes_JSONableListForm(t *testing.T) {
	m, _ := newTestMapper(t)
	rec, err := m.NewRecord("post")
	require.NoError(t, err)

	require.NoError(t, rec.Set("meta", []string{"a", "b"}))
	raw, _ := rec.RawAttribute("meta")
	assert.Equal(t, `["a","b"]`, raw)

	v, err := rec.Get("meta")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, v)
}

func TestAttributes_MalformedJSONStaysRaw(t *testing.T) {
	m, db := newTestMapper(t)
	db.seed("posts", 1, map[string]interface{}{"meta": "{not json"})

	rec, err := m.Fetch(context.Background(), "post", 1)
	require.NoError(t, err)

	v, err := rec.Get("meta")
	require.NoError(t, err)
	assert.Equal(t, "{not json", v, "malformed jsonable text must pass through untouched")
}

func TestAttributes_StructuredValueWithoutJSONableDeclaration(t *testing.T) {
	m, _ := newTestMapper(t)
	rec, err := m.NewRecord("post")
	require.NoError(t, err)

	// Bypass the set pipeline so the structured value lands on a non-jsonable
	// attribute.
	rec.setRawAttribute("title", map[string]interface{}{"oops": true})

	_, err = m.Save(context.Background(), rec)
	require.ErrorIs(t, err, ErrNotJSONable)
	assert.Contains(t, err.Error(), "title", "error must name the offending attribute")
}

func TestAttributes_EmptyNameRejected(t *testing.T) {
	m, _ := newTestMapper(t)
	rec, err := m.NewRecord("post")
	require.NoError(t, err)

	_, err = rec.Get("")
	assert.ErrorIs(t, err, ErrEmptyAttributeName)
	assert.ErrorIs(t, rec.Set("", 1), ErrEmptyAttributeName)
}

func TestAttributes_Casts(t *testing.T) {
	m, db := newTestMapper(t)
	db.seed("posts", 1, map[string]interface{}{
		"views":     "42",
		"rating":    "4.5",
		"published": int64(1),
	})

	rec, err := m.Fetch(context.Background(), "post", 1)
	require.NoError(t, err)

	views, err := rec.Get("views")
	require.NoError(t, err)
	assert.Equal(t, int64(42), views)

	rating, err := rec.Get("rating")
	require.NoError(t, err)
	assert.Equal(t, 4.5, rating)

	published, err := rec.Get("published")
	require.NoError(t, err)
	assert.Equal(t, true, published)
}

func TestAttributes_TrimStrings(t *testing.T) {
	m, _ := newTestMapper(t, Options{TrimStrings: true})
	rec, err := m.NewRecord("post")
	require.NoError(t, err)

	require.NoError(t, rec.Set("title", "  padded  "))
	v, err := rec.Get("title")
	require.NoError(t, err)
	assert.Equal(t, "padded", v)
}

func TestAttributes_MutatorAndAccessor(t *testing.T) {
	registerTestSchemas(t)
	require.NoError(t, RegisterSchema(&Schema{
		Name: "page",
		Mutators: map[string]Mutator{
			"slug": func(_ *Record, v interface{}) interface{} {
				return strings.ToLower(v.(string))
			},
		},
		Accessors: map[string]Accessor{
			"headline": func(r *Record) interface{} {
				raw, _ := r.RawAttribute("title")
				s, _ := raw.(string)
				return strings.ToUpper(s)
			},
		},
		Appends: []string{"headline"},
	}))
	db := newMemDB()
	m, err := New(db, nil)
	require.NoError(t, err)

	rec, err := m.NewRecord("page")
	require.NoError(t, err)
	require.NoError(t, rec.Set("title", "big news"))
	require.NoError(t, rec.Set("slug", "Big-News"))

	slug, err := rec.Get("slug")
	require.NoError(t, err)
	assert.Equal(t, "big-news", slug)

	out := rec.ToOutputMap()
	assert.Equal(t, "BIG NEWS", out["headline"], "appended accessor must reach the output map")
	assert.Equal(t, "big news", out["title"])
}

func TestAttributes_ArrayableRestrictsOutput(t *testing.T) {
	registerTestSchemas(t)
	require.NoError(t, RegisterSchema(&Schema{
		Name:      "note",
		Arrayable: []string{"title"},
	}))
	db := newMemDB()
	m, err := New(db, nil)
	require.NoError(t, err)

	rec, err := m.NewRecord("note")
	require.NoError(t, err)
	require.NoError(t, rec.Set("title", "visible"))
	require.NoError(t, rec.Set("internal", "hidden"))

	out := rec.ToOutputMap()
	assert.Equal(t, map[string]interface{}{"title": "visible"}, out)
}

func TestAttributes_FillSetsThroughPipeline(t *testing.T) {
	m, _ := newTestMapper(t, Options{TrimStrings: true})
	rec, err := m.NewRecord("post")
	require.NoError(t, err)

	require.NoError(t, rec.Fill(map[string]interface{}{
		"title": " spaced ",
		"meta":  map[string]interface{}{"a": float64(1)},
	}))

	title, err := rec.Get("title")
	require.NoError(t, err)
	assert.Equal(t, "spaced", title)

	raw, _ := rec.RawAttribute("meta")
	_, isText := raw.(string)
	assert.True(t, isText)
}

func TestAttributes_GetSetInterception(t *testing.T) {
	m, _ := newTestMapper(t)
	rec, err := m.NewRecord("post")
	require.NoError(t, err)

	m.Events().On("post", PhaseBeforeSet, func(_ context.Context, e *Event) HookOutcome {
		if e.Attribute == "title" {
			return Override(e.Value.(string) + "!")
		}
		return Continue()
	})
	m.Events().On("post", PhaseBeforeGet, func(_ context.Context, e *Event) HookOutcome {
		if e.Attribute == "views" {
			return Override(int64(999))
		}
		return Continue()
	})

	require.NoError(t, rec.Set("title", "hi"))
	raw, _ := rec.RawAttribute("title")
	assert.Equal(t, "hi!", raw)

	v, err := rec.Get("views")
	require.NoError(t, err)
	assert.Equal(t, int64(999), v, "beforeGet override must short-circuit the pipeline")
}

func TestAttributes_BeforeSetCancelDropsWrite(t *testing.T) {
	m, _ := newTestMapper(t)
	rec, err := m.NewRecord("post")
	require.NoError(t, err)

	m.Events().On("post", PhaseBeforeSet, func(_ context.Context, e *Event) HookOutcome {
		if e.Attribute == "locked" {
			return Cancel()
		}
		return Continue()
	})

	require.NoError(t, rec.Set("locked", "nope"))
	_, ok := rec.RawAttribute("locked")
	assert.False(t, ok, "cancelled set must leave the attribute absent")
}
