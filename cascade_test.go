package rowan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPush_SavesLoadedRelationsDepthFirst(t *testing.T) {
	m, db := newTestMapper(t)
	ctx := context.Background()
	db.seed("posts", 1, map[string]interface{}{"title": "p"})
	db.seed("comments", 1, map[string]interface{}{"post_id": int64(1), "body": "old"})

	rec, err := m.Fetch(ctx, "post", 1)
	require.NoError(t, err)
	v, err := rec.Get("comments")
	require.NoError(t, err)
	comments := v.([]*Record)
	require.Len(t, comments, 1)

	require.NoError(t, rec.Set("title", "p2"))
	require.NoError(t, comments[0].Set("body", "new"))

	ok, err := m.Push(ctx, rec)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "p2", db.tables["posts"][1]["title"])
	assert.Equal(t, "new", db.tables["comments"][1]["body"])
}

func TestPush_SkipsUnloadedRelations(t *testing.T) {
	m, db := newTestMapper(t)
	ctx := context.Background()
	db.seed("posts", 1, map[string]interface{}{"title": "p"})
	db.seed("comments", 1, map[string]interface{}{"post_id": int64(1), "body": "old"})

	rec, err := m.Fetch(ctx, "post", 1)
	require.NoError(t, err)

	ok, err := m.Push(ctx, rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", db.tables["comments"][1]["body"], "unloaded relations must not be visited")
}

func TestPush_FailFastStopsAtFirstFailure(t *testing.T) {
	m, db := newTestMapper(t)
	ctx := context.Background()
	db.seed("posts", 1, map[string]interface{}{"title": "p"})
	db.seed("comments", 1, map[string]interface{}{"post_id": int64(1), "body": "a"})
	db.seed("comments", 2, map[string]interface{}{"post_id": int64(1), "body": "b"})

	rec, err := m.Fetch(ctx, "post", 1)
	require.NoError(t, err)
	v, err := rec.Get("comments")
	require.NoError(t, err)
	comments := v.([]*Record)
	require.Len(t, comments, 2)
	for _, c := range comments {
		require.NoError(t, c.Set("body", "touched"))
	}
	require.NoError(t, rec.Set("title", "p2"))

	db.failOn["update:comments"] = errors.New("comment storage down")

	ok, err := m.Push(ctx, rec)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, "p2", db.tables["posts"][1]["title"],
		"the owner's own save stays persisted; fail-fast does not roll back")
}

func TestPush_CancelledChildStopsWithoutError(t *testing.T) {
	m, db := newTestMapper(t)
	ctx := context.Background()
	db.seed("posts", 1, map[string]interface{}{"title": "p"})
	db.seed("comments", 1, map[string]interface{}{"post_id": int64(1), "body": "a"})

	rec, err := m.Fetch(ctx, "post", 1)
	require.NoError(t, err)
	_, err = rec.Get("comments")
	require.NoError(t, err)

	m.Events().On("comment", PhaseSaving, func(_ context.Context, _ *Event) HookOutcome {
		return Cancel()
	})

	ok, err := m.Push(ctx, rec)
	require.NoError(t, err)
	assert.False(t, ok, "a cancelled child save reports overall failure")
	assert.Equal(t, "a", db.tables["comments"][1]["body"])
}

func TestAlwaysPush_VisitsWholeTreeDespiteFailures(t *testing.T) {
	m, db := newTestMapper(t)
	ctx := context.Background()
	db.seed("posts", 1, map[string]interface{}{"title": "p"})
	db.seed("comments", 1, map[string]interface{}{"post_id": int64(1), "body": "a"})
	db.seed("comments", 2, map[string]interface{}{"post_id": int64(1), "body": "b"})

	rec, err := m.Fetch(ctx, "post", 1)
	require.NoError(t, err)
	v, err := rec.Get("comments")
	require.NoError(t, err)
	comments := v.([]*Record)
	require.Len(t, comments, 2)
	for _, c := range comments {
		require.NoError(t, c.Set("body", "touched"))
	}

	var saveAttempts int
	m.Events().On("comment", PhaseSaving, func(_ context.Context, _ *Event) HookOutcome {
		saveAttempts++
		if saveAttempts == 1 {
			return Cancel()
		}
		return Continue()
	})

	ok, err := m.AlwaysPush(ctx, rec)
	require.NoError(t, err)
	assert.False(t, ok, "a cancelled member still fails the overall result")
	assert.Equal(t, 2, saveAttempts, "Always semantics visit every member")
}

func TestPush_HonorsPushesFlag(t *testing.T) {
	registerTestSchemas(t)
	no := false
	require.NoError(t, RegisterSchema(&Schema{
		Name: "album",
		Relations: []*RelationDef{
			{Name: "photos", Kind: HasMany, Target: "photo", ForeignKey: "album_id", Pushes: &no},
		},
	}))
	require.NoError(t, RegisterSchema(&Schema{Name: "photo"}))
	db := newMemDB()
	m, err := New(db, nil)
	require.NoError(t, err)
	ctx := context.Background()

	db.seed("albums", 1, map[string]interface{}{"name": "a"})
	db.seed("photos", 1, map[string]interface{}{"album_id": int64(1), "path": "old"})

	rec, err := m.Fetch(ctx, "album", 1)
	require.NoError(t, err)
	v, err := rec.Get("photos")
	require.NoError(t, err)
	photos := v.([]*Record)
	require.Len(t, photos, 1)
	require.NoError(t, photos[0].Set("path", "new"))

	ok, err := m.Push(ctx, rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", db.tables["photos"][1]["path"], "non-pushable relations are skipped")
}

func TestPush_SkipsNonRecordRelationValue(t *testing.T) {
	m, db := newTestMapper(t)
	ctx := context.Background()
	db.seed("posts", 1, map[string]interface{}{"title": "p"})

	rec, err := m.Fetch(ctx, "post", 1)
	require.NoError(t, err)
	rec.SetRelation("comments", "not a record")

	ok, err := m.Push(ctx, rec)
	require.NoError(t, err, "an unrecognized relation value is skipped, not fatal")
	assert.True(t, ok)
	assert.Zero(t, db.rowCount("comments"))
}

func TestDelete_CascadesIntoUnloadedRelations(t *testing.T) {
	m, db := newTestMapper(t)
	ctx := context.Background()
	db.seed("posts", 1, map[string]interface{}{"title": "p"})
	db.seed("comments", 1, map[string]interface{}{"post_id": int64(1), "body": "a"})
	db.seed("comments", 2, map[string]interface{}{"post_id": int64(1), "body": "b"})
	db.seed("comments", 3, map[string]interface{}{"post_id": int64(99), "body": "other"})

	rec, err := m.Fetch(ctx, "post", 1)
	require.NoError(t, err)
	require.False(t, rec.RelationLoaded("comments"))

	ok, err := m.Delete(ctx, rec)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Zero(t, db.rowCount("posts"))
	assert.Equal(t, 1, db.rowCount("comments"), "cascade must reach unloaded flagged relations")
	assert.False(t, rec.Exists())
}

func TestDelete_CascadeIgnoresDeleteHooksOnRelated(t *testing.T) {
	m, db := newTestMapper(t)
	ctx := context.Background()
	db.seed("posts", 1, map[string]interface{}{"title": "p"})
	db.seed("comments", 1, map[string]interface{}{"post_id": int64(1), "body": "a"})

	m.Events().On("comment", PhaseDeleting, func(_ context.Context, _ *Event) HookOutcome {
		return Cancel()
	})

	rec, err := m.Fetch(ctx, "post", 1)
	require.NoError(t, err)
	ok, err := m.Delete(ctx, rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, db.rowCount("comments"), "cascaded deletes are forced past related-type hooks")
}

func TestDelete_DetachesPivotRows(t *testing.T) {
	m, db := newTestMapper(t)
	ctx := context.Background()
	db.seed("posts", 1, map[string]interface{}{"title": "p"})
	db.seed("tags", 5, map[string]interface{}{"name": "go"})
	db.seed("post_tags", 1, map[string]interface{}{"post_id": int64(1), "tag_id": int64(5)})
	db.seed("post_tags", 2, map[string]interface{}{"post_id": int64(2), "tag_id": int64(5)})

	rec, err := m.Fetch(ctx, "post", 1)
	require.NoError(t, err)
	ok, err := m.Delete(ctx, rec)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, db.rowCount("post_tags"), "only the owner's pivot rows detach")
	assert.Equal(t, 1, db.rowCount("tags"), "related rows themselves survive a detach")
}

func TestDelete_DetachOptOut(t *testing.T) {
	registerTestSchemas(t)
	keep := false
	require.NoError(t, RegisterSchema(&Schema{
		Name: "doc",
		Relations: []*RelationDef{
			{Name: "labels", Kind: BelongsToMany, Target: "tag", Pivot: "doc_labels",
				PivotLocalKey: "doc_id", PivotRelatedKey: "tag_id", DetachOnDelete: &keep},
		},
	}))
	db := newMemDB()
	m, err := New(db, nil)
	require.NoError(t, err)
	ctx := context.Background()

	db.seed("docs", 1, map[string]interface{}{"name": "d"})
	db.seed("doc_labels", 1, map[string]interface{}{"doc_id": int64(1), "tag_id": int64(5)})

	rec, err := m.Fetch(ctx, "doc", 1)
	require.NoError(t, err)
	ok, err := m.Delete(ctx, rec)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, db.rowCount("doc_labels"), "detach:false must leave pivot rows in place")
}

func TestDelete_CancelledByHookLeavesStorageUntouched(t *testing.T) {
	m, db := newTestMapper(t)
	ctx := context.Background()
	db.seed("posts", 1, map[string]interface{}{"title": "p"})

	m.Events().On("post", PhaseDeleting, func(_ context.Context, _ *Event) HookOutcome {
		return Cancel()
	})

	rec, err := m.Fetch(ctx, "post", 1)
	require.NoError(t, err)
	ok, err := m.Delete(ctx, rec)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, db.rowCount("posts"))
	assert.True(t, rec.Exists())
}

func TestForceDelete_SkipsDeletingHook(t *testing.T) {
	m, db := newTestMapper(t)
	ctx := context.Background()
	db.seed("posts", 1, map[string]interface{}{"title": "p"})

	m.Events().On("post", PhaseDeleting, func(_ context.Context, _ *Event) HookOutcome {
		return Cancel()
	})

	rec, err := m.Fetch(ctx, "post", 1)
	require.NoError(t, err)
	ok, err := m.ForceDelete(ctx, rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, db.rowCount("posts"))
}
