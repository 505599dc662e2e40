package build

import (
	"context"
	"log/slog"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/analyzer"
	"github.com/quarrydb/quarry/internal/bitmaps"
	"github.com/quarrydb/quarry/internal/postings"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/model"
)

func testSchema(t *testing.T) *model.Schema {
	t.Helper()
	schema, err := model.NewSchema([]model.FieldSpec{
		{Name: "title", Roles: model.RoleSearchable},
		{Name: "year", Roles: model.RoleFilterable | model.RoleSortable},
	})
	require.NoError(t, err)
	return schema
}

func newBuilder(t *testing.T) (*Builder, *storage.Store) {
	t.Helper()
	store, err := storage.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	b, err := New(store, testSchema(t), analyzer.NewStandard(), nil, slog.Default(), func(o *Options) {
		o.TempDir = t.TempDir()
	})
	require.NoError(t, err)
	return b, store
}

func doc(pk model.PrimaryKey, title string, year float64) model.Document {
	return model.Document{PK: pk, Fields: map[string]any{"title": title, "year": year}}
}

func lookup(t *testing.T, store *storage.Store, field model.FieldID, term string) *roaring.Bitmap {
	t.Helper()
	snap, err := store.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	docs, err := postings.NewReader(snap).Lookup(field, term)
	require.NoError(t, err)
	return docs
}

func TestApplyAdds(t *testing.T) {
	b, store := newBuilder(t)

	gen, report, err := b.Apply(context.Background(), Delta{Added: []model.Document{
		doc("1", "the quick brown fox", 1965),
		doc("2", "the lazy dog", 1979),
	}})
	require.NoError(t, err)
	assert.Equal(t, model.Generation(1), gen)
	assert.Equal(t, 2, report.Indexed)
	assert.Empty(t, report.Warnings)

	snap, err := store.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, uint64(2), snap.Manifest().LiveDocs)
	assert.Equal(t, model.DocID(2), snap.Manifest().NextDocID)

	assert.True(t, lookup(t, store, 0, "fox").Equals(roaring.BitmapOf(0)))
	assert.True(t, lookup(t, store, 0, "the").Equals(roaring.BitmapOf(0, 1)))
	assert.True(t, lookup(t, store, 0, "wolf").IsEmpty())
}

func TestApplyIdempotent(t *testing.T) {
	b, _ := newBuilder(t)
	ctx := context.Background()

	docs := []model.Document{doc("1", "the quick brown fox", 1965)}
	gen, _, err := b.Apply(ctx, Delta{Added: docs})
	require.NoError(t, err)
	require.Equal(t, model.Generation(1), gen)

	// Re-applying identical content publishes nothing.
	gen, report, err := b.Apply(ctx, Delta{Updated: docs})
	require.NoError(t, err)
	assert.Equal(t, model.Generation(1), gen)
	assert.Equal(t, 1, report.Unchanged)
	assert.Zero(t, report.Indexed)
}

func TestApplyUpdateRewritesChangedFields(t *testing.T) {
	b, store := newBuilder(t)
	ctx := context.Background()

	_, _, err := b.Apply(ctx, Delta{Added: []model.Document{doc("1", "brown fox", 1965)}})
	require.NoError(t, err)

	gen, report, err := b.Apply(ctx, Delta{Updated: []model.Document{doc("1", "brown wolf", 1965)}})
	require.NoError(t, err)
	assert.Equal(t, model.Generation(2), gen)
	assert.Equal(t, 1, report.Indexed)

	assert.True(t, lookup(t, store, 0, "fox").IsEmpty(), "old term is un-indexed")
	assert.True(t, lookup(t, store, 0, "wolf").Equals(roaring.BitmapOf(0)))
	assert.True(t, lookup(t, store, 0, "brown").Equals(roaring.BitmapOf(0)), "unchanged term survives")
}

func TestApplyAddOfKnownPKIsUpdate(t *testing.T) {
	b, store := newBuilder(t)
	ctx := context.Background()

	_, _, err := b.Apply(ctx, Delta{Added: []model.Document{doc("1", "fox", 1965)}})
	require.NoError(t, err)

	_, _, err = b.Apply(ctx, Delta{Added: []model.Document{doc("1", "wolf", 1965)}})
	require.NoError(t, err)

	snap, err := store.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, uint64(1), snap.Manifest().LiveDocs, "no second document appears")
	assert.True(t, lookup(t, store, 0, "wolf").Equals(roaring.BitmapOf(0)))
}

func TestApplyRemove(t *testing.T) {
	b, store := newBuilder(t)
	ctx := context.Background()

	_, _, err := b.Apply(ctx, Delta{Added: []model.Document{
		doc("1", "brown fox", 1965),
		doc("2", "brown dog", 1979),
	}})
	require.NoError(t, err)

	gen, report, err := b.Apply(ctx, Delta{Removed: []model.PrimaryKey{"1"}})
	require.NoError(t, err)
	assert.Equal(t, model.Generation(2), gen)
	assert.Equal(t, 1, report.Removed)

	snap, err := store.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, uint64(1), snap.Manifest().LiveDocs)

	assert.True(t, lookup(t, store, 0, "fox").IsEmpty())
	assert.True(t, lookup(t, store, 0, "brown").Equals(roaring.BitmapOf(1)))

	raw, err := snap.Get(storage.AliveKey())
	require.NoError(t, err)
	alive, err := bitmaps.Unmarshal(raw)
	require.NoError(t, err)
	assert.True(t, alive.Equals(roaring.BitmapOf(1)))
}

func TestApplyRemoveUnknownWarns(t *testing.T) {
	b, _ := newBuilder(t)

	gen, report, err := b.Apply(context.Background(), Delta{Removed: []model.PrimaryKey{"ghost"}})
	require.NoError(t, err)
	assert.Equal(t, model.Generation(0), gen, "nothing to publish")
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, model.PrimaryKey("ghost"), report.Warnings[0].PK)
}

func TestApplyDuplicatePK(t *testing.T) {
	b, _ := newBuilder(t)

	_, _, err := b.Apply(context.Background(), Delta{Added: []model.Document{
		doc("1", "fox", 1965),
		doc("1", "wolf", 1979),
	}})
	assert.Error(t, err)

	_, _, err = b.Apply(context.Background(), Delta{
		Added:   []model.Document{doc("1", "fox", 1965)},
		Removed: []model.PrimaryKey{"1"},
	})
	assert.Error(t, err)
}

func TestApplyEmptyDelta(t *testing.T) {
	b, _ := newBuilder(t)

	gen, report, err := b.Apply(context.Background(), Delta{})
	require.NoError(t, err)
	assert.Equal(t, model.Generation(0), gen)
	assert.Zero(t, report.Indexed)
}

func TestApplyFailedPassLeavesStoreIntact(t *testing.T) {
	b, store := newBuilder(t)
	ctx := context.Background()

	_, _, err := b.Apply(ctx, Delta{Added: []model.Document{doc("1", "fox", 1965)}})
	require.NoError(t, err)

	_, _, err = b.Apply(ctx, Delta{Added: []model.Document{
		doc("2", "wolf", 1979),
		doc("2", "bear", 1984),
	}})
	require.Error(t, err)

	// The failed pass was discarded; generation 1 is still fully readable.
	snap, err := store.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, model.Generation(1), snap.Generation())
	assert.True(t, lookup(t, store, 0, "fox").Equals(roaring.BitmapOf(0)))
	assert.True(t, lookup(t, store, 0, "wolf").IsEmpty())
}

func TestApplyMultiValuePositions(t *testing.T) {
	b, store := newBuilder(t)

	// The middle value analyzes to nothing; positions of the last value must
	// still land a full gap past the first, never back at the field start.
	_, _, err := b.Apply(context.Background(), Delta{Added: []model.Document{{
		PK:     "1",
		Fields: map[string]any{"title": []any{"quick fox", "", "lazy dog"}, "year": 1965.0},
	}}})
	require.NoError(t, err)

	snap, err := store.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	reader := postings.NewReader(snap)

	positions := func(term string) []uint32 {
		p, err := reader.Positions(0, term, 0)
		require.NoError(t, err)
		return p
	}

	assert.Equal(t, []uint32{1}, positions("fox"))
	assert.Equal(t, []uint32{17}, positions("lazy"))
	assert.Equal(t, []uint32{18}, positions("dog"))
}

func TestDocIDsAreDense(t *testing.T) {
	b, store := newBuilder(t)
	ctx := context.Background()

	_, _, err := b.Apply(ctx, Delta{Added: []model.Document{doc("1", "one fox", 1)}})
	require.NoError(t, err)
	_, _, err = b.Apply(ctx, Delta{Added: []model.Document{doc("2", "two fox", 2)}})
	require.NoError(t, err)

	assert.True(t, lookup(t, store, 0, "fox").Equals(roaring.BitmapOf(0, 1)))

	snap, err := store.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, model.DocID(2), snap.Manifest().NextDocID)
}
