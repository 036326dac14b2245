package activitypub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchStatusRecursiveWalksReplies(t *testing.T) {
	r, database, f := setupResolver(t)
	ctx := context.Background()
	f.addActor(ann)
	f.addActor(bob)

	root := note("https://a.example/notes/root", ann, "", true)
	root["replies"] = map[string]interface{}{
		"id":   "https://a.example/notes/root/replies",
		"type": "Collection",
		"first": map[string]interface{}{
			"type":  "CollectionPage",
			"next":  "https://a.example/notes/root/replies?page=2",
			"items": []string{"https://b.example/notes/r1"},
		},
	}
	f.add("https://a.example/notes/root", root)
	f.add("https://b.example/notes/r1", note("https://b.example/notes/r1", bob, "https://a.example/notes/root", true))
	f.add("https://a.example/notes/root/replies?page=2", map[string]interface{}{
		"type": "CollectionPage",
		"items": []interface{}{
			note("https://b.example/notes/r2", bob, "https://a.example/notes/root", true),
			"https://b.example/notes/private",
			"https://b.example/notes/r1",
		},
	})
	f.add("https://b.example/notes/private", note("https://b.example/notes/private", bob, "https://a.example/notes/root", false))

	s, err := r.FetchStatusRecursive(ctx, "https://a.example/notes/root")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/notes/root", s.Id)

	ids, err := database.ReadReplyIds(ctx, "https://a.example/notes/root")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://b.example/notes/r1", "https://b.example/notes/r2"}, ids)
	assert.Equal(t, 1, f.calls["https://b.example/notes/r1"])
	assert.Equal(t, 0, f.calls["https://b.example/notes/r2"])

	// a second pass finds everything stored
	_, err = r.FetchStatusRecursive(ctx, "https://a.example/notes/root")
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls["https://a.example/notes/root"])
}

func TestFetchStatusRecursiveSurvivesCycles(t *testing.T) {
	r, database, f := setupResolver(t)
	ctx := context.Background()
	f.addActor(ann)
	f.add("https://a.example/notes/x", note("https://a.example/notes/x", ann, "https://a.example/notes/y", true))
	f.add("https://a.example/notes/y", note("https://a.example/notes/y", ann, "https://a.example/notes/x", true))

	_, err := r.FetchStatusRecursive(ctx, "https://a.example/notes/x")
	require.NoError(t, err)

	n, err := database.CountStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, f.calls["https://a.example/notes/x"])
	assert.Equal(t, 1, f.calls["https://a.example/notes/y"])
}

func TestFetchStatusRecursiveBoundsFetches(t *testing.T) {
	r, database, f := setupResolver(t)
	ctx := context.Background()
	f.addActor(ann)
	parent := ""
	for i := 0; i < 10; i++ {
		id := "https://a.example/notes/" + string(rune('a'+i))
		f.add(id, note(id, ann, parent, true))
		parent = id
	}
	r.MaxFetches = 4

	_, err := r.FetchStatusRecursive(ctx, parent)
	require.NoError(t, err)
	n, err := database.CountStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestFetchStatusRecursiveRejectsNonPublicRoot(t *testing.T) {
	r, _, f := setupResolver(t)
	f.addActor(ann)
	f.add("https://a.example/notes/dm", note("https://a.example/notes/dm", ann, "", false))

	_, err := r.FetchStatusRecursive(context.Background(), "https://a.example/notes/dm")
	assert.ErrorIs(t, err, ErrNotPublic)
}
