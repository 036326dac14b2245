package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/deemkeen/trailpost/counter"
	"github.com/deemkeen/trailpost/db"
	"github.com/deemkeen/trailpost/domain"
	"github.com/deemkeen/trailpost/queue"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubFetcher serves canned documents; unknown URIs are not found.
type stubFetcher struct {
	mu    sync.Mutex
	docs  map[string]string
	errs  map[string]error
	calls map[string]int
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{docs: map[string]string{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (f *stubFetcher) Fetch(_ context.Context, uri string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[uri]++
	if err, ok := f.errs[uri]; ok {
		return nil, err
	}
	doc, ok := f.docs[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	return []byte(doc), nil
}

func (f *stubFetcher) add(uri string, doc map[string]interface{}) {
	b, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	f.docs[uri] = string(b)
}

func (f *stubFetcher) addActor(id string) {
	f.add(id, map[string]interface{}{
		"id":                id,
		"type":              "Person",
		"preferredUsername": extractUsername(id),
		"inbox":             id + "/inbox",
		"followers":         id + "/followers",
	})
}

func setupResolver(t *testing.T) (*Resolver, *db.DB, *stubFetcher) {
	t.Helper()
	database, err := db.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	f := newStubFetcher()
	return NewResolver(database, f, counter.New(database), zap.NewNop().Sugar()), database, f
}

func note(id, author, inReplyTo string, public bool) map[string]interface{} {
	to := []string{author + "/followers"}
	if public {
		to = []string{domain.PublicAddress}
	}
	doc := map[string]interface{}{
		"id":           id,
		"type":         "Note",
		"attributedTo": author,
		"content":      "<p>" + id + "</p>",
		"to":           to,
		"published":    "2024-05-01T10:00:00Z",
	}
	if inReplyTo != "" {
		doc["inReplyTo"] = inReplyTo
	}
	return doc
}

func jobFor(t *testing.T, name string, doc map[string]interface{}) queue.Job {
	t.Helper()
	job, err := queue.NewJob(name, doc, fmt.Sprint(doc["id"]))
	require.NoError(t, err)
	return job
}

func counterValue(t *testing.T, r *Resolver, key string) int64 {
	t.Helper()
	v, err := r.counters.Get(context.Background(), key)
	require.NoError(t, err)
	return v
}
