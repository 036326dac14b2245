// Package activitypub materializes inbound federated objects: it resolves
// remote actors and status graphs and runs the idempotent job handlers for
// notes, polls, boosts, edits and deletes.
package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/trailpost/counter"
	"github.com/deemkeen/trailpost/db"
	"github.com/deemkeen/trailpost/domain"
	"go.uber.org/zap"
)

// ErrNotPublic is returned when a fetched object is not publicly addressed.
var ErrNotPublic = errors.New("activitypub: object is not public")

// ErrUnsupported is returned for objects that are not notes or polls.
var ErrUnsupported = errors.New("activitypub: unsupported object type")

const (
	defaultMaxReplyPages = 5
	defaultMaxFetches    = 50
)

// Database is the persistence the resolver and handlers need.
type Database interface {
	HasStatus(ctx context.Context, id string) (bool, error)
	ReadStatus(ctx context.Context, id string) (*domain.Status, error)
	CreateStatus(ctx context.Context, s *domain.Status) (bool, error)
	UpdateStatusContent(ctx context.Context, id, content, summary string, sensitive bool, editedAt time.Time) error
	UpdatePollVotes(ctx context.Context, id string, choices []domain.PollChoice, votersCount int, endTime *time.Time) error
	DeleteStatus(ctx context.Context, id string) (bool, error)
	ReadActor(ctx context.Context, id string) (*domain.Actor, error)
	CreateActor(ctx context.Context, a *domain.Actor) (bool, error)
	UpdateActor(ctx context.Context, a *domain.Actor) error
}

// Resolver fetches and persists remote actors and statuses.
type Resolver struct {
	db       Database
	fetch    Fetcher
	counters *counter.Engine
	log      *zap.SugaredLogger
	now      func() time.Time

	// MaxReplyPages bounds the collection pages read per replies collection.
	MaxReplyPages int
	// MaxFetches bounds the remote fetches of one FetchStatusRecursive pass.
	MaxFetches int
}

func NewResolver(database Database, fetch Fetcher, counters *counter.Engine, log *zap.SugaredLogger) *Resolver {
	return &Resolver{
		db:            database,
		fetch:         fetch,
		counters:      counters,
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
		MaxReplyPages: defaultMaxReplyPages,
		MaxFetches:    defaultMaxFetches,
	}
}

// traversal is the state of one FetchStatusRecursive pass.
type traversal struct {
	visited map[string]bool
	fetches int
}

func (t *traversal) seen(id string) bool {
	if t.visited[id] {
		return true
	}
	t.visited[id] = true
	return false
}

// FetchStatusRecursive returns the status with the given id, fetching it
// and its unknown ancestors when needed. Ancestors are persisted before
// their descendants. When the status itself was fetched, its replies
// collection is walked and every public reply stored as well.
func (r *Resolver) FetchStatusRecursive(ctx context.Context, id string) (*domain.Status, error) {
	t := &traversal{visited: make(map[string]bool)}

	var chain []*Object
	for cur := id; cur != "" && !t.seen(cur); {
		known, err := r.db.HasStatus(ctx, cur)
		if err != nil {
			return nil, err
		}
		if known || t.fetches >= r.MaxFetches {
			break
		}
		obj, err := r.fetchObject(ctx, t, cur)
		if err != nil {
			if cur == id {
				return nil, err
			}
			if isGone(err) {
				r.log.Infow("Resolver: parent unavailable, stopping chain", "status", cur, "error", err)
				break
			}
			return nil, err
		}
		chain = append(chain, obj)
		cur = obj.InReplyTo.ID
	}

	for i := len(chain) - 1; i >= 0; i-- {
		if _, _, err := r.storeObject(ctx, chain[i]); err != nil {
			return nil, err
		}
	}
	if len(chain) > 0 {
		r.walkReplies(ctx, t, chain[0])
	}

	return r.db.ReadStatus(ctx, id)
}

// walkReplies pages through the replies collections reachable from root,
// breadth first. Failures of individual replies are logged and skipped.
func (r *Resolver) walkReplies(ctx context.Context, t *traversal, root *Object) {
	worklist := []*Object{root}
	for len(worklist) > 0 && t.fetches < r.MaxFetches {
		obj := worklist[0]
		worklist = worklist[1:]

		for _, item := range r.replyItems(ctx, t, obj) {
			if ctx.Err() != nil {
				return
			}
			if item.ID == "" || t.seen(item.ID) {
				continue
			}
			reply, err := r.resolveReply(ctx, t, item)
			if err != nil {
				r.log.Infow("Resolver: skipping reply", "status", item.ID, "error", err)
				continue
			}
			if reply == nil {
				continue
			}
			if _, _, err := r.storeObject(ctx, reply); err != nil {
				r.log.Warnw("Resolver: failed to store reply", "status", item.ID, "error", err)
				continue
			}
			worklist = append(worklist, reply)
		}
	}
}

// resolveReply turns a collection item into an object. It returns nil
// without error for items that are already stored.
func (r *Resolver) resolveReply(ctx context.Context, t *traversal, item Reference) (*Object, error) {
	if obj := decodeEmbedded(item); obj != nil && obj.Type != "" {
		if err := checkFetched(obj); err != nil {
			return nil, err
		}
		return obj, nil
	}
	known, err := r.db.HasStatus(ctx, item.ID)
	if err != nil || known {
		return nil, err
	}
	if t.fetches >= r.MaxFetches {
		return nil, nil
	}
	return r.fetchObject(ctx, t, item.ID)
}

// replyItems collects the entries of obj's replies collection, following
// first/next up to MaxReplyPages pages.
func (r *Resolver) replyItems(ctx context.Context, t *traversal, obj *Object) []Reference {
	if obj.Replies.IsZero() {
		return nil
	}
	collection, err := r.loadCollection(ctx, t, obj.Replies)
	if err != nil || collection == nil {
		if err != nil {
			r.log.Infow("Resolver: replies collection unavailable", "status", obj.ID, "error", err)
		}
		return nil
	}

	var items []Reference
	items = append(items, collection.Entries()...)
	page := collection.First
	for pages := 0; !page.IsZero() && pages < r.MaxReplyPages; pages++ {
		if page.Embedded == nil && page.ID != "" && t.seen("page:"+page.ID) {
			break
		}
		current, err := r.loadCollection(ctx, t, page)
		if err != nil || current == nil {
			if err != nil {
				r.log.Infow("Resolver: replies page unavailable", "status", obj.ID, "error", err)
			}
			break
		}
		items = append(items, current.Entries()...)
		page = current.Next
	}
	return items
}

func (r *Resolver) loadCollection(ctx context.Context, t *traversal, ref Reference) (*Collection, error) {
	raw := ref.Embedded
	if raw == nil {
		if t.fetches >= r.MaxFetches {
			return nil, nil
		}
		t.fetches++
		body, err := r.fetch.Fetch(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		raw = body
	}
	var c Collection
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse collection: %w", err)
	}
	return &c, nil
}

// fetchObject fetches a status object and checks that it can be stored.
func (r *Resolver) fetchObject(ctx context.Context, t *traversal, id string) (*Object, error) {
	t.fetches++
	body, err := r.fetch.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	var obj Object
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse object %s: %w", id, err)
	}
	if obj.ID == "" {
		obj.ID = id
	}
	if err := checkFetched(&obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

// checkFetched rejects fetched objects that must not be stored.
func checkFetched(obj *Object) error {
	if !obj.IsNote() && obj.Type != domain.StatusTypeQuestion {
		return fmt.Errorf("%w: %s is %q", ErrUnsupported, obj.ID, obj.Type)
	}
	if !obj.IsPublic() {
		return fmt.Errorf("%w: %s", ErrNotPublic, obj.ID)
	}
	return nil
}

// storeObject persists a note or poll, resolving its author first. Only the
// call that inserted the row adjusts counters.
func (r *Resolver) storeObject(ctx context.Context, obj *Object) (*domain.Status, bool, error) {
	actor, err := r.GetOrFetchActor(ctx, obj.AttributedTo.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve author of %s: %w", obj.ID, err)
	}
	s := r.statusFromObject(obj, actor)
	created, err := r.saveStatus(ctx, s)
	return s, created, err
}

func (r *Resolver) statusFromObject(obj *Object, actor *domain.Actor) *domain.Status {
	s := &domain.Status{
		Id:          obj.ID,
		ActorId:     actor.Id,
		Type:        domain.StatusTypeNote,
		URL:         obj.URL.ID,
		Content:     NormalizeContent(obj.Content, obj.ContentMap),
		Summary:     obj.SummaryText(),
		Reply:       obj.InReplyTo.ID,
		To:          []string(obj.To),
		Cc:          []string(obj.Cc),
		Attachments: []domain.Attachment(obj.Attachment),
		Tags:        []domain.Tag(obj.Tag),
		Visibility:  domain.VisibilityOf(obj.To, obj.Cc, actor.FollowersURI),
		Sensitive:   bool(obj.Sensitive),
		CreatedAt:   r.now(),
	}
	if s.URL == "" {
		s.URL = obj.ID
	}
	if t, ok := parseTime(string(obj.Published)); ok {
		s.CreatedAt = t
	}
	if obj.Type == domain.StatusTypeQuestion {
		s.Type = domain.StatusTypeQuestion
		s.Choices, s.Multiple, _ = obj.PollOptions()
		s.EndTime = obj.PollEnd()
		if obj.VotersCount != nil {
			s.VotersCount = *obj.VotersCount
		}
	}
	return s
}

// saveStatus inserts s and, when this call created it, counts it for its
// author and its parent.
func (r *Resolver) saveStatus(ctx context.Context, s *domain.Status) (bool, error) {
	created, err := r.db.CreateStatus(ctx, s)
	if err != nil || !created {
		return false, err
	}
	if _, err := r.counters.Increase(ctx, counter.StatusCountKey(s.ActorId), 1); err != nil {
		return true, err
	}
	if s.Reply != "" {
		if _, err := r.counters.Increase(ctx, counter.ReplyCountKey(s.Reply), 1); err != nil {
			return true, err
		}
	}
	return true, nil
}

func isGone(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAuthExpired) ||
		errors.Is(err, ErrNotPublic) || errors.Is(err, ErrUnsupported) || errors.Is(err, db.ErrNotFound)
}
