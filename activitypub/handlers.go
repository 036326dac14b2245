package activitypub

import (
	"context"
	"errors"
	"fmt"

	"github.com/deemkeen/trailpost/counter"
	"github.com/deemkeen/trailpost/db"
	"github.com/deemkeen/trailpost/domain"
	"github.com/deemkeen/trailpost/queue"
)

// Job names
const (
	JobCreateNote     = "create-note"
	JobCreatePoll     = "create-poll"
	JobUpdatePoll     = "update-poll"
	JobCreateAnnounce = "create-announce"
	JobUpdateNote     = "update-note"
	JobDeleteStatus   = "delete-status"
)

// Register installs every handler on the worker.
func (r *Resolver) Register(w *queue.Worker) {
	w.Handle(JobCreateNote, r.HandleNote)
	w.Handle(JobCreatePoll, r.HandlePoll)
	w.Handle(JobUpdatePoll, r.HandlePollUpdate)
	w.Handle(JobCreateAnnounce, r.HandleAnnounce)
	w.Handle(JobUpdateNote, r.HandleNoteUpdate)
	w.Handle(JobDeleteStatus, r.HandleDelete)
}

// decodeObject returns nil for payloads that are not objects with an id.
func decodeObject(job queue.Job) *Object {
	var obj Object
	if err := job.Decode(&obj); err != nil || obj.ID == "" {
		return nil
	}
	return &obj
}

// HandleNote stores an inbound Note (job data is the object). Replies wait
// for their parent chain; a parent that is gone or not public is skipped.
func (r *Resolver) HandleNote(ctx context.Context, job queue.Job) error {
	obj := decodeObject(job)
	if obj == nil || !obj.IsNote() {
		return nil
	}
	_, err := r.ingest(ctx, obj)
	return err
}

// HandlePoll stores an inbound Question with oneOf or anyOf choices.
func (r *Resolver) HandlePoll(ctx context.Context, job queue.Job) error {
	obj := decodeObject(job)
	if obj == nil || obj.Type != domain.StatusTypeQuestion {
		return nil
	}
	if _, _, ok := obj.PollOptions(); !ok {
		return nil
	}
	_, err := r.ingest(ctx, obj)
	return err
}

// ingest is the shared create path of notes, polls and embedded boosts.
func (r *Resolver) ingest(ctx context.Context, obj *Object) (*domain.Status, error) {
	known, err := r.db.HasStatus(ctx, obj.ID)
	if err != nil {
		return nil, err
	}
	if known {
		return r.db.ReadStatus(ctx, obj.ID)
	}
	if obj.AttributedTo.ID == "" {
		return nil, nil
	}
	if _, err := r.GetOrFetchActor(ctx, obj.AttributedTo.ID); err != nil {
		return nil, fmt.Errorf("failed to resolve author of %s: %w", obj.ID, err)
	}

	if parent := obj.InReplyTo.ID; parent != "" {
		known, err := r.db.HasStatus(ctx, parent)
		if err != nil {
			return nil, err
		}
		if !known {
			if _, err := r.FetchStatusRecursive(ctx, parent); err != nil {
				if !isGone(err) {
					return nil, fmt.Errorf("failed to resolve parent of %s: %w", obj.ID, err)
				}
				r.log.Infow("Inbox: parent unavailable, storing reply alone", "status", obj.ID, "parent", parent, "error", err)
			}
		}
	}

	s, created, err := r.storeObject(ctx, obj)
	if err != nil {
		return nil, err
	}
	if created {
		r.log.Infow("Inbox: stored status", "status", s.Id, "type", s.Type, "actor", s.ActorId)
	}
	return s, nil
}

// HandlePollUpdate applies new totals and edits to a stored poll.
func (r *Resolver) HandlePollUpdate(ctx context.Context, job queue.Job) error {
	obj := decodeObject(job)
	if obj == nil || obj.Type != domain.StatusTypeQuestion {
		return nil
	}
	s, err := r.db.ReadStatus(ctx, obj.ID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.Type != domain.StatusTypeQuestion {
		return nil
	}

	choices, _, ok := obj.PollOptions()
	if !ok {
		choices = nil
	}
	voters := s.VotersCount
	if obj.VotersCount != nil {
		voters = *obj.VotersCount
	}
	if err := r.db.UpdatePollVotes(ctx, s.Id, choices, voters, obj.PollEnd()); err != nil {
		return fmt.Errorf("failed to update poll %s: %w", s.Id, err)
	}
	return r.applyEdit(ctx, s, obj)
}

// HandleNoteUpdate applies an edit of a stored note.
func (r *Resolver) HandleNoteUpdate(ctx context.Context, job queue.Job) error {
	obj := decodeObject(job)
	if obj == nil || !obj.IsNote() {
		return nil
	}
	s, err := r.db.ReadStatus(ctx, obj.ID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.Type != domain.StatusTypeNote {
		return nil
	}
	return r.applyEdit(ctx, s, obj)
}

// applyEdit stores content, summary and sensitivity when the payload sent
// them and they differ from what is stored.
func (r *Resolver) applyEdit(ctx context.Context, s *domain.Status, obj *Object) error {
	content, summary := s.Content, s.Summary
	if obj.HasContent() {
		content = NormalizeContent(obj.Content, obj.ContentMap)
	}
	if obj.Summary != nil {
		summary = string(*obj.Summary)
	}
	sensitive := s.Sensitive
	if obj.HasContent() || obj.Summary != nil {
		sensitive = bool(obj.Sensitive)
	}
	if content == s.Content && summary == s.Summary && sensitive == s.Sensitive {
		return nil
	}
	editedAt := r.now()
	if t, ok := parseTime(string(obj.Updated)); ok {
		editedAt = t
	}
	if err := r.db.UpdateStatusContent(ctx, s.Id, content, summary, sensitive, editedAt); err != nil {
		return fmt.Errorf("failed to update status %s: %w", s.Id, err)
	}
	r.log.Infow("Inbox: updated status", "status", s.Id)
	return nil
}

// HandleAnnounce stores a boost (job data is the Announce activity) and
// counts it on the boosted status.
func (r *Resolver) HandleAnnounce(ctx context.Context, job queue.Job) error {
	var act Activity
	if err := job.Decode(&act); err != nil || act.ID == "" || act.Type != domain.StatusTypeAnnounce || act.Object.IsZero() {
		return nil
	}
	known, err := r.db.HasStatus(ctx, act.ID)
	if err != nil || known {
		return err
	}

	original, err := r.resolveBoosted(ctx, act.Object)
	if err != nil {
		if isGone(err) {
			r.log.Infow("Inbox: boosted object unavailable", "announce", act.ID, "error", err)
			return nil
		}
		return err
	}
	if original == nil || !original.IsPublic() {
		return nil
	}

	actor, err := r.GetOrFetchActor(ctx, act.Actor.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve booster of %s: %w", act.ID, err)
	}

	boost := &domain.Status{
		Id:               act.ID,
		ActorId:          actor.Id,
		Type:             domain.StatusTypeAnnounce,
		URL:              act.ID,
		OriginalStatusId: original.Id,
		To:               []string(act.To),
		Cc:               []string(act.Cc),
		Visibility:       domain.VisibilityOf(act.To, act.Cc, actor.FollowersURI),
		CreatedAt:        r.now(),
	}
	if t, ok := parseTime(string(act.Published)); ok {
		boost.CreatedAt = t
	}
	created, err := r.db.CreateStatus(ctx, boost)
	if err != nil || !created {
		return err
	}
	if _, err := r.counters.Increase(ctx, counter.ReblogCountKey(original.Id), 1); err != nil {
		return err
	}
	r.log.Infow("Inbox: stored boost", "announce", act.ID, "status", original.Id)
	return nil
}

// resolveBoosted returns the boosted status, storing it first when needed.
func (r *Resolver) resolveBoosted(ctx context.Context, ref Reference) (*domain.Status, error) {
	if ref.Embedded != nil {
		obj := decodeEmbedded(ref)
		if obj != nil && obj.Type != "" {
			if err := checkFetched(obj); err != nil {
				return nil, err
			}
			return r.ingest(ctx, obj)
		}
	}
	if ref.ID == "" {
		return nil, nil
	}
	return r.FetchStatusRecursive(ctx, ref.ID)
}

// HandleDelete removes a status and its counters (job data is the Delete
// activity). Only the author may delete.
func (r *Resolver) HandleDelete(ctx context.Context, job queue.Job) error {
	var act Activity
	if err := job.Decode(&act); err != nil || act.Object.ID == "" {
		return nil
	}
	s, err := r.db.ReadStatus(ctx, act.Object.ID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if act.Actor.ID != "" && act.Actor.ID != s.ActorId {
		r.log.Warnw("Inbox: ignoring delete from non-author", "status", s.Id, "actor", act.Actor.ID)
		return nil
	}

	deleted, err := r.db.DeleteStatus(ctx, s.Id)
	if err != nil {
		return fmt.Errorf("failed to delete status %s: %w", s.Id, err)
	}
	for _, key := range counter.StatusKeys(s.Id) {
		if err := r.counters.Delete(ctx, key); err != nil {
			return err
		}
	}
	if !deleted {
		return nil
	}

	switch {
	case s.Type == domain.StatusTypeAnnounce:
		_, err = r.counters.Decrease(ctx, counter.ReblogCountKey(s.OriginalStatusId), 1)
	case s.Reply != "":
		if _, err = r.counters.Decrease(ctx, counter.StatusCountKey(s.ActorId), 1); err == nil {
			_, err = r.counters.Decrease(ctx, counter.ReplyCountKey(s.Reply), 1)
		}
	default:
		_, err = r.counters.Decrease(ctx, counter.StatusCountKey(s.ActorId), 1)
	}
	if err != nil {
		return err
	}
	r.log.Infow("Inbox: deleted status", "status", s.Id)
	return nil
}
