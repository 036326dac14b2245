package importer

import (
	"context"
	"errors"
	"fmt"
	"html"
	"path"
	"strings"
	"time"

	"github.com/deemkeen/trailpost/archive"
	"github.com/deemkeen/trailpost/counter"
	"github.com/deemkeen/trailpost/db"
	"github.com/deemkeen/trailpost/domain"
	"github.com/deemkeen/trailpost/fitness"
	"github.com/deemkeen/trailpost/metrics"
	"github.com/deemkeen/trailpost/queue"
	"github.com/deemkeen/trailpost/storage"
	"github.com/google/uuid"
)

// Row outcomes, also used as metric labels.
const (
	outcomeCompleted  = "completed"
	outcomeSuperseded = "superseded"
	outcomeDuplicate  = "duplicate"
	outcomeSkipped    = "skipped"
	outcomeFailed     = "failed"
)

// rowError is a failure that belongs to one archive row. The row is counted
// as failed and the import moves on.
type rowError struct {
	err error
}

func (e *rowError) Error() string { return e.err.Error() }
func (e *rowError) Unwrap() error { return e.err }

func rowFailure(format string, args ...interface{}) error {
	return &rowError{err: fmt.Errorf(format, args...)}
}

// Run processes up to BatchSize rows of the import named in the job, then
// either resolves the import or publishes the job that continues it.
func (im *Importer) Run(ctx context.Context, j queue.Job) error {
	imp, err := im.readImport(ctx, j)
	if err != nil || imp == nil {
		return err
	}

	actor, err := im.db.ReadActor(ctx, imp.ActorId)
	if errors.Is(err, db.ErrNotFound) {
		return im.fail(ctx, imp, fmt.Errorf("actor %s no longer exists", imp.ActorId))
	}
	if err != nil {
		return err
	}

	reader := archive.NewReader(func(ctx context.Context) (archive.Source, error) {
		obj, err := im.store.Open(ctx, imp.ArchiveKey)
		if err != nil {
			return nil, err
		}
		return obj, nil
	})
	defer reader.Close()

	rows, err := reader.Activities(ctx)
	if errors.Is(err, archive.ErrNoIndex) || errors.Is(err, archive.ErrInvalid) || errors.Is(err, storage.ErrNotExist) {
		return im.fail(ctx, imp, err)
	}
	if err != nil {
		return err
	}

	for processed := 0; processed < im.conf.BatchSize && imp.NextActivityIndex < len(rows); processed++ {
		row := rows[imp.NextActivityIndex]
		outcome, err := im.importRow(ctx, imp, actor, reader, row)
		var rowErr *rowError
		switch {
		case errors.As(err, &rowErr):
			outcome = outcomeFailed
			imp.RecordFailure(rowErr.err)
			im.log.Warnw("Import: activity failed", "import", imp.Id, "row", row.Index, "file", row.Filename, "error", rowErr.err)
		case err != nil:
			return im.stopOnStale(imp, fmt.Errorf("import %s row %d: %w", imp.Id, row.Index, err))
		case outcome == outcomeCompleted || outcome == outcomeSuperseded || outcome == outcomeDuplicate:
			imp.CompletedCount++
		}
		metrics.ImportActivities.WithLabelValues(outcome).Inc()

		imp.NextActivityIndex++
		if err := im.checkpoint(ctx, imp); err != nil {
			return im.stopOnStale(imp, err)
		}
	}

	if len(imp.PendingMediaActivities) > 0 {
		if err := im.attachPendingMedia(ctx, imp, reader); err != nil {
			return im.stopOnStale(imp, err)
		}
	}

	if imp.NextActivityIndex < len(rows) {
		next, err := job(imp)
		if err != nil {
			return err
		}
		return im.pub.Publish(ctx, next)
	}

	imp.Resolve(im.now())
	if err := im.checkpoint(ctx, imp); err != nil {
		return im.stopOnStale(imp, err)
	}
	im.deleteArchive(ctx, imp)
	im.log.Infow("Import: finished", "import", imp.Id, "status", imp.Status,
		"completed", imp.CompletedCount, "failed", imp.FailedCount)
	return nil
}

func (im *Importer) stopOnStale(imp *domain.StravaArchiveImport, err error) error {
	if errors.Is(err, errStale) {
		im.log.Infow("Import: checkpoint overtaken, stopping", "import", imp.Id, "index", imp.NextActivityIndex)
		return nil
	}
	return err
}

// fail resolves the import as failed and removes the archive.
func (im *Importer) fail(ctx context.Context, imp *domain.StravaArchiveImport, reason error) error {
	imp.Fail(reason, im.now())
	if err := im.checkpoint(ctx, imp); err != nil {
		return im.stopOnStale(imp, err)
	}
	im.deleteArchive(ctx, imp)
	im.log.Warnw("Import: failed", "import", imp.Id, "error", reason)
	return nil
}

// externalID identifies a row across imports of the same actor.
func externalID(row archive.Activity) string {
	if row.ID != "" {
		return row.ID
	}
	return archive.Normalize(row.Filename)
}

func (im *Importer) importRow(ctx context.Context, imp *domain.StravaArchiveImport, actor *domain.Actor, reader *archive.Reader, row archive.Activity) (string, error) {
	if row.Filename == "" || !archive.SupportedFitnessFile(row.Filename) {
		return outcomeSkipped, nil
	}
	extID := externalID(row)

	existing, err := im.db.ReadFitnessActivityByExternalId(ctx, actor.Id, extID)
	switch {
	case err == nil:
		// an earlier attempt may have stopped between the insert and the status
		if existing.StatusId == "" && existing.SupersededBy == nil {
			if err := im.publishActivity(ctx, imp, actor, existing, row); err != nil {
				return "", err
			}
		}
		return outcomeDuplicate, nil
	case !errors.Is(err, db.ErrNotFound):
		return "", err
	}

	name, data, err := reader.FitnessFile(ctx, row.Filename)
	if err != nil {
		return "", rowFailure("failed to read %s: %w", row.Filename, err)
	}
	track, err := fitness.ParseTrack(name, data)
	if err != nil {
		return "", &rowError{err: err}
	}

	now := im.now()
	activity := &domain.FitnessActivity{
		Id:           uuid.New(),
		ActorId:      actor.Id,
		ExternalId:   extID,
		Source:       domain.FitnessSourceArchive,
		ActivityType: firstNonEmpty(row.Type, track.ActivityType),
		Name:         firstNonEmpty(row.Name, track.Name, "Activity"),
		StartTime:    track.StartTime,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if activity.StartTime.IsZero() {
		activity.StartTime = row.Date
	}
	activity.DurationSeconds = row.ElapsedSeconds
	if activity.DurationSeconds <= 0 {
		activity.DurationSeconds = track.DurationSeconds
	}
	activity.DistanceMeters = track.DistanceMeters
	if activity.DistanceMeters <= 0 {
		activity.DistanceMeters = row.Distance * 1000
	}
	activity.MapPolylines = im.polylines(track, actor)
	activity.FileKey = storage.Key("fitness", actorDir(imp.ActorId), activity.Id.String()+path.Ext(strings.ToLower(name)))

	if err := im.store.Save(ctx, activity.FileKey, data); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", row.Filename, err)
	}

	primary, err := im.overlapping(ctx, activity)
	if err != nil {
		im.deleteFile(ctx, activity.FileKey)
		return "", err
	}
	if primary != nil {
		activity.SupersededBy = primary
	}

	created, err := im.db.CreateFitnessActivity(ctx, activity)
	if err != nil {
		im.deleteFile(ctx, activity.FileKey)
		return "", err
	}
	if !created {
		im.deleteFile(ctx, activity.FileKey)
		return outcomeDuplicate, nil
	}
	if primary != nil {
		im.log.Infow("Import: activity overlaps an existing one", "import", imp.Id, "activity", activity.Id, "supersededBy", *primary)
		return outcomeSuperseded, nil
	}

	if err := im.publishActivity(ctx, imp, actor, activity, row); err != nil {
		return "", err
	}
	return outcomeCompleted, nil
}

// polylines masks the track with the actor's privacy zone and encodes what
// remains visible. A failure here only costs the map.
func (im *Importer) polylines(track *fitness.Track, actor *domain.Actor) (out []string) {
	defer func() {
		if r := recover(); r != nil {
			im.log.Warnw("Import: failed to build map", "actor", actor.Id, "panic", r)
			out = nil
		}
	}()
	var home *fitness.Home
	if actor.HomeLatitude != nil && actor.HomeLongitude != nil {
		home = &fitness.Home{Lat: *actor.HomeLatitude, Lng: *actor.HomeLongitude, Radius: actor.PrivacyRadius}
	}
	return fitness.EncodePolylines(fitness.Geofence(track.Points, home, im.conf.PointBudget))
}

// overlapping returns the primary activity that a, once inserted, would
// duplicate. Superseded activities take part in the grouping and stand for
// their primary, so a chain of overlapping recordings keeps one primary.
// Stored activities always take precedence over new ones.
func (im *Importer) overlapping(ctx context.Context, a *domain.FitnessActivity) (*uuid.UUID, error) {
	if a.DurationSeconds <= 0 || a.StartTime.IsZero() {
		return nil, nil
	}
	span := time.Duration(a.DurationSeconds * float64(time.Second))
	candidates, err := im.db.ReadFitnessActivitiesInWindow(ctx, a.ActorId, a.StartTime.Add(-span), a.StartTime.Add(2*span))
	if err != nil {
		return nil, err
	}
	primaries := make(map[string]uuid.UUID, len(candidates))
	items := []fitness.Interval{interval(a)}
	for i := range candidates {
		c := &candidates[i]
		if c.Id == a.Id {
			continue
		}
		primary := c.Id
		if c.SupersededBy != nil {
			primary = *c.SupersededBy
		}
		primaries[c.Id.String()] = primary
		items = append(items, interval(c))
	}
	if len(items) == 1 {
		return nil, nil
	}
	for _, group := range fitness.GroupOverlapping(items) {
		if !containsID(group, a.Id.String()) {
			continue
		}
		var first *uuid.UUID
		for _, member := range group {
			primary, ok := primaries[member.ID]
			if !ok {
				continue
			}
			if fitness.OverlapRatio(interval(a), member) >= fitness.OverlapThreshold {
				return &primary, nil
			}
			if first == nil {
				first = &primary
			}
		}
		return first, nil
	}
	return nil, nil
}

func interval(a *domain.FitnessActivity) fitness.Interval {
	return fitness.Interval{ID: a.Id.String(), StartTimeMs: a.StartTime.UnixMilli(), DurationSeconds: a.DurationSeconds}
}

func containsID(group []fitness.Interval, id string) bool {
	for _, iv := range group {
		if iv.ID == id {
			return true
		}
	}
	return false
}

// publishActivity creates the local status announcing the activity and
// queues its archive media.
func (im *Importer) publishActivity(ctx context.Context, imp *domain.StravaArchiveImport, actor *domain.Actor, a *domain.FitnessActivity, row archive.Activity) error {
	status := im.statusFor(actor, a)
	created, err := im.db.CreateStatus(ctx, status)
	if err != nil {
		return err
	}
	if created {
		if _, err := im.counters.Increase(ctx, counter.StatusCountKey(actor.Id), 1); err != nil {
			return err
		}
	}

	// the media is queued durably before the activity points at its status;
	// an activity with a status is never published again
	if len(row.Media) > 0 && !mediaPending(imp, a.Id) {
		imp.PendingMediaActivities = append(imp.PendingMediaActivities, domain.PendingMedia{
			ActivityId: a.Id,
			StatusId:   status.Id,
			MediaPaths: row.Media,
		})
		if err := im.checkpoint(ctx, imp); err != nil {
			return err
		}
	}

	a.StatusId = status.Id
	a.UpdatedAt = im.now()
	return im.db.UpdateFitnessActivity(ctx, a)
}

func mediaPending(imp *domain.StravaArchiveImport, activityID uuid.UUID) bool {
	for _, p := range imp.PendingMediaActivities {
		if p.ActivityId == activityID {
			return true
		}
	}
	return false
}

func (im *Importer) statusFor(actor *domain.Actor, a *domain.FitnessActivity) *domain.Status {
	id := fmt.Sprintf("https://%s/activities/%s", im.conf.Domain, a.Id)
	s := &domain.Status{
		Id:         id,
		ActorId:    actor.Id,
		Type:       domain.StatusTypeNote,
		URL:        id,
		Content:    activityContent(a),
		To:         []string{domain.PublicAddress},
		Visibility: domain.VisibilityPublic,
		Local:      true,
		CreatedAt:  a.StartTime,
	}
	if actor.FollowersURI != "" {
		s.Cc = []string{actor.FollowersURI}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = a.CreatedAt
	}
	return s
}

func activityContent(a *domain.FitnessActivity) string {
	parts := []string{html.EscapeString(a.Name)}
	if a.ActivityType != "" {
		parts = append(parts, html.EscapeString(a.ActivityType))
	}
	if a.DistanceMeters > 0 {
		parts = append(parts, fmt.Sprintf("%.2f km", a.DistanceMeters/1000))
	}
	if a.DurationSeconds > 0 {
		parts = append(parts, formatDuration(a.DurationSeconds))
	}
	return "<p>" + strings.Join(parts, " · ") + "</p>"
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds) * time.Second
	h, m, s := int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (im *Importer) deleteFile(ctx context.Context, key string) {
	if err := im.store.Delete(ctx, key); err != nil {
		im.log.Warnw("Import: failed to delete file", "key", key, "error", err)
	}
}
