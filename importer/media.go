package importer

import (
	"context"
	"fmt"
	"mime"
	"path"

	"github.com/deemkeen/trailpost/archive"
	"github.com/deemkeen/trailpost/counter"
	"github.com/deemkeen/trailpost/domain"
	"github.com/deemkeen/trailpost/storage"
)

// attachPendingMedia attaches the queued media of each activity, one
// activity at a time. An activity whose media keeps failing is dropped
// after MaxMediaRetries attempts; its status stays without media.
func (im *Importer) attachPendingMedia(ctx context.Context, imp *domain.StravaArchiveImport, reader *archive.Reader) error {
	for len(imp.PendingMediaActivities) > 0 {
		pending := imp.PendingMediaActivities[0]
		err := im.attachMedia(ctx, imp, reader, pending)
		if err != nil {
			imp.MediaAttachmentRetry++
			if imp.MediaAttachmentRetry < im.conf.MaxMediaRetries {
				if cerr := im.checkpoint(ctx, imp); cerr != nil {
					return cerr
				}
				return fmt.Errorf("failed to attach media of activity %s: %w", pending.ActivityId, err)
			}
			im.log.Warnw("Import: giving up on media", "import", imp.Id, "activity", pending.ActivityId,
				"attempts", imp.MediaAttachmentRetry, "error", err)
		}
		imp.PendingMediaActivities = imp.PendingMediaActivities[1:]
		imp.MediaAttachmentRetry = 0
		if err := im.checkpoint(ctx, imp); err != nil {
			return err
		}
	}
	return nil
}

// attachMedia stores every media file of one activity and attaches them to
// its status. Files saved by a failed attempt are deleted again.
func (im *Importer) attachMedia(ctx context.Context, imp *domain.StravaArchiveImport, reader *archive.Reader, pending domain.PendingMedia) (err error) {
	var saved []string
	defer func() {
		if err != nil {
			for _, key := range saved {
				im.deleteFile(ctx, key)
			}
		}
	}()

	attachments := make([]domain.Attachment, 0, len(pending.MediaPaths))
	for i, p := range pending.MediaPaths {
		data, err := reader.ReadFile(ctx, p)
		if err != nil {
			return err
		}
		base := path.Base(archive.Normalize(p))
		key := storage.Key("media", actorDir(imp.ActorId), pending.ActivityId.String(), fmt.Sprintf("%d-%s", i, base))
		if err := im.store.Save(ctx, key, data); err != nil {
			return err
		}
		saved = append(saved, key)
		attachments = append(attachments, domain.Attachment{
			Type:      "Document",
			MediaType: mime.TypeByExtension(path.Ext(base)),
			URL:       fmt.Sprintf("https://%s/media/%s", im.conf.Domain, key),
			Name:      path.Base(p),
		})
	}

	added, err := im.db.AddStatusAttachments(ctx, pending.StatusId, attachments)
	if err != nil {
		return err
	}
	if added > 0 {
		if _, err := im.counters.Increase(ctx, counter.MediaCountKey(imp.ActorId), int64(added)); err != nil {
			im.log.Errorw("Import: failed to count media", "import", imp.Id, "activity", pending.ActivityId, "error", err)
		}
	}
	return nil
}
