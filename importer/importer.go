// Package importer runs fitness archive imports as a resumable sequence of
// queue jobs. Every archive row is one unit of work and the import record
// is checkpointed after each of them.
package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/trailpost/counter"
	"github.com/deemkeen/trailpost/db"
	"github.com/deemkeen/trailpost/domain"
	"github.com/deemkeen/trailpost/queue"
	"github.com/deemkeen/trailpost/storage"
	"github.com/deemkeen/trailpost/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobImportArchive is the job name of one import invocation.
const JobImportArchive = "import-archive"

// Database is the persistence the importer needs.
type Database interface {
	CreateArchiveImport(ctx context.Context, imp *domain.StravaArchiveImport) error
	ReadArchiveImport(ctx context.Context, id uuid.UUID) (*domain.StravaArchiveImport, error)
	ReadActiveArchiveImport(ctx context.Context, actorID string) (*domain.StravaArchiveImport, error)
	UpdateArchiveImport(ctx context.Context, imp *domain.StravaArchiveImport) (bool, error)
	ReadActor(ctx context.Context, id string) (*domain.Actor, error)
	CreateFitnessActivity(ctx context.Context, a *domain.FitnessActivity) (bool, error)
	ReadFitnessActivityByExternalId(ctx context.Context, actorID, externalID string) (*domain.FitnessActivity, error)
	ReadFitnessActivitiesInWindow(ctx context.Context, actorID string, from, to time.Time) ([]domain.FitnessActivity, error)
	UpdateFitnessActivity(ctx context.Context, a *domain.FitnessActivity) error
	CreateStatus(ctx context.Context, s *domain.Status) (bool, error)
	AddStatusAttachments(ctx context.Context, id string, attachments []domain.Attachment) (int, error)
}

type Config struct {
	BatchSize       int
	PointBudget     int
	MaxMediaRetries int
	// StaleAfter is how long an unresolved import may go without a
	// checkpoint before Start replaces it.
	StaleAfter time.Duration
	// Domain is the public host used in local status and media URLs.
	Domain string
}

// ConfigFrom reads the importer settings of the app config.
func ConfigFrom(conf *util.AppConfig) Config {
	return Config{
		BatchSize:       conf.Importer.BatchSize,
		PointBudget:     conf.Importer.PointBudget,
		MaxMediaRetries: conf.Importer.MaxMediaRetries,
		StaleAfter:      time.Duration(conf.Importer.StaleMinutes) * time.Minute,
		Domain:          conf.Conf.SslDomain,
	}
}

type Importer struct {
	db       Database
	store    storage.Storage
	pub      queue.Publisher
	counters *counter.Engine
	log      *zap.SugaredLogger
	conf     Config
	now      func() time.Time
}

func New(database Database, store storage.Storage, pub queue.Publisher, counters *counter.Engine, log *zap.SugaredLogger, conf Config) *Importer {
	if conf.BatchSize <= 0 {
		conf.BatchSize = 25
	}
	if conf.MaxMediaRetries <= 0 {
		conf.MaxMediaRetries = 3
	}
	if conf.StaleAfter <= 0 {
		conf.StaleAfter = 6 * time.Hour
	}
	return &Importer{
		db:       database,
		store:    store,
		pub:      pub,
		counters: counters,
		log:      log,
		conf:     conf,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register installs the import handler on the worker.
func (im *Importer) Register(w *queue.Worker) {
	w.Handle(JobImportArchive, im.Run)
}

type jobData struct {
	ImportId uuid.UUID `json:"importId"`
	Index    int       `json:"index"`
}

// job builds the invocation that continues imp from its checkpoint. The id
// is derived from the import and the index so a continuation is published
// at most once per checkpoint.
func job(imp *domain.StravaArchiveImport) (queue.Job, error) {
	index := fmt.Sprint(imp.NextActivityIndex)
	return queue.NewJob(JobImportArchive, jobData{ImportId: imp.Id, Index: imp.NextActivityIndex}, imp.Id.String(), index)
}

func archiveKey(id uuid.UUID) string {
	return storage.Key("imports", id.String(), "archive.zip")
}

// actorDir is the key segment under which an actor's files are stored.
// Actor ids are URLs, so the segment is derived from a hash of the id.
func actorDir(actorID string) string {
	return util.JobID("actor", actorID)[:32]
}

// Start stores the uploaded archive, creates the import record and
// publishes its first job. It fails with db.ErrImportInProgress when the
// actor already has an unresolved import that is still making progress.
// An import without a checkpoint for StaleAfter is failed and replaced.
func (im *Importer) Start(ctx context.Context, actorID string, archive []byte) (*domain.StravaArchiveImport, error) {
	actor, err := im.db.ReadActor(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to read actor %s: %w", actorID, err)
	}
	if !actor.Local {
		return nil, fmt.Errorf("actor %s is not local", actorID)
	}
	if err := im.replaceStale(ctx, actorID); err != nil {
		return nil, err
	}

	now := im.now()
	imp := &domain.StravaArchiveImport{
		Id:        uuid.New(),
		ActorId:   actorID,
		Status:    domain.ImportStatusImporting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	imp.ArchiveKey = archiveKey(imp.Id)

	if err := im.store.Save(ctx, imp.ArchiveKey, archive); err != nil {
		return nil, fmt.Errorf("failed to store archive: %w", err)
	}
	if err := im.db.CreateArchiveImport(ctx, imp); err != nil {
		im.deleteArchive(ctx, imp)
		return nil, err
	}

	j, err := job(imp)
	if err == nil {
		err = im.pub.Publish(ctx, j)
	}
	if err != nil {
		imp.Fail(fmt.Errorf("failed to schedule import: %w", err), im.now())
		if _, uerr := im.db.UpdateArchiveImport(ctx, imp); uerr != nil {
			im.log.Errorw("Import: failed to record scheduling failure", "import", imp.Id, "error", uerr)
		}
		im.deleteArchive(ctx, imp)
		return nil, fmt.Errorf("failed to publish import job: %w", err)
	}

	im.log.Infow("Import: started", "import", imp.Id, "actor", actorID, "bytes", len(archive))
	return imp, nil
}

// replaceStale fails the actor's unresolved import when its queue jobs
// stopped running, for example after they were dead-lettered.
func (im *Importer) replaceStale(ctx context.Context, actorID string) error {
	active, err := im.db.ReadActiveArchiveImport(ctx, actorID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read active import of %s: %w", actorID, err)
	}
	idle := im.now().Sub(active.UpdatedAt)
	if idle < im.conf.StaleAfter {
		return db.ErrImportInProgress
	}

	active.Fail(fmt.Errorf("import stalled at activity %d for %s", active.NextActivityIndex, idle.Round(time.Minute)), im.now())
	if err := im.checkpoint(ctx, active); err != nil && !errors.Is(err, errStale) {
		return err
	}
	im.deleteArchive(ctx, active)
	im.log.Warnw("Import: replaced stalled import", "import", active.Id, "actor", actorID, "idle", idle)
	return nil
}

func (im *Importer) deleteArchive(ctx context.Context, imp *domain.StravaArchiveImport) {
	if err := im.store.Delete(ctx, imp.ArchiveKey); err != nil {
		im.log.Warnw("Import: failed to delete archive", "import", imp.Id, "key", imp.ArchiveKey, "error", err)
	}
}

// errStale stops an invocation whose checkpoint was overtaken by another
// invocation of the same import.
var errStale = errors.New("import checkpoint is stale")

// checkpoint persists imp. It returns errStale when the stored record is
// resolved or further along.
func (im *Importer) checkpoint(ctx context.Context, imp *domain.StravaArchiveImport) error {
	imp.UpdatedAt = im.now()
	stored, err := im.db.UpdateArchiveImport(ctx, imp)
	if err != nil {
		return err
	}
	if !stored {
		return errStale
	}
	return nil
}

// readImport loads the import of a job. Missing and resolved imports
// yield nil.
func (im *Importer) readImport(ctx context.Context, j queue.Job) (*domain.StravaArchiveImport, error) {
	var data jobData
	if err := j.Decode(&data); err != nil || data.ImportId == uuid.Nil {
		im.log.Warnw("Import: dropping malformed job", "job", j.ID)
		return nil, nil
	}
	imp, err := im.db.ReadArchiveImport(ctx, data.ImportId)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if imp.Resolved() {
		return nil, nil
	}
	return imp, nil
}
