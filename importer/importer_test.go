package importer

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/trailpost/counter"
	"github.com/deemkeen/trailpost/db"
	"github.com/deemkeen/trailpost/domain"
	"github.com/deemkeen/trailpost/fitness"
	"github.com/deemkeen/trailpost/queue"
	"github.com/deemkeen/trailpost/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const actorID = "https://example.com/users/ann"

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (p *recordingPublisher) Publish(_ context.Context, j queue.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, j)
	return nil
}

func (p *recordingPublisher) pop() (queue.Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.jobs) == 0 {
		return queue.Job{}, false
	}
	j := p.jobs[0]
	p.jobs = p.jobs[1:]
	return j, true
}

type fixture struct {
	im       *Importer
	db       *db.DB
	pub      *recordingPublisher
	counters *counter.Engine
	root     string
}

func setup(t *testing.T, conf Config) *fixture {
	t.Helper()
	ctx := context.Background()
	database, err := db.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	_, err = database.CreateActor(ctx, &domain.Actor{
		Id:           actorID,
		Username:     "ann",
		Domain:       "example.com",
		FollowersURI: actorID + "/followers",
		Local:        true,
	})
	require.NoError(t, err)

	root := t.TempDir()
	store, err := storage.NewLocal(root)
	require.NoError(t, err)

	if conf.Domain == "" {
		conf.Domain = "example.com"
	}
	pub := &recordingPublisher{}
	counters := counter.New(database)
	return &fixture{
		im:       New(database, store, pub, counters, zap.NewNop().Sugar(), conf),
		db:       database,
		pub:      pub,
		counters: counters,
		root:     root,
	}
}

// drain runs published jobs until none are left and returns how many ran.
func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	ran := 0
	for ; ran < 100; ran++ {
		j, ok := f.pub.pop()
		if !ok {
			return ran
		}
		require.Equal(t, JobImportArchive, j.Name)
		require.NoError(t, f.im.Run(context.Background(), j))
	}
	t.Fatal("import did not finish")
	return ran
}

func (f *fixture) files(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(filepath.Join(f.root, dir), func(p string, d fs.DirEntry, err error) error {
		if os.IsNotExist(err) {
			return filepath.SkipDir
		}
		if err != nil {
			return err
		}
		if !d.IsDir() {
			out = append(out, p)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) statusCount(t *testing.T) int64 {
	t.Helper()
	v, err := f.counters.Get(context.Background(), counter.StatusCountKey(actorID))
	require.NoError(t, err)
	return v
}

var day = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

func gpxTrack(start time.Time, lat float64, n int) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1"><trk><name>Track</name><trkseg>`)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<trkpt lat="%.6f" lon="13.400000"><time>%s</time></trkpt>`,
			lat+float64(i)*0.0005, start.Add(time.Duration(i)*time.Minute).Format(time.RFC3339))
	}
	b.WriteString(`</trkseg></trk></gpx>`)
	return []byte(b.String())
}

type csvRow struct {
	id, name, file, media string
	start                 time.Time
	elapsed               int
}

func buildArchive(t *testing.T, rows []csvRow, files map[string][]byte) []byte {
	t.Helper()
	var csv strings.Builder
	csv.WriteString("Activity ID,Activity Date,Activity Name,Activity Type,Elapsed Time,Distance,Filename,Media\n")
	for _, r := range rows {
		fmt.Fprintf(&csv, "%s,\"%s\",%s,Run,%d,5.0,%s,%s\n",
			r.id, r.start.Format("Jan 2, 2006, 3:04:05 PM"), r.name, r.elapsed, r.file, r.media)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("export/activities.csv")
	require.NoError(t, err)
	_, err = w.Write([]byte(csv.String()))
	require.NoError(t, err)
	for name, data := range files {
		w, err := zw.Create("export/" + name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestStartRejectsSecondImport(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	imp, err := f.im.Start(ctx, actorID, []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusImporting, imp.Status)
	require.Len(t, f.pub.jobs, 1)

	_, err = f.im.Start(ctx, actorID, []byte("second"))
	assert.ErrorIs(t, err, db.ErrImportInProgress)
	assert.Len(t, f.pub.jobs, 1)
	assert.Len(t, f.files(t, "imports"), 1, "rejected upload is removed")

	_, err = f.im.Start(ctx, "https://example.com/users/nobody", []byte("x"))
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestStartReplacesStalledImport(t *testing.T) {
	f := setup(t, Config{StaleAfter: time.Hour})
	ctx := context.Background()

	stalled, err := f.im.Start(ctx, actorID, []byte("first"))
	require.NoError(t, err)
	oldJob, ok := f.pub.pop()
	require.True(t, ok)

	later := time.Now().UTC().Add(2 * time.Hour)
	f.im.now = func() time.Time { return later }

	imp, err := f.im.Start(ctx, actorID, []byte("second"))
	require.NoError(t, err)
	assert.NotEqual(t, stalled.Id, imp.Id)

	old, err := f.db.ReadArchiveImport(ctx, stalled.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusFailed, old.Status)
	assert.NotNil(t, old.ResolvedAt)
	assert.Contains(t, old.FirstFailureMessage, "stalled")
	assert.Len(t, f.files(t, "imports"), 1, "the stalled archive is removed")

	// a late job of the replaced import does nothing
	require.NoError(t, f.im.Run(ctx, oldJob))
	old, err = f.db.ReadArchiveImport(ctx, stalled.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusFailed, old.Status)

	active, err := f.db.ReadActiveArchiveImport(ctx, actorID)
	require.NoError(t, err)
	assert.Equal(t, imp.Id, active.Id)
}

func TestRunImportsInBatches(t *testing.T) {
	f := setup(t, Config{BatchSize: 2})
	ctx := context.Background()

	data := buildArchive(t, []csvRow{
		{id: "1", name: "One", file: "activities/1.gpx", start: day, elapsed: 600},
		{id: "2", name: "Notes", file: "activities/2.kml", start: day.AddDate(0, 0, 1), elapsed: 600},
		{id: "3", name: "Three", file: "activities/3.gpx", start: day.AddDate(0, 0, 2), elapsed: 600},
		{id: "4", name: "Missing", file: "activities/4.gpx", start: day.AddDate(0, 0, 3), elapsed: 600},
		{id: "5", name: "Five", file: "activities/5.GPX", start: day.AddDate(0, 0, 4), elapsed: 600},
	}, map[string][]byte{
		"activities/1.gpx": gpxTrack(day, 52.5, 11),
		"activities/2.kml": []byte("<kml/>"),
		"activities/3.gpx": gpxTrack(day.AddDate(0, 0, 2), 52.5, 11),
		"activities/5.GPX": gpxTrack(day.AddDate(0, 0, 4), 52.5, 11),
	})

	imp, err := f.im.Start(ctx, actorID, data)
	require.NoError(t, err)
	assert.Equal(t, 3, f.drain(t), "one job per batch of two rows")

	stored, err := f.db.ReadArchiveImport(ctx, imp.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusCompleted, stored.Status)
	assert.NotNil(t, stored.ResolvedAt)
	assert.Equal(t, 5, stored.NextActivityIndex)
	assert.Equal(t, 3, stored.CompletedCount)
	assert.Equal(t, 1, stored.FailedCount)
	assert.Contains(t, stored.FirstFailureMessage, "activities/4.gpx")

	assert.Equal(t, int64(3), f.statusCount(t))
	assert.Empty(t, f.files(t, "imports"), "archive is deleted once resolved")
	assert.Len(t, f.files(t, "fitness"), 3)
	assert.Len(t, f.files(t, filepath.Join("fitness", actorDir(actorID))), 3,
		"files are stored below a key segment derived from the actor URL")

	a, err := f.db.ReadFitnessActivityByExternalId(ctx, actorID, "1")
	require.NoError(t, err)
	assert.Equal(t, "One", a.Name)
	assert.Equal(t, 600.0, a.DurationSeconds)
	assert.Equal(t, day, a.StartTime)
	assert.InDelta(t, 556, a.DistanceMeters, 5)
	require.NotEmpty(t, a.StatusId)
	assert.NotEmpty(t, a.MapPolylines)

	s, err := f.db.ReadStatus(ctx, a.StatusId)
	require.NoError(t, err)
	assert.True(t, s.Local)
	assert.Equal(t, actorID, s.ActorId)
	assert.Contains(t, s.Content, "One")
	assert.Contains(t, s.Content, "10:00")
}

func TestRunNeverReprocessesCheckpointedRows(t *testing.T) {
	f := setup(t, Config{BatchSize: 1})
	ctx := context.Background()

	data := buildArchive(t, []csvRow{
		{id: "1", name: "One", file: "activities/1.gpx", start: day, elapsed: 600},
		{id: "2", name: "Two", file: "activities/2.gpx", start: day.AddDate(0, 0, 1), elapsed: 600},
	}, map[string][]byte{
		"activities/1.gpx": gpxTrack(day, 52.5, 5),
		"activities/2.gpx": gpxTrack(day.AddDate(0, 0, 1), 52.5, 5),
	})
	imp, err := f.im.Start(ctx, actorID, data)
	require.NoError(t, err)

	first, ok := f.pub.pop()
	require.True(t, ok)
	require.NoError(t, f.im.Run(ctx, first))
	// redelivery of the same job continues from the checkpoint
	require.NoError(t, f.im.Run(ctx, first))
	f.drain(t)

	stored, err := f.db.ReadArchiveImport(ctx, imp.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.CompletedCount)
	assert.Equal(t, int64(2), f.statusCount(t))
	assert.Len(t, f.files(t, "fitness"), 2)

	// a job for a resolved import is a no-op
	require.NoError(t, f.im.Run(ctx, first))
	assert.Equal(t, int64(2), f.statusCount(t))
}

func TestReimportDoesNotDuplicate(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	data := buildArchive(t, []csvRow{
		{id: "1", name: "One", file: "activities/1.gpx", start: day, elapsed: 600},
	}, map[string][]byte{"activities/1.gpx": gpxTrack(day, 52.5, 5)})

	_, err := f.im.Start(ctx, actorID, data)
	require.NoError(t, err)
	f.drain(t)
	imp, err := f.im.Start(ctx, actorID, data)
	require.NoError(t, err)
	f.drain(t)

	stored, err := f.db.ReadArchiveImport(ctx, imp.Id)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CompletedCount)
	assert.Equal(t, int64(1), f.statusCount(t))
	assert.Len(t, f.files(t, "fitness"), 1)
}

func TestOverlappingActivityIsSuperseded(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	later := day.Add(5 * time.Minute)
	data := buildArchive(t, []csvRow{
		{id: "watch", name: "Watch", file: "activities/w.gpx", start: day, elapsed: 1800},
		{id: "phone", name: "Phone", file: "activities/p.gpx", start: later, elapsed: 1800},
	}, map[string][]byte{
		"activities/w.gpx": gpxTrack(day, 52.5, 5),
		"activities/p.gpx": gpxTrack(later, 52.5, 5),
	})
	_, err := f.im.Start(ctx, actorID, data)
	require.NoError(t, err)
	f.drain(t)

	watch, err := f.db.ReadFitnessActivityByExternalId(ctx, actorID, "watch")
	require.NoError(t, err)
	phone, err := f.db.ReadFitnessActivityByExternalId(ctx, actorID, "phone")
	require.NoError(t, err)

	assert.NotEmpty(t, watch.StatusId)
	assert.Nil(t, watch.SupersededBy)
	require.NotNil(t, phone.SupersededBy)
	assert.Equal(t, watch.Id, *phone.SupersededBy)
	assert.Empty(t, phone.StatusId)
	assert.Equal(t, int64(1), f.statusCount(t))
}

func TestOverlapChainKeepsOnePrimary(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	// a and b overlap by 83%, b and c too, a and c only by 67%
	b, c := day.Add(5*time.Minute), day.Add(10*time.Minute)
	data := buildArchive(t, []csvRow{
		{id: "a", name: "A", file: "activities/a.gpx", start: day, elapsed: 1800},
		{id: "b", name: "B", file: "activities/b.gpx", start: b, elapsed: 1800},
		{id: "c", name: "C", file: "activities/c.gpx", start: c, elapsed: 1800},
	}, map[string][]byte{
		"activities/a.gpx": gpxTrack(day, 52.5, 5),
		"activities/b.gpx": gpxTrack(b, 52.5, 5),
		"activities/c.gpx": gpxTrack(c, 52.5, 5),
	})
	_, err := f.im.Start(ctx, actorID, data)
	require.NoError(t, err)
	f.drain(t)

	primary, err := f.db.ReadFitnessActivityByExternalId(ctx, actorID, "a")
	require.NoError(t, err)
	assert.NotEmpty(t, primary.StatusId)
	assert.Nil(t, primary.SupersededBy)

	for _, id := range []string{"b", "c"} {
		a, err := f.db.ReadFitnessActivityByExternalId(ctx, actorID, id)
		require.NoError(t, err)
		require.NotNil(t, a.SupersededBy, id)
		assert.Equal(t, primary.Id, *a.SupersededBy, id)
		assert.Empty(t, a.StatusId, id)
	}
	assert.Equal(t, int64(1), f.statusCount(t))
}

func TestPrivacyZoneIsNotPublished(t *testing.T) {
	f := setup(t, Config{PointBudget: 100})
	ctx := context.Background()
	lat, lng := 52.5, 13.4
	require.NoError(t, f.db.UpdateActorPrivacy(ctx, actorID, &lat, &lng, 50))

	data := buildArchive(t, []csvRow{
		{id: "1", name: "From home", file: "activities/1.gpx", start: day, elapsed: 600},
	}, map[string][]byte{"activities/1.gpx": gpxTrack(day, lat, 10)})
	_, err := f.im.Start(ctx, actorID, data)
	require.NoError(t, err)
	f.drain(t)

	a, err := f.db.ReadFitnessActivityByExternalId(ctx, actorID, "1")
	require.NoError(t, err)
	require.Len(t, a.MapPolylines, 1)
	points, err := fitness.DecodePolyline(a.MapPolylines[0])
	require.NoError(t, err)
	assert.Len(t, points, 9)
	for _, p := range points {
		assert.Greater(t, fitness.Distance(p, fitness.Point{Lat: lat, Lng: lng}), 50.0)
	}
}

func TestMediaIsAttached(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	data := buildArchive(t, []csvRow{
		{id: "1", name: "Pics", file: "activities/1.gpx", media: "media/a.jpg|media/b.png", start: day, elapsed: 600},
	}, map[string][]byte{
		"activities/1.gpx": gpxTrack(day, 52.5, 5),
		"media/a.jpg":      []byte("jpeg"),
		"media/b.png":      []byte("png"),
	})
	imp, err := f.im.Start(ctx, actorID, data)
	require.NoError(t, err)
	f.drain(t)

	a, err := f.db.ReadFitnessActivityByExternalId(ctx, actorID, "1")
	require.NoError(t, err)
	s, err := f.db.ReadStatus(ctx, a.StatusId)
	require.NoError(t, err)
	require.Len(t, s.Attachments, 2)
	assert.Equal(t, "image/jpeg", s.Attachments[0].MediaType)
	assert.True(t, strings.HasPrefix(s.Attachments[0].URL, "https://example.com/media/"))

	media, err := f.counters.Get(ctx, counter.MediaCountKey(actorID))
	require.NoError(t, err)
	assert.Equal(t, int64(2), media)

	stored, err := f.db.ReadArchiveImport(ctx, imp.Id)
	require.NoError(t, err)
	assert.Empty(t, stored.PendingMediaActivities)
	assert.Len(t, f.files(t, "media"), 2)
}

// flakyDB fails one write and then behaves normally.
type flakyDB struct {
	*db.DB
	failStatusLink bool
	failCheckpoint func(imp *domain.StravaArchiveImport) bool
}

var errConnReset = errors.New("connection reset")

func (d *flakyDB) UpdateFitnessActivity(ctx context.Context, a *domain.FitnessActivity) error {
	if d.failStatusLink && a.StatusId != "" {
		d.failStatusLink = false
		return errConnReset
	}
	return d.DB.UpdateFitnessActivity(ctx, a)
}

func (d *flakyDB) UpdateArchiveImport(ctx context.Context, imp *domain.StravaArchiveImport) (bool, error) {
	if d.failCheckpoint != nil && d.failCheckpoint(imp) {
		d.failCheckpoint = nil
		return false, errConnReset
	}
	return d.DB.UpdateArchiveImport(ctx, imp)
}

func TestMediaSurvivesInterruptedRow(t *testing.T) {
	tests := []struct {
		name  string
		flaky func(d *flakyDB)
	}{
		{"status link fails", func(d *flakyDB) { d.failStatusLink = true }},
		{"media checkpoint fails", func(d *flakyDB) {
			d.failCheckpoint = func(imp *domain.StravaArchiveImport) bool {
				return imp.NextActivityIndex == 0 && len(imp.PendingMediaActivities) > 0
			}
		}},
		{"row checkpoint fails", func(d *flakyDB) {
			d.failCheckpoint = func(imp *domain.StravaArchiveImport) bool {
				return imp.NextActivityIndex == 1
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, Config{})
			ctx := context.Background()
			flaky := &flakyDB{DB: f.db}
			tt.flaky(flaky)
			f.im.db = flaky

			data := buildArchive(t, []csvRow{
				{id: "1", name: "Pics", file: "activities/1.gpx", media: "media/a.jpg", start: day, elapsed: 600},
			}, map[string][]byte{
				"activities/1.gpx": gpxTrack(day, 52.5, 5),
				"media/a.jpg":      []byte("jpeg"),
			})
			imp, err := f.im.Start(ctx, actorID, data)
			require.NoError(t, err)
			j, ok := f.pub.pop()
			require.True(t, ok)

			assert.ErrorIs(t, f.im.Run(ctx, j), errConnReset)
			// the queue redelivers the same job
			require.NoError(t, f.im.Run(ctx, j))
			f.drain(t)

			stored, err := f.db.ReadArchiveImport(ctx, imp.Id)
			require.NoError(t, err)
			assert.Equal(t, domain.ImportStatusCompleted, stored.Status)
			assert.Equal(t, 1, stored.CompletedCount)
			assert.Empty(t, stored.PendingMediaActivities)

			a, err := f.db.ReadFitnessActivityByExternalId(ctx, actorID, "1")
			require.NoError(t, err)
			s, err := f.db.ReadStatus(ctx, a.StatusId)
			require.NoError(t, err)
			assert.Len(t, s.Attachments, 1)
			assert.Equal(t, int64(1), f.statusCount(t))

			media, err := f.counters.Get(ctx, counter.MediaCountKey(actorID))
			require.NoError(t, err)
			assert.Equal(t, int64(1), media)
		})
	}
}

func TestMediaGivesUpAfterRetries(t *testing.T) {
	f := setup(t, Config{MaxMediaRetries: 2})
	ctx := context.Background()

	data := buildArchive(t, []csvRow{
		{id: "1", name: "Pics", file: "activities/1.gpx", media: "media/a.jpg|media/missing.jpg", start: day, elapsed: 600},
	}, map[string][]byte{
		"activities/1.gpx": gpxTrack(day, 52.5, 5),
		"media/a.jpg":      []byte("jpeg"),
	})
	imp, err := f.im.Start(ctx, actorID, data)
	require.NoError(t, err)
	j, ok := f.pub.pop()
	require.True(t, ok)

	require.Error(t, f.im.Run(ctx, j), "first media failure is retried by the queue")
	stored, err := f.db.ReadArchiveImport(ctx, imp.Id)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.MediaAttachmentRetry)
	assert.Len(t, stored.PendingMediaActivities, 1)
	assert.Empty(t, f.files(t, "media"), "partially saved media is removed")

	require.NoError(t, f.im.Run(ctx, j))
	stored, err = f.db.ReadArchiveImport(ctx, imp.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.CompletedCount)
	assert.Empty(t, stored.PendingMediaActivities)

	a, err := f.db.ReadFitnessActivityByExternalId(ctx, actorID, "1")
	require.NoError(t, err)
	s, err := f.db.ReadStatus(ctx, a.StatusId)
	require.NoError(t, err)
	assert.Empty(t, s.Attachments)
}

func TestInvalidArchiveFailsImport(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	imp, err := f.im.Start(ctx, actorID, []byte("not a zip"))
	require.NoError(t, err)
	f.drain(t)

	stored, err := f.db.ReadArchiveImport(ctx, imp.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusFailed, stored.Status)
	assert.NotEmpty(t, stored.FirstFailureMessage)
	assert.Empty(t, f.files(t, "imports"))

	// the actor may start again
	_, err = f.im.Start(ctx, actorID, []byte("again"))
	assert.NoError(t, err)
}

func TestRunIgnoresUnknownImports(t *testing.T) {
	f := setup(t, Config{})
	j, err := queue.NewJob(JobImportArchive, jobData{ImportId: uuid.New()}, "x")
	require.NoError(t, err)
	assert.NoError(t, f.im.Run(context.Background(), j))

	assert.NoError(t, f.im.Run(context.Background(), queue.Job{ID: "bad", Name: JobImportArchive, Data: []byte(`"nope"`)}))
}

func TestImportThroughWorker(t *testing.T) {
	f := setup(t, Config{BatchSize: 1})
	ctx := context.Background()

	q := queue.NewMemoryQueue(3, queue.NoBackoff)
	f.im.pub = q
	w := queue.NewWorker(q, zap.NewNop().Sugar(), 2)
	f.im.Register(w)

	data := buildArchive(t, []csvRow{
		{id: "1", name: "One", file: "activities/1.gpx", start: day, elapsed: 600},
		{id: "2", name: "Two", file: "activities/2.gpx", start: day.AddDate(0, 0, 1), elapsed: 600},
		{id: "3", name: "Three", file: "activities/3.gpx", start: day.AddDate(0, 0, 2), elapsed: 600},
	}, map[string][]byte{
		"activities/1.gpx": gpxTrack(day, 52.5, 5),
		"activities/2.gpx": gpxTrack(day.AddDate(0, 0, 1), 52.5, 5),
		"activities/3.gpx": gpxTrack(day.AddDate(0, 0, 2), 52.5, 5),
	})
	imp, err := f.im.Start(ctx, actorID, data)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()
	require.Eventually(t, func() bool {
		stored, err := f.db.ReadArchiveImport(ctx, imp.Id)
		return err == nil && stored.Resolved()
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int64(3), f.statusCount(t))
	assert.Empty(t, q.Dead())
}
