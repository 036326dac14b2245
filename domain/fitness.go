package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	FitnessSourceArchive = "archive"
	FitnessSourceSync    = "sync"
)

// FitnessActivity is a single GPS or workout record
type FitnessActivity struct {
	Id              uuid.UUID
	ActorId         string
	ExternalId      string // id assigned by the source, unique per actor
	Source          string
	ActivityType    string
	Name            string
	StartTime       time.Time
	DurationSeconds float64
	DistanceMeters  float64
	MapPolylines    []string // encoded visible trace segments
	FileKey         string   // storage key of the original fitness file
	StatusId        string
	SupersededBy    *uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type ImportStatus string

const (
	ImportStatusImporting ImportStatus = "importing"
	ImportStatusCompleted ImportStatus = "completed"
	ImportStatusFailed    ImportStatus = "failed"
)

// PendingMedia is an activity whose archive media still has to be attached
// to its status.
type PendingMedia struct {
	ActivityId uuid.UUID `json:"activityId"`
	StatusId   string    `json:"statusId"`
	MediaPaths []string  `json:"mediaPaths"`
}

// StravaArchiveImport is the checkpoint record of a resumable archive import
type StravaArchiveImport struct {
	Id                     uuid.UUID
	ActorId                string
	ArchiveKey             string
	Status                 ImportStatus
	NextActivityIndex      int
	PendingMediaActivities []PendingMedia
	MediaAttachmentRetry   int
	CompletedCount         int
	FailedCount            int
	FirstFailureMessage    string
	CreatedAt              time.Time
	UpdatedAt              time.Time
	ResolvedAt             *time.Time
}

// Resolved reports whether the import reached a terminal state.
func (imp *StravaArchiveImport) Resolved() bool {
	return imp.ResolvedAt != nil
}

// RecordFailure counts a failed unit of work, keeping the first message.
func (imp *StravaArchiveImport) RecordFailure(err error) {
	imp.FailedCount++
	if imp.FirstFailureMessage == "" && err != nil {
		imp.FirstFailureMessage = err.Error()
	}
}

// Resolve moves the import into its terminal state. An import that failed
// every activity it attempted is marked failed, otherwise completed.
func (imp *StravaArchiveImport) Resolve(now time.Time) {
	if imp.Resolved() {
		return
	}
	if imp.CompletedCount == 0 && imp.FailedCount > 0 {
		imp.Status = ImportStatusFailed
	} else {
		imp.Status = ImportStatusCompleted
	}
	imp.ResolvedAt = &now
	imp.UpdatedAt = now
}

// Fail resolves the import as failed with the given reason.
func (imp *StravaArchiveImport) Fail(err error, now time.Time) {
	if imp.Resolved() {
		return
	}
	if imp.FirstFailureMessage == "" && err != nil {
		imp.FirstFailureMessage = err.Error()
	}
	imp.Status = ImportStatusFailed
	imp.ResolvedAt = &now
	imp.UpdatedAt = now
}
