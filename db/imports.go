package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deemkeen/trailpost/domain"
	"github.com/google/uuid"
)

// ErrImportInProgress is returned when the actor already has an unresolved import.
var ErrImportInProgress = errors.New("db: archive import already in progress")

const (
	importColumns = `id, actor_id, archive_key, status, next_activity_index, pending_media, media_attachment_retry,
		completed_count, failed_count, first_failure_message, created_at, updated_at, resolved_at`

	sqlInsertArchiveImport = `INSERT INTO archive_imports(` + importColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActiveImport  = `SELECT ` + importColumns + ` FROM archive_imports WHERE actor_id = ? AND resolved_at IS NULL`
	sqlSelectImportById    = `SELECT ` + importColumns + ` FROM archive_imports WHERE id = ?`
	sqlUpdateArchiveImport = `UPDATE archive_imports SET status = ?, next_activity_index = ?, pending_media = ?,
		media_attachment_retry = ?, completed_count = ?, failed_count = ?, first_failure_message = ?, updated_at = ?, resolved_at = ?
		WHERE id = ? AND resolved_at IS NULL AND next_activity_index <= ?`
)

// CreateArchiveImport stores a new import. It fails with ErrImportInProgress
// when the actor already has an unresolved one.
func (db *DB) CreateArchiveImport(ctx context.Context, imp *domain.StravaArchiveImport) error {
	pending, err := json.Marshal(nonNilPending(imp.PendingMediaActivities))
	if err != nil {
		return err
	}
	err = db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM archive_imports WHERE actor_id = ? AND resolved_at IS NULL`, imp.ActorId).Scan(&existing)
		if err == nil {
			return ErrImportInProgress
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx, sqlInsertArchiveImport,
			imp.Id.String(),
			imp.ActorId,
			imp.ArchiveKey,
			string(imp.Status),
			imp.NextActivityIndex,
			string(pending),
			imp.MediaAttachmentRetry,
			imp.CompletedCount,
			imp.FailedCount,
			imp.FirstFailureMessage,
			toMillis(imp.CreatedAt),
			toMillis(imp.UpdatedAt),
			nullMillis(imp.ResolvedAt),
		)
		if isUniqueViolation(err) {
			return ErrImportInProgress
		}
		return err
	})
	if errors.Is(err, ErrImportInProgress) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to create archive import: %w", err)
	}
	return nil
}

func (db *DB) ReadArchiveImport(ctx context.Context, id uuid.UUID) (*domain.StravaArchiveImport, error) {
	return scanArchiveImport(db.db.QueryRowContext(ctx, sqlSelectImportById, id.String()))
}

func (db *DB) ReadActiveArchiveImport(ctx context.Context, actorID string) (*domain.StravaArchiveImport, error) {
	return scanArchiveImport(db.db.QueryRowContext(ctx, sqlSelectActiveImport, actorID))
}

// UpdateArchiveImport persists a checkpoint. The write is refused when the
// stored import is already resolved or has advanced past this checkpoint,
// so a stale invocation can never move nextActivityIndex backwards.
// It reports whether the checkpoint was stored.
func (db *DB) UpdateArchiveImport(ctx context.Context, imp *domain.StravaArchiveImport) (bool, error) {
	pending, err := json.Marshal(nonNilPending(imp.PendingMediaActivities))
	if err != nil {
		return false, err
	}
	stored := false
	err = db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateArchiveImport,
			string(imp.Status),
			imp.NextActivityIndex,
			string(pending),
			imp.MediaAttachmentRetry,
			imp.CompletedCount,
			imp.FailedCount,
			imp.FirstFailureMessage,
			toMillis(imp.UpdatedAt),
			nullMillis(imp.ResolvedAt),
			imp.Id.String(),
			imp.NextActivityIndex,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		stored = n == 1
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to update archive import %s: %w", imp.Id, err)
	}
	return stored, nil
}

func scanArchiveImport(row rowScanner) (*domain.StravaArchiveImport, error) {
	var (
		imp              domain.StravaArchiveImport
		idStr, status    string
		pending          string
		created, updated int64
		resolved         sql.NullInt64
	)
	err := row.Scan(
		&idStr,
		&imp.ActorId,
		&imp.ArchiveKey,
		&status,
		&imp.NextActivityIndex,
		&pending,
		&imp.MediaAttachmentRetry,
		&imp.CompletedCount,
		&imp.FailedCount,
		&imp.FirstFailureMessage,
		&created,
		&updated,
		&resolved,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	imp.Id, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt archive import id %q: %w", idStr, err)
	}
	if err := json.Unmarshal([]byte(pending), &imp.PendingMediaActivities); err != nil {
		return nil, fmt.Errorf("corrupt pending media on %s: %w", idStr, err)
	}
	imp.Status = domain.ImportStatus(status)
	imp.CreatedAt = fromMillis(created)
	imp.UpdatedAt = fromMillis(updated)
	imp.ResolvedAt = fromNullMillis(resolved)
	return &imp, nil
}

func nonNilPending(v []domain.PendingMedia) []domain.PendingMedia {
	if v == nil {
		return []domain.PendingMedia{}
	}
	return v
}
