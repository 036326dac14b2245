package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/trailpost/domain"
	"github.com/google/uuid"
)

const (
	fitnessColumns = `id, actor_id, external_id, source, activity_type, name, start_time, duration_seconds, distance_meters,
		map_polylines, file_key, status_id, superseded_by, created_at, updated_at`

	sqlInsertFitnessActivity = `INSERT INTO fitness_activities(` + fitnessColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_id, external_id) DO NOTHING`
	sqlSelectFitnessByExternalId = `SELECT ` + fitnessColumns + ` FROM fitness_activities WHERE actor_id = ? AND external_id = ?`
	sqlSelectFitnessInWindow     = `SELECT ` + fitnessColumns + ` FROM fitness_activities
		WHERE actor_id = ? AND start_time < ? AND start_time + CAST(duration_seconds * 1000 AS INTEGER) > ?
		ORDER BY start_time`
	sqlUpdateFitnessActivity = `UPDATE fitness_activities SET activity_type = ?, name = ?, start_time = ?, duration_seconds = ?,
		distance_meters = ?, map_polylines = ?, file_key = ?, status_id = ?, superseded_by = ?, updated_at = ? WHERE id = ?`
)

// CreateFitnessActivity inserts the activity unless the actor already has
// one with the same external id. It reports whether this call created it.
func (db *DB) CreateFitnessActivity(ctx context.Context, a *domain.FitnessActivity) (bool, error) {
	polylines, err := json.Marshal(nonNilStrings(a.MapPolylines))
	if err != nil {
		return false, err
	}
	created := false
	err = db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertFitnessActivity,
			a.Id.String(),
			a.ActorId,
			a.ExternalId,
			a.Source,
			a.ActivityType,
			a.Name,
			toMillis(a.StartTime),
			a.DurationSeconds,
			a.DistanceMeters,
			string(polylines),
			a.FileKey,
			a.StatusId,
			supersededString(a.SupersededBy),
			toMillis(a.CreatedAt),
			toMillis(a.UpdatedAt),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		created = n == 1
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to create fitness activity %s: %w", a.ExternalId, err)
	}
	return created, nil
}

func (db *DB) ReadFitnessActivityByExternalId(ctx context.Context, actorID, externalID string) (*domain.FitnessActivity, error) {
	return scanFitnessActivity(db.db.QueryRowContext(ctx, sqlSelectFitnessByExternalId, actorID, externalID))
}

// ReadFitnessActivitiesInWindow returns the actor's activities whose time
// span intersects [from, to).
func (db *DB) ReadFitnessActivitiesInWindow(ctx context.Context, actorID string, from, to time.Time) ([]domain.FitnessActivity, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFitnessInWindow, actorID, toMillis(to), toMillis(from))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FitnessActivity
	for rows.Next() {
		a, err := scanFitnessActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (db *DB) UpdateFitnessActivity(ctx context.Context, a *domain.FitnessActivity) error {
	polylines, err := json.Marshal(nonNilStrings(a.MapPolylines))
	if err != nil {
		return err
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateFitnessActivity,
			a.ActivityType,
			a.Name,
			toMillis(a.StartTime),
			a.DurationSeconds,
			a.DistanceMeters,
			string(polylines),
			a.FileKey,
			a.StatusId,
			supersededString(a.SupersededBy),
			toMillis(a.UpdatedAt),
			a.Id.String(),
		)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFitnessActivity(row rowScanner) (*domain.FitnessActivity, error) {
	var (
		a                   domain.FitnessActivity
		idStr, superseded   string
		polylines           string
		start, created, upd int64
	)
	err := row.Scan(
		&idStr,
		&a.ActorId,
		&a.ExternalId,
		&a.Source,
		&a.ActivityType,
		&a.Name,
		&start,
		&a.DurationSeconds,
		&a.DistanceMeters,
		&polylines,
		&a.FileKey,
		&a.StatusId,
		&superseded,
		&created,
		&upd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Id, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt fitness activity id %q: %w", idStr, err)
	}
	if superseded != "" {
		if by, err := uuid.Parse(superseded); err == nil {
			a.SupersededBy = &by
		}
	}
	if err := json.Unmarshal([]byte(polylines), &a.MapPolylines); err != nil {
		return nil, fmt.Errorf("corrupt polylines on %s: %w", idStr, err)
	}
	a.StartTime = fromMillis(start)
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(upd)
	return &a, nil
}

func supersededString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
