package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/trailpost/domain"
)

const (
	sqlInsertStatus = `INSERT INTO statuses(id, actor_id, type, url, content, summary, reply, original_status_id,
		to_json, cc_json, attachments_json, tags_json, visibility, sensitive, local, multiple, end_time, voters_count, created_at, edited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	sqlSelectStatusById = `SELECT id, actor_id, type, url, content, summary, reply, original_status_id,
		to_json, cc_json, attachments_json, tags_json, visibility, sensitive, local, multiple, end_time, voters_count, created_at, edited_at
		FROM statuses WHERE id = ?`
	sqlSelectStatusExists    = `SELECT 1 FROM statuses WHERE id = ?`
	sqlUpdateStatusContent   = `UPDATE statuses SET content = ?, summary = ?, sensitive = ?, edited_at = ? WHERE id = ?`
	sqlUpdateStatusPoll      = `UPDATE statuses SET voters_count = ?, end_time = COALESCE(?, end_time) WHERE id = ?`
	sqlUpdateAttachments     = `UPDATE statuses SET attachments_json = ? WHERE id = ?`
	sqlSelectAttachments     = `SELECT attachments_json FROM statuses WHERE id = ?`
	sqlDeleteStatus          = `DELETE FROM statuses WHERE id = ?`
	sqlCountStatuses         = `SELECT COUNT(*) FROM statuses`
	sqlInsertPollChoice      = `INSERT INTO poll_choices(status_id, position, name, total) VALUES (?, ?, ?, ?) ON CONFLICT(status_id, name) DO NOTHING`
	sqlUpdatePollChoice      = `UPDATE poll_choices SET total = ? WHERE status_id = ? AND name = ?`
	sqlSelectPollChoices     = `SELECT name, total FROM poll_choices WHERE status_id = ? ORDER BY position`
	sqlDeletePollChoices     = `DELETE FROM poll_choices WHERE status_id = ?`
	sqlSelectRepliesOfStatus = `SELECT id FROM statuses WHERE reply = ? ORDER BY created_at`
)

// CreateStatus inserts the status unless a status with the same id exists.
// It reports whether this call created the row.
func (db *DB) CreateStatus(ctx context.Context, s *domain.Status) (bool, error) {
	to, cc, attachments, tags, err := encodeStatusLists(s)
	if err != nil {
		return false, err
	}
	created := false
	err = db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		created = false
		res, err := tx.ExecContext(ctx, sqlInsertStatus,
			s.Id,
			s.ActorId,
			s.Type,
			s.URL,
			s.Content,
			s.Summary,
			s.Reply,
			s.OriginalStatusId,
			to,
			cc,
			attachments,
			tags,
			s.Visibility,
			boolToInt(s.Sensitive),
			boolToInt(s.Local),
			boolToInt(s.Multiple),
			nullMillis(s.EndTime),
			s.VotersCount,
			toMillis(s.CreatedAt),
			nullMillis(s.EditedAt),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		for i, choice := range s.Choices {
			if _, err := tx.ExecContext(ctx, sqlInsertPollChoice, s.Id, i, choice.Name, choice.Total); err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to create status %s: %w", s.Id, err)
	}
	return created, nil
}

func (db *DB) HasStatus(ctx context.Context, id string) (bool, error) {
	var one int
	err := db.db.QueryRowContext(ctx, sqlSelectStatusExists, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (db *DB) ReadStatus(ctx context.Context, id string) (*domain.Status, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectStatusById, id)
	var (
		s                          domain.Status
		to, cc, attachments, tags  string
		sensitive, local, multiple int
		endTime, editedAt          sql.NullInt64
		createdAt                  int64
	)
	err := row.Scan(
		&s.Id,
		&s.ActorId,
		&s.Type,
		&s.URL,
		&s.Content,
		&s.Summary,
		&s.Reply,
		&s.OriginalStatusId,
		&to,
		&cc,
		&attachments,
		&tags,
		&s.Visibility,
		&sensitive,
		&local,
		&multiple,
		&endTime,
		&s.VotersCount,
		&createdAt,
		&editedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Sensitive = sensitive == 1
	s.Local = local == 1
	s.Multiple = multiple == 1
	s.EndTime = fromNullMillis(endTime)
	s.EditedAt = fromNullMillis(editedAt)
	s.CreatedAt = fromMillis(createdAt)
	if err := decodeStatusLists(&s, to, cc, attachments, tags); err != nil {
		return nil, err
	}

	if s.Type == domain.StatusTypeQuestion {
		choices, err := db.readPollChoices(ctx, s.Id)
		if err != nil {
			return nil, err
		}
		s.Choices = choices
	}
	return &s, nil
}

func (db *DB) readPollChoices(ctx context.Context, statusID string) ([]domain.PollChoice, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPollChoices, statusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var choices []domain.PollChoice
	for rows.Next() {
		var c domain.PollChoice
		if err := rows.Scan(&c.Name, &c.Total); err != nil {
			return nil, err
		}
		choices = append(choices, c)
	}
	return choices, rows.Err()
}

// ReadReplyIds returns the ids of stored statuses replying to statusID.
func (db *DB) ReadReplyIds(ctx context.Context, statusID string) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectRepliesOfStatus, statusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateStatusContent stores an edit of content and summary.
func (db *DB) UpdateStatusContent(ctx context.Context, id, content, summary string, sensitive bool, editedAt time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateStatusContent, content, summary, boolToInt(sensitive), toMillis(editedAt), id)
		return err
	})
}

// UpdatePollVotes sets the totals of the named choices. Choices that are
// not part of the stored poll are ignored.
func (db *DB) UpdatePollVotes(ctx context.Context, id string, choices []domain.PollChoice, votersCount int, endTime *time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, c := range choices {
			if _, err := tx.ExecContext(ctx, sqlUpdatePollChoice, c.Total, id, c.Name); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, sqlUpdateStatusPoll, votersCount, nullMillis(endTime), id)
		return err
	})
}

// AddStatusAttachments appends attachments whose URL is not yet present
// and returns how many were added.
func (db *DB) AddStatusAttachments(ctx context.Context, id string, attachments []domain.Attachment) (int, error) {
	added := 0
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		added = 0
		var raw string
		err := tx.QueryRowContext(ctx, sqlSelectAttachments, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var existing []domain.Attachment
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			return fmt.Errorf("corrupt attachments on %s: %w", id, err)
		}
		seen := make(map[string]bool, len(existing))
		for _, a := range existing {
			seen[a.URL] = true
		}
		for _, a := range attachments {
			if !seen[a.URL] {
				existing = append(existing, a)
				seen[a.URL] = true
				added++
			}
		}
		if added == 0 {
			return nil
		}
		encoded, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, sqlUpdateAttachments, string(encoded), id)
		return err
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// DeleteStatus removes the status and its poll choices and reports whether
// this call removed it. Deleting a missing status is not an error.
func (db *DB) DeleteStatus(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlDeletePollChoices, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, sqlDeleteStatus, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n == 1
		return err
	})
	return deleted, err
}

func (db *DB) CountStatuses(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountStatuses).Scan(&n)
	return n, err
}

func encodeStatusLists(s *domain.Status) (to, cc, attachments, tags string, err error) {
	values := []interface{}{nonNilStrings(s.To), nonNilStrings(s.Cc), s.Attachments, s.Tags}
	out := make([]string, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return "", "", "", "", fmt.Errorf("failed to encode status %s: %w", s.Id, err)
		}
		out[i] = string(b)
	}
	if s.Attachments == nil {
		out[2] = "[]"
	}
	if s.Tags == nil {
		out[3] = "[]"
	}
	return out[0], out[1], out[2], out[3], nil
}

func decodeStatusLists(s *domain.Status, to, cc, attachments, tags string) error {
	targets := []struct {
		raw string
		dst interface{}
	}{
		{to, &s.To},
		{cc, &s.Cc},
		{attachments, &s.Attachments},
		{tags, &s.Tags},
	}
	for _, t := range targets {
		if t.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(t.raw), t.dst); err != nil {
			return fmt.Errorf("corrupt status %s: %w", s.Id, err)
		}
	}
	return nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
