package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/deemkeen/trailpost/domain"
)

const (
	sqlInsertActor = `INSERT INTO actors(id, username, domain, display_name, summary, inbox_uri, outbox_uri, followers_uri,
		public_key_pem, avatar_url, local, last_fetched_at, home_latitude, home_longitude, privacy_radius)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	sqlSelectActorById = `SELECT id, username, domain, display_name, summary, inbox_uri, outbox_uri, followers_uri,
		public_key_pem, avatar_url, local, last_fetched_at, home_latitude, home_longitude, privacy_radius
		FROM actors WHERE id = ?`
	sqlUpdateActor = `UPDATE actors SET username = ?, domain = ?, display_name = ?, summary = ?, inbox_uri = ?, outbox_uri = ?,
		followers_uri = ?, public_key_pem = ?, avatar_url = ?, last_fetched_at = ? WHERE id = ?`
	sqlUpdateActorPrivacy = `UPDATE actors SET home_latitude = ?, home_longitude = ?, privacy_radius = ? WHERE id = ?`
)

// CreateActor inserts the actor unless it is already known and reports
// whether this call created it.
func (db *DB) CreateActor(ctx context.Context, a *domain.Actor) (bool, error) {
	created := false
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertActor,
			a.Id,
			a.Username,
			a.Domain,
			a.DisplayName,
			a.Summary,
			a.InboxURI,
			a.OutboxURI,
			a.FollowersURI,
			a.PublicKeyPem,
			a.AvatarURL,
			boolToInt(a.Local),
			toMillis(a.LastFetchedAt),
			nullFloat(a.HomeLatitude),
			nullFloat(a.HomeLongitude),
			a.PrivacyRadius,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		created = n == 1
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to create actor %s: %w", a.Id, err)
	}
	return created, nil
}

func (db *DB) ReadActor(ctx context.Context, id string) (*domain.Actor, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectActorById, id)
	var (
		a           domain.Actor
		local       int
		lastFetched int64
		lat, lng    sql.NullFloat64
	)
	err := row.Scan(
		&a.Id,
		&a.Username,
		&a.Domain,
		&a.DisplayName,
		&a.Summary,
		&a.InboxURI,
		&a.OutboxURI,
		&a.FollowersURI,
		&a.PublicKeyPem,
		&a.AvatarURL,
		&local,
		&lastFetched,
		&lat,
		&lng,
		&a.PrivacyRadius,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Local = local == 1
	a.LastFetchedAt = fromMillis(lastFetched)
	if lat.Valid {
		a.HomeLatitude = &lat.Float64
	}
	if lng.Valid {
		a.HomeLongitude = &lng.Float64
	}
	return &a, nil
}

// UpdateActor refreshes the profile fields of a cached actor.
func (db *DB) UpdateActor(ctx context.Context, a *domain.Actor) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateActor,
			a.Username,
			a.Domain,
			a.DisplayName,
			a.Summary,
			a.InboxURI,
			a.OutboxURI,
			a.FollowersURI,
			a.PublicKeyPem,
			a.AvatarURL,
			toMillis(a.LastFetchedAt),
			a.Id,
		)
		return err
	})
}

// UpdateActorPrivacy stores the home location used to mask fitness traces.
func (db *DB) UpdateActorPrivacy(ctx context.Context, id string, lat, lng *float64, radius int) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateActorPrivacy, nullFloat(lat), nullFloat(lng), radius, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
