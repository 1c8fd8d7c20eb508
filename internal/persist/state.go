// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persist

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/matta/mailsync/internal/message"
)

// Cursor returns the sync cursor for partition, or nil if the partition
// has never been synced.
func (db *DB) Cursor(ctx context.Context, partition string) (*message.Cursor, error) {
	var row struct {
		Partition string         `db:"account"`
		Token     sql.NullString `db:"next_page_token"`
		Status    string         `db:"status"`
		UpdatedAt int64          `db:"updated_at"`
	}
	err := db.db.GetContext(ctx, &row,
		`SELECT account, next_page_token, status, updated_at FROM mail_sync_state WHERE account = ?`,
		partition)
	if err == sql.ErrNoRows {
		return nil, nil // a non-error
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading cursor %v", partition)
	}
	return &message.Cursor{
		Partition:     row.Partition,
		NextPageToken: row.Token.String,
		Status:        row.Status,
		UpdatedAt:     msToTime(row.UpdatedAt),
	}, nil
}

// SaveCursor writes c, replacing any earlier cursor of the same
// partition.  An empty token is stored as NULL.
func (db *DB) SaveCursor(ctx context.Context, c message.Cursor) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = db.now()
	}
	token := sql.NullString{String: c.NextPageToken, Valid: c.NextPageToken != ""}
	_, err := db.db.ExecContext(ctx, `
INSERT INTO mail_sync_state (account, next_page_token, status, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (account) DO UPDATE SET
next_page_token = excluded.next_page_token,
status = excluded.status,
updated_at = excluded.updated_at`,
		c.Partition, token, c.Status, timeToMs(c.UpdatedAt))
	if err != nil {
		return errors.Wrapf(err, "writing cursor %v", c.Partition)
	}
	return nil
}

// CreateTracking registers a new open tracking id.
func (db *DB) CreateTracking(ctx context.Context, id string) error {
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO mail_tracking (id, created_at) VALUES (?, ?)`, id, db.nowMs())
	if err != nil {
		return errors.Wrapf(err, "creating tracking id %v", id)
	}
	return nil
}

// LinkTracking associates a tracking id with the local record of the sent
// message.
func (db *DB) LinkTracking(ctx context.Context, trackingID string, messageID int64) error {
	res, err := db.db.ExecContext(ctx,
		`UPDATE mail_tracking SET mail_message_id = ? WHERE id = ?`, messageID, trackingID)
	if err != nil {
		return errors.Wrapf(err, "linking tracking id %v", trackingID)
	}
	return checkAffected(res, "tracking id "+trackingID)
}

// TrackedMessage returns the local message id linked to a tracking id, or
// zero when the send was never persisted.
func (db *DB) TrackedMessage(ctx context.Context, trackingID string) (int64, error) {
	var id sql.NullInt64
	err := db.db.GetContext(ctx, &id,
		`SELECT mail_message_id FROM mail_tracking WHERE id = ?`, trackingID)
	if err == sql.ErrNoRows {
		return 0, errors.Wrapf(ErrNotFound, "tracking id %v", trackingID)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "reading tracking id %v", trackingID)
	}
	return id.Int64, nil
}

// Open is one fetch of a tracking pixel.
type Open struct {
	TrackingID string    `db:"tracking_id"`
	UserAgent  string    `db:"user_agent"`
	IPHash     string    `db:"ip_hash"`
	OpenedAt   time.Time `db:"-"`
}

// RecordOpen logs a pixel fetch.  Unknown tracking ids are recorded too;
// the pixel endpoint is unauthenticated and must not reveal which ids
// exist.
func (db *DB) RecordOpen(ctx context.Context, o Open) error {
	if o.OpenedAt.IsZero() {
		o.OpenedAt = db.now()
	}
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO mail_opens (tracking_id, user_agent, ip_hash, opened_at) VALUES (?, ?, ?, ?)`,
		o.TrackingID, o.UserAgent, o.IPHash, timeToMs(o.OpenedAt))
	if err != nil {
		return errors.Wrapf(err, "recording open of %v", o.TrackingID)
	}
	return nil
}

// Opens lists the recorded opens of a tracking id, oldest first.
func (db *DB) Opens(ctx context.Context, trackingID string) ([]Open, error) {
	var rows []struct {
		Open
		OpenedAtMs int64 `db:"opened_at"`
	}
	err := db.db.SelectContext(ctx, &rows,
		`SELECT tracking_id, user_agent, ip_hash, opened_at FROM mail_opens WHERE tracking_id = ? ORDER BY id`,
		trackingID)
	if err != nil {
		return nil, errors.Wrapf(err, "listing opens of %v", trackingID)
	}
	out := make([]Open, len(rows))
	for i, r := range rows {
		out[i] = r.Open
		out[i].OpenedAt = msToTime(r.OpenedAtMs)
	}
	return out, nil
}
