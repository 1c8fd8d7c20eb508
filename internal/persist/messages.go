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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/matta/mailsync/internal/message"
)

// messageRow mirrors a mail_messages row.
type messageRow struct {
	ID             int64   `db:"id"`
	GmailMessageID string  `db:"gmail_message_id"`
	GmailThreadID  string  `db:"gmail_thread_id"`
	Account        string  `db:"account"`
	Direction      string  `db:"direction"`
	From           string  `db:"from_address"`
	To             string  `db:"to_addresses"`
	Cc             string  `db:"cc_addresses"`
	Bcc            string  `db:"bcc_addresses"`
	Subject        string  `db:"subject"`
	Snippet        string  `db:"snippet"`
	BodyText       *string `db:"body_text"`
	BodyHTML       *string `db:"body_html"`
	LabelIDs       string  `db:"label_ids"`
	InternalDate   int64   `db:"internal_date"`
	IsDraft        bool    `db:"is_draft"`
	IsRead         bool    `db:"is_read"`
	IsStarred      bool    `db:"is_starred"`
	IsTrashed      bool    `db:"is_trashed"`
	IsArchived     bool    `db:"is_archived"`
	Attachments    string  `db:"attachments"`
	UpdatedAt      int64   `db:"updated_at"`
}

const messageColumns = `id, gmail_message_id, gmail_thread_id, account, direction,
from_address, to_addresses, cc_addresses, bcc_addresses, subject, snippet,
body_text, body_html, label_ids, internal_date, is_draft, is_read,
is_starred, is_trashed, is_archived, attachments, updated_at`

func encodeJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// encodeList stores nil and empty lists alike as "[]".
func encodeList(l []string) (string, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	return encodeJSON(l)
}

func decodeList(s string) ([]string, error) {
	var l []string
	if s == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &l); err != nil {
		return nil, err
	}
	if len(l) == 0 {
		return nil, nil
	}
	return l, nil
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func toRow(rec *message.Record) (*messageRow, error) {
	row := &messageRow{
		ID:             rec.ID,
		GmailMessageID: rec.GmailMessageID,
		GmailThreadID:  rec.GmailThreadID,
		Account:        string(rec.Account),
		Direction:      string(rec.Direction),
		From:           rec.From,
		Subject:        rec.Subject,
		Snippet:        rec.Snippet,
		BodyText:       rec.BodyText,
		BodyHTML:       rec.BodyHTML,
		InternalDate:   timeToMs(rec.InternalDate),
		IsDraft:        rec.IsDraft,
		IsRead:         rec.IsRead,
		IsStarred:      rec.IsStarred,
		IsTrashed:      rec.IsTrashed,
		IsArchived:     rec.IsArchived,
	}
	var err error
	lists := []struct {
		dst *string
		src []string
	}{
		{&row.To, rec.To},
		{&row.Cc, rec.Cc},
		{&row.Bcc, rec.Bcc},
		{&row.LabelIDs, rec.LabelIDs},
	}
	for _, l := range lists {
		if *l.dst, err = encodeList(l.src); err != nil {
			return nil, errors.Wrap(err, "encoding address list")
		}
	}
	row.Attachments = "[]"
	if len(rec.Attachments) > 0 {
		if row.Attachments, err = encodeJSON(rec.Attachments); err != nil {
			return nil, errors.Wrap(err, "encoding attachments")
		}
	}
	return row, nil
}

func (row *messageRow) record() (*message.Record, error) {
	rec := &message.Record{
		ID:             row.ID,
		GmailMessageID: row.GmailMessageID,
		GmailThreadID:  row.GmailThreadID,
		Account:        message.Account(row.Account),
		Direction:      message.Direction(row.Direction),
		From:           row.From,
		Subject:        row.Subject,
		Snippet:        row.Snippet,
		BodyText:       row.BodyText,
		BodyHTML:       row.BodyHTML,
		InternalDate:   msToTime(row.InternalDate),
		Flags: message.Flags{
			IsDraft:    row.IsDraft,
			IsRead:     row.IsRead,
			IsStarred:  row.IsStarred,
			IsTrashed:  row.IsTrashed,
			IsArchived: row.IsArchived,
		},
	}
	var err error
	lists := []struct {
		dst *[]string
		src string
	}{
		{&rec.To, row.To},
		{&rec.Cc, row.Cc},
		{&rec.Bcc, row.Bcc},
		{&rec.LabelIDs, row.LabelIDs},
	}
	for _, l := range lists {
		if *l.dst, err = decodeList(l.src); err != nil {
			return nil, errors.Wrapf(err, "decoding message %v", row.GmailMessageID)
		}
	}
	if row.Attachments != "" && row.Attachments != "[]" {
		if err := json.Unmarshal([]byte(row.Attachments), &rec.Attachments); err != nil {
			return nil, errors.Wrapf(err, "decoding attachments of message %v", row.GmailMessageID)
		}
	}
	return rec, nil
}

// HasMessage reports whether a record with the given provider id exists.
func (db *DB) HasMessage(ctx context.Context, gmailID string) (bool, error) {
	var n int
	err := db.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM mail_messages WHERE gmail_message_id = ?`, gmailID)
	if err != nil {
		return false, errors.Wrapf(err, "looking up message %v", gmailID)
	}
	return n > 0, nil
}

// UpsertMessage inserts rec, or overwrites the provider derived fields of
// the existing record with the same GmailMessageID.  Flags are written
// only on insert.  It returns the local id.
func (db *DB) UpsertMessage(ctx context.Context, rec *message.Record) (int64, error) {
	if rec.GmailMessageID == "" {
		return 0, errors.New("upsert of message without gmail_message_id")
	}
	row, err := toRow(rec)
	if err != nil {
		return 0, err
	}
	row.UpdatedAt = db.nowMs()
	const q = `
INSERT INTO mail_messages (
gmail_message_id, gmail_thread_id, account, direction,
from_address, to_addresses, cc_addresses, bcc_addresses, subject, snippet,
body_text, body_html, label_ids, internal_date, is_draft, is_read,
is_starred, is_trashed, is_archived, attachments, updated_at
) VALUES (
:gmail_message_id, :gmail_thread_id, :account, :direction,
:from_address, :to_addresses, :cc_addresses, :bcc_addresses, :subject, :snippet,
:body_text, :body_html, :label_ids, :internal_date, :is_draft, :is_read,
:is_starred, :is_trashed, :is_archived, :attachments, :updated_at
)
ON CONFLICT (gmail_message_id) DO UPDATE SET
gmail_thread_id = excluded.gmail_thread_id,
account = excluded.account,
direction = excluded.direction,
from_address = excluded.from_address,
to_addresses = excluded.to_addresses,
cc_addresses = excluded.cc_addresses,
bcc_addresses = excluded.bcc_addresses,
subject = excluded.subject,
snippet = excluded.snippet,
body_text = excluded.body_text,
body_html = excluded.body_html,
label_ids = excluded.label_ids,
internal_date = excluded.internal_date,
attachments = excluded.attachments,
updated_at = excluded.updated_at
RETURNING id`
	stmt, err := db.db.PrepareNamedContext(ctx, q)
	if err != nil {
		return 0, errors.Wrap(err, "db prepare statement failed for messages upsert")
	}
	defer stmt.Close()

	var id int64
	if err := stmt.GetContext(ctx, &id, row); err != nil {
		return 0, errors.Wrapf(err, "upserting message %v", rec.GmailMessageID)
	}
	return id, nil
}

// GetMessage returns the record with the given provider id.
func (db *DB) GetMessage(ctx context.Context, gmailID string) (*message.Record, error) {
	return db.getMessage(ctx, "gmail_message_id = ?", gmailID)
}

// GetMessageByID returns the record with the given local id.
func (db *DB) GetMessageByID(ctx context.Context, id int64) (*message.Record, error) {
	return db.getMessage(ctx, "id = ?", id)
}

func (db *DB) getMessage(ctx context.Context, where string, arg interface{}) (*message.Record, error) {
	var row messageRow
	err := db.db.GetContext(ctx, &row,
		`SELECT `+messageColumns+` FROM mail_messages WHERE `+where, arg)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "message %v", arg)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting message %v", arg)
	}
	return row.record()
}

// Filter selects messages for ListMessages.  Zero values match
// everything.
type Filter struct {
	Account   message.Account
	Direction message.Direction
	ThreadID  string

	// Drafts selects only drafts when true and excludes them when
	// false.  Nil ignores the flag.
	Drafts *bool

	// Trashed messages are excluded unless set.
	IncludeTrashed bool

	// Maximum number of records.  Defaults to DefaultListLimit.
	Limit int
}

const DefaultListLimit = 100

// ListMessages returns matching records, newest first.
func (db *DB) ListMessages(ctx context.Context, f Filter) ([]*message.Record, error) {
	var conds []string
	var args []interface{}
	if f.Account != "" {
		conds = append(conds, "account = ?")
		args = append(args, string(f.Account))
	}
	if f.Direction != "" {
		conds = append(conds, "direction = ?")
		args = append(args, string(f.Direction))
	}
	if f.ThreadID != "" {
		conds = append(conds, "gmail_thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if f.Drafts != nil {
		conds = append(conds, "is_draft = ?")
		args = append(args, *f.Drafts)
	}
	if !f.IncludeTrashed {
		conds = append(conds, "is_trashed = 0")
	}
	q := `SELECT ` + messageColumns + ` FROM mail_messages`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	q += fmt.Sprintf(" ORDER BY internal_date DESC, id DESC LIMIT %d", limit)

	var rows []messageRow
	if err := db.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "listing messages")
	}
	out := make([]*message.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// FlagUpdate names the flags to change.  Nil fields are left alone.
type FlagUpdate struct {
	Read     *bool
	Starred  *bool
	Trashed  *bool
	Archived *bool
}

// SetFlags changes owner flags on one record.
func (db *DB) SetFlags(ctx context.Context, gmailID string, u FlagUpdate) error {
	var sets []string
	var args []interface{}
	for _, f := range []struct {
		col string
		v   *bool
	}{
		{"is_read", u.Read},
		{"is_starred", u.Starred},
		{"is_trashed", u.Trashed},
		{"is_archived", u.Archived},
	} {
		if f.v != nil {
			sets = append(sets, f.col+" = ?")
			args = append(args, *f.v)
		}
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, gmailID)
	res, err := db.db.ExecContext(ctx,
		`UPDATE mail_messages SET `+strings.Join(sets, ", ")+` WHERE gmail_message_id = ?`, args...)
	if err != nil {
		return errors.Wrapf(err, "updating flags of message %v", gmailID)
	}
	return checkAffected(res, "message "+gmailID)
}

// DeleteMessage permanently removes one record.
func (db *DB) DeleteMessage(ctx context.Context, gmailID string) error {
	res, err := db.db.ExecContext(ctx,
		`DELETE FROM mail_messages WHERE gmail_message_id = ?`, gmailID)
	if err != nil {
		return errors.Wrapf(err, "deleting message %v", gmailID)
	}
	return checkAffected(res, "message "+gmailID)
}

// SaveDraft creates a draft when rec.ID is zero and otherwise replaces the
// content of the existing draft with that local id.  New drafts must carry
// a GmailMessageID.
func (db *DB) SaveDraft(ctx context.Context, rec *message.Record) (int64, error) {
	rec.IsDraft = true
	if rec.ID == 0 {
		return db.UpsertMessage(ctx, rec)
	}
	row, err := toRow(rec)
	if err != nil {
		return 0, err
	}
	row.UpdatedAt = db.nowMs()
	const q = `
UPDATE mail_messages SET
account = :account,
direction = :direction,
from_address = :from_address,
to_addresses = :to_addresses,
cc_addresses = :cc_addresses,
bcc_addresses = :bcc_addresses,
subject = :subject,
body_text = :body_text,
body_html = :body_html,
label_ids = :label_ids,
internal_date = :internal_date,
attachments = :attachments,
updated_at = :updated_at
WHERE id = :id AND is_draft = 1`
	res, err := db.db.NamedExecContext(ctx, q, row)
	if err != nil {
		return 0, errors.Wrapf(err, "updating draft %d", rec.ID)
	}
	if err := checkAffected(res, fmt.Sprintf("draft %d", rec.ID)); err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// DeleteDraft removes a draft by local id.  Non-draft records are never
// deleted.
func (db *DB) DeleteDraft(ctx context.Context, id int64) error {
	res, err := db.db.ExecContext(ctx,
		`DELETE FROM mail_messages WHERE id = ? AND is_draft = 1`, id)
	if err != nil {
		return errors.Wrapf(err, "deleting draft %d", id)
	}
	return checkAffected(res, fmt.Sprintf("draft %d", id))
}
