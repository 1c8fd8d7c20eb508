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
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var (
	ErrNotFound = errors.New("record not found")

	createTableSql = []string{
		// The mail_messages table holds the local projection of
		// every message, whether synced, sent, ingested or drafted.
		//
		// Field: gmail_message_id
		//
		//   GMail API: Users.messages resource "id" field for synced
		//   and sent mail.  Ingested mail uses "rfc822:<Message-ID>"
		//   and drafts "draft_<id>".  Every write is an upsert keyed
		//   on this column.
		//
		// Field: to_addresses, cc_addresses, bcc_addresses,
		// label_ids, attachments
		//
		//   JSON arrays.  Never NULL.
		//
		// Field: internal_date
		//
		//   Milliseconds since the epoch.  GMail API: Users.messages
		//   resource "internalDate".
		//
		// Field: is_*
		//
		//   Owner controlled flags.  Set on insert, never touched by
		//   an upsert of an existing row.
		`
CREATE TABLE IF NOT EXISTS mail_messages (
id INTEGER PRIMARY KEY AUTOINCREMENT,
gmail_message_id TEXT NOT NULL UNIQUE,
gmail_thread_id TEXT NOT NULL DEFAULT '',
account TEXT NOT NULL,
direction TEXT NOT NULL,
from_address TEXT NOT NULL DEFAULT '',
to_addresses TEXT NOT NULL DEFAULT '[]',
cc_addresses TEXT NOT NULL DEFAULT '[]',
bcc_addresses TEXT NOT NULL DEFAULT '[]',
subject TEXT NOT NULL DEFAULT '',
snippet TEXT NOT NULL DEFAULT '',
body_text TEXT,
body_html TEXT,
label_ids TEXT NOT NULL DEFAULT '[]',
internal_date INTEGER NOT NULL DEFAULT 0,
is_draft INTEGER NOT NULL DEFAULT 0,
is_read INTEGER NOT NULL DEFAULT 0,
is_starred INTEGER NOT NULL DEFAULT 0,
is_trashed INTEGER NOT NULL DEFAULT 0,
is_archived INTEGER NOT NULL DEFAULT 0,
attachments TEXT NOT NULL DEFAULT '[]',
updated_at INTEGER NOT NULL DEFAULT 0
);`,
		`
CREATE INDEX IF NOT EXISTS mail_messages_thread
ON mail_messages (gmail_thread_id);`,
		// The mail_sync_state table holds one cursor per partition.
		//
		// Field: next_page_token
		//
		//   GMail API: Users.messages.list "nextPageToken".  NULL
		//   when the next run starts at the first page.
		//
		// Field: status
		//
		//   "partial" when the last run stopped with pages left,
		//   "complete" when it reached the end of the listing.
		`
CREATE TABLE IF NOT EXISTS mail_sync_state (
account TEXT NOT NULL PRIMARY KEY,
next_page_token TEXT,
status TEXT NOT NULL,
updated_at INTEGER NOT NULL
);`,
		// The mail_tracking table maps open tracking ids to the sent
		// message.  mail_message_id is NULL until the send has been
		// persisted.
		`
CREATE TABLE IF NOT EXISTS mail_tracking (
id TEXT NOT NULL PRIMARY KEY,
mail_message_id INTEGER,
created_at INTEGER NOT NULL
);`,
		// The mail_opens table logs every fetch of a tracking pixel.
		// ip_hash is the hex SHA-256 of the client address.
		`
CREATE TABLE IF NOT EXISTS mail_opens (
id INTEGER PRIMARY KEY AUTOINCREMENT,
tracking_id TEXT NOT NULL,
user_agent TEXT NOT NULL DEFAULT '',
ip_hash TEXT NOT NULL DEFAULT '',
opened_at INTEGER NOT NULL
);`,
	}
)

// DB is the local message store.
type DB struct {
	db  *sqlx.DB
	log *slog.Logger
	now func() time.Time
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	if path == MemoryPath {
		return "file::memory:?" + addValues.Encode(), nil
	}
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens, creating if needed, the database at path.
func Open(ctx context.Context, path string, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice, especially in slower
	// debug builds; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_journal_mode": {"WAL"},
	})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.Info("Opening database", slog.String("dsn", dsn))
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}
	// A single connection serializes writers and keeps an
	// in-memory database alive for the life of the DB.
	db.SetMaxOpenConns(1)

	if err = initSchema(ctx, db, log); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, log: log, now: time.Now}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sqlx.DB, log *slog.Logger) error {
	for _, sql := range createTableSql {
		log.Debug("SQL Exec", slog.String("sql", sql))
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

func (db *DB) nowMs() int64 {
	return db.now().UnixMilli()
}

// checkAffected turns an update or delete that matched nothing into
// ErrNotFound.
func checkAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "%s: reading affected rows", what)
	}
	if n == 0 {
		return errors.Wrap(ErrNotFound, what)
	}
	return nil
}
