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
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"

	"github.com/matta/mailsync/internal/message"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), MemoryPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open(%q) = %v", MemoryPath, err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close() = %v", err)
		}
	})
	return db
}

func str(s string) *string { return &s }
func boolp(b bool) *bool   { return &b }

func sampleRecord(id string) *message.Record {
	return &message.Record{
		GmailMessageID: id,
		GmailThreadID:  "t-" + id,
		Account:        message.AccountMe,
		Direction:      message.Inbound,
		From:           "a@y.org",
		To:             []string{"me@x.com"},
		Subject:        "hello",
		Snippet:        "hi there",
		BodyText:       str("hi there"),
		LabelIDs:       []string{"INBOX", "UNREAD"},
		InternalDate:   time.UnixMilli(1700000000123).UTC(),
		Attachments: []message.Attachment{
			{Filename: "a.pdf", MimeType: "application/pdf", Size: 10, AttachmentID: "att1"},
		},
	}
}

func TestDsnFromPath(t *testing.T) {
	add := url.Values{"_busy_timeout": {"1"}}
	cases := []struct {
		path, want string
	}{
		{"/tmp/mail.db", "file:///tmp/mail.db?_busy_timeout=1"},
		{"file:mail.db?mode=ro", "file:mail.db?_busy_timeout=1&mode=ro"},
		{MemoryPath, "file::memory:?_busy_timeout=1"},
	}
	for _, tc := range cases {
		got, err := dsnFromPath(tc.path, add)
		if err != nil {
			t.Errorf("dsnFromPath(%q) = %v", tc.path, err)
			continue
		}
		if got != tc.want {
			t.Errorf("dsnFromPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestOpenFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mail.db")
	db, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("Open(%q) = %v", path, err)
	}
	if _, err := db.UpsertMessage(ctx, sampleRecord("m1")); err != nil {
		t.Fatalf("UpsertMessage() = %v", err)
	}
	db.Close()

	// The schema is created idempotently and data survives.
	db, err = Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopening %q = %v", path, err)
	}
	defer db.Close()
	if ok, err := db.HasMessage(ctx, "m1"); err != nil || !ok {
		t.Errorf("HasMessage(m1) after reopen = %v, %v; want true", ok, err)
	}
}

func TestUpsertRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	want := sampleRecord("m1")
	id, err := db.UpsertMessage(ctx, want)
	if err != nil {
		t.Fatalf("UpsertMessage() = %v", err)
	}
	want.ID = id

	got, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage() = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetMessage() mismatch (-want +got):\n%s", diff)
	}
	byID, err := db.GetMessageByID(ctx, id)
	if err != nil {
		t.Fatalf("GetMessageByID() = %v", err)
	}
	if diff := cmp.Diff(want, byID); diff != "" {
		t.Errorf("GetMessageByID() mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	first, err := db.UpsertMessage(ctx, sampleRecord("m1"))
	if err != nil {
		t.Fatalf("UpsertMessage() = %v", err)
	}
	second, err := db.UpsertMessage(ctx, sampleRecord("m1"))
	if err != nil {
		t.Fatalf("UpsertMessage() again = %v", err)
	}
	if first != second {
		t.Errorf("second upsert returned id %d, want %d", second, first)
	}
	all, err := db.ListMessages(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListMessages() = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListMessages() returned %d records, want 1", len(all))
	}
}

func TestUpsertPreservesFlags(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if _, err := db.UpsertMessage(ctx, sampleRecord("m1")); err != nil {
		t.Fatalf("UpsertMessage() = %v", err)
	}
	if err := db.SetFlags(ctx, "m1", FlagUpdate{Read: boolp(true), Starred: boolp(true)}); err != nil {
		t.Fatalf("SetFlags() = %v", err)
	}

	resynced := sampleRecord("m1")
	resynced.Subject = "hello (edited)"
	resynced.LabelIDs = []string{"INBOX"}
	if _, err := db.UpsertMessage(ctx, resynced); err != nil {
		t.Fatalf("UpsertMessage() = %v", err)
	}

	got, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage() = %v", err)
	}
	if got.Subject != "hello (edited)" {
		t.Errorf("Subject = %q, want provider field overwritten", got.Subject)
	}
	if diff := cmp.Diff([]string{"INBOX"}, got.LabelIDs); diff != "" {
		t.Errorf("LabelIDs mismatch (-want +got):\n%s", diff)
	}
	if want := (message.Flags{IsRead: true, IsStarred: true}); got.Flags != want {
		t.Errorf("Flags = %+v, want %+v", got.Flags, want)
	}
}

func TestUpsertRequiresID(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.UpsertMessage(context.Background(), &message.Record{}); err == nil {
		t.Errorf("UpsertMessage(no id) = nil error, want error")
	}
}

func TestHasMessage(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	if ok, err := db.HasMessage(ctx, "m1"); err != nil || ok {
		t.Errorf("HasMessage(m1) on empty store = %v, %v; want false", ok, err)
	}
	if _, err := db.UpsertMessage(ctx, sampleRecord("m1")); err != nil {
		t.Fatalf("UpsertMessage() = %v", err)
	}
	if ok, err := db.HasMessage(ctx, "m1"); err != nil || !ok {
		t.Errorf("HasMessage(m1) = %v, %v; want true", ok, err)
	}
}

func TestGetMessageNotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.GetMessage(context.Background(), "nope"); errors.Cause(err) != ErrNotFound {
		t.Errorf("GetMessage(nope) = %v, want %v", err, ErrNotFound)
	}
}

func TestListMessagesFilter(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	recs := []*message.Record{
		sampleRecord("in-me"),
		sampleRecord("in-noreply"),
		sampleRecord("out-me"),
		sampleRecord("trashed"),
	}
	recs[1].Account = message.AccountNoreply
	recs[2].Direction = message.Outbound
	for i, r := range recs {
		r.InternalDate = time.UnixMilli(int64(1000 * (i + 1))).UTC()
		if _, err := db.UpsertMessage(ctx, r); err != nil {
			t.Fatalf("UpsertMessage(%v) = %v", r.GmailMessageID, err)
		}
	}
	if err := db.SetFlags(ctx, "trashed", FlagUpdate{Trashed: boolp(true)}); err != nil {
		t.Fatalf("SetFlags() = %v", err)
	}

	ids := func(recs []*message.Record) []string {
		var out []string
		for _, r := range recs {
			out = append(out, r.GmailMessageID)
		}
		return out
	}
	cases := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all newest first", Filter{}, []string{"out-me", "in-noreply", "in-me"}},
		{"with trash", Filter{IncludeTrashed: true}, []string{"trashed", "out-me", "in-noreply", "in-me"}},
		{"noreply", Filter{Account: message.AccountNoreply}, []string{"in-noreply"}},
		{"outbound", Filter{Direction: message.Outbound}, []string{"out-me"}},
		{"thread", Filter{ThreadID: "t-in-me"}, []string{"in-me"}},
		{"drafts", Filter{Drafts: boolp(true)}, nil},
		{"limit", Filter{Limit: 1}, []string{"out-me"}},
	}
	for _, tc := range cases {
		got, err := db.ListMessages(ctx, tc.filter)
		if err != nil {
			t.Errorf("%s: ListMessages() = %v", tc.name, err)
			continue
		}
		if diff := cmp.Diff(tc.want, ids(got)); diff != "" {
			t.Errorf("%s: ListMessages() mismatch (-want +got):\n%s", tc.name, diff)
		}
	}
}

func TestSetFlagsAndDelete(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	if _, err := db.UpsertMessage(ctx, sampleRecord("m1")); err != nil {
		t.Fatalf("UpsertMessage() = %v", err)
	}

	if err := db.SetFlags(ctx, "m1", FlagUpdate{Archived: boolp(true)}); err != nil {
		t.Fatalf("SetFlags(archive) = %v", err)
	}
	if err := db.SetFlags(ctx, "m1", FlagUpdate{Archived: boolp(false), Read: boolp(true)}); err != nil {
		t.Fatalf("SetFlags(unarchive) = %v", err)
	}
	got, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage() = %v", err)
	}
	if want := (message.Flags{IsRead: true}); got.Flags != want {
		t.Errorf("Flags = %+v, want %+v", got.Flags, want)
	}

	if err := db.SetFlags(ctx, "missing", FlagUpdate{Read: boolp(true)}); errors.Cause(err) != ErrNotFound {
		t.Errorf("SetFlags(missing) = %v, want %v", err, ErrNotFound)
	}
	if err := db.DeleteMessage(ctx, "m1"); err != nil {
		t.Fatalf("DeleteMessage() = %v", err)
	}
	if err := db.DeleteMessage(ctx, "m1"); errors.Cause(err) != ErrNotFound {
		t.Errorf("DeleteMessage() twice = %v, want %v", err, ErrNotFound)
	}
}

func TestDrafts(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	draft := &message.Record{
		GmailMessageID: "draft_1",
		GmailThreadID:  "draft_1",
		Account:        message.AccountMe,
		Direction:      message.Outbound,
		From:           "me@x.com",
		To:             []string{"b@y.org"},
		Subject:        "first",
		BodyHTML:       str("<p>v1</p>"),
		LabelIDs:       []string{message.LabelDraft},
	}
	id, err := db.SaveDraft(ctx, draft)
	if err != nil {
		t.Fatalf("SaveDraft(new) = %v", err)
	}

	update := *draft
	update.ID = id
	update.Subject = "second"
	update.BodyHTML = str("<p>v2</p>")
	if got, err := db.SaveDraft(ctx, &update); err != nil || got != id {
		t.Fatalf("SaveDraft(update) = %d, %v; want %d", got, err, id)
	}

	got, err := db.GetMessageByID(ctx, id)
	if err != nil {
		t.Fatalf("GetMessageByID() = %v", err)
	}
	if got.Subject != "second" || *got.BodyHTML != "<p>v2</p>" || !got.IsDraft {
		t.Errorf("draft = %+v, want updated draft", got)
	}
	drafts, err := db.ListMessages(ctx, Filter{Drafts: boolp(true)})
	if err != nil || len(drafts) != 1 {
		t.Errorf("ListMessages(drafts) = %d records, %v; want 1", len(drafts), err)
	}

	// Only drafts may be edited or deleted through the draft calls.
	synced, err := db.UpsertMessage(ctx, sampleRecord("m1"))
	if err != nil {
		t.Fatalf("UpsertMessage() = %v", err)
	}
	notDraft := sampleRecord("m1")
	notDraft.ID = synced
	if _, err := db.SaveDraft(ctx, notDraft); errors.Cause(err) != ErrNotFound {
		t.Errorf("SaveDraft(non-draft) = %v, want %v", err, ErrNotFound)
	}
	if err := db.DeleteDraft(ctx, synced); errors.Cause(err) != ErrNotFound {
		t.Errorf("DeleteDraft(non-draft) = %v, want %v", err, ErrNotFound)
	}
	if err := db.DeleteDraft(ctx, id); err != nil {
		t.Errorf("DeleteDraft() = %v", err)
	}
}

func TestCursor(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	got, err := db.Cursor(ctx, "me_inbox")
	if err != nil || got != nil {
		t.Fatalf("Cursor() on empty store = %+v, %v; want nil, nil", got, err)
	}

	now := time.UnixMilli(1700000000000).UTC()
	for _, c := range []message.Cursor{
		{Partition: "me_inbox", NextPageToken: "p2", Status: message.CursorPartial, UpdatedAt: now},
		{Partition: "me_inbox", Status: message.CursorComplete, UpdatedAt: now.Add(time.Minute)},
	} {
		if err := db.SaveCursor(ctx, c); err != nil {
			t.Fatalf("SaveCursor(%+v) = %v", c, err)
		}
		got, err := db.Cursor(ctx, c.Partition)
		if err != nil {
			t.Fatalf("Cursor() = %v", err)
		}
		if diff := cmp.Diff(&c, got); diff != "" {
			t.Errorf("Cursor() mismatch (-want +got):\n%s", diff)
		}
	}

	other, err := db.Cursor(ctx, "me_sent")
	if err != nil || other != nil {
		t.Errorf("Cursor(me_sent) = %+v, %v; want nil, nil", other, err)
	}
}

func TestTracking(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if err := db.CreateTracking(ctx, "trk"); err != nil {
		t.Fatalf("CreateTracking() = %v", err)
	}
	if err := db.CreateTracking(ctx, "trk"); err == nil {
		t.Errorf("CreateTracking(duplicate) = nil error, want error")
	}
	if got, err := db.TrackedMessage(ctx, "trk"); err != nil || got != 0 {
		t.Errorf("TrackedMessage() before link = %d, %v; want 0", got, err)
	}
	if err := db.LinkTracking(ctx, "trk", 42); err != nil {
		t.Fatalf("LinkTracking() = %v", err)
	}
	if got, err := db.TrackedMessage(ctx, "trk"); err != nil || got != 42 {
		t.Errorf("TrackedMessage() = %d, %v; want 42", got, err)
	}
	if err := db.LinkTracking(ctx, "nope", 42); errors.Cause(err) != ErrNotFound {
		t.Errorf("LinkTracking(unknown) = %v, want %v", err, ErrNotFound)
	}

	opened := time.UnixMilli(1700000000000).UTC()
	want := []Open{
		{TrackingID: "trk", UserAgent: "Mail/1.0", IPHash: "abc", OpenedAt: opened},
		{TrackingID: "trk", OpenedAt: opened.Add(time.Second)},
	}
	for _, o := range want {
		if err := db.RecordOpen(ctx, o); err != nil {
			t.Fatalf("RecordOpen() = %v", err)
		}
	}
	if err := db.RecordOpen(ctx, Open{TrackingID: "unknown"}); err != nil {
		t.Errorf("RecordOpen(unknown id) = %v", err)
	}
	got, err := db.Opens(ctx, "trk")
	if err != nil {
		t.Fatalf("Opens() = %v", err)
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Opens() mismatch (-want +got):\n%s", diff)
	}
}
