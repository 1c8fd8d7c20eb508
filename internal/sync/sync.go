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

package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/matta/mailsync/internal/classify"
	"github.com/matta/mailsync/internal/gmail"
	"github.com/matta/mailsync/internal/message"
)

const (
	// PageSize is the number of references requested per list call.
	PageSize = 50

	// Page budgets per partition and invocation.
	IncrementalPages = 1
	FullPages        = 10
)

// Partition is one independently resumable slice of the mailbox.
type Partition struct {
	// Cursor key.
	Key string

	// Provider label the partition lists.
	LabelID string
}

// DefaultPartitions are synced in this order.
var DefaultPartitions = []Partition{
	{Key: "me_inbox", LabelID: message.LabelInbox},
	{Key: "me_sent", LabelID: message.LabelSent},
}

// PartitionResult counts what happened in one partition.
type PartitionResult struct {
	Partition string `json:"partition"`

	// References listed.
	Fetched int `json:"fetched"`
	// Records written.
	Upserted int `json:"upserted"`
	// Already stored, or vanished from the provider.
	Skipped int `json:"skipped"`
	// Not addressed to an owner address.
	Dropped int `json:"dropped"`
	// Store failures.  The message is retried on a later full run.
	Failed int `json:"failed"`

	Pages         int    `json:"pages"`
	HasMore       bool   `json:"hasMore"`
	NextPageToken string `json:"nextPageToken,omitempty"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Result aggregates a whole invocation.
type Result struct {
	Full       bool              `json:"full"`
	Fetched    int               `json:"fetched"`
	Upserted   int               `json:"upserted"`
	Pages      int               `json:"pages"`
	HasMore    bool              `json:"hasMore"`
	Partitions []PartitionResult `json:"partitions"`
}

func (r *Result) add(p PartitionResult) {
	r.Fetched += p.Fetched
	r.Upserted += p.Upserted
	r.Pages += p.Pages
	r.HasMore = r.HasMore || p.HasMore
	r.Partitions = append(r.Partitions, p)
}

// Engine pulls provider messages into the store.
type Engine struct {
	Mailbox   Mailbox
	Store     MessageStore
	Addresses classify.Addresses

	// Defaults to DefaultPartitions.
	Partitions []Partition

	// Defaults to PageSize.
	PageSize int64

	Log *slog.Logger
}

func (e *Engine) log() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}

func (e *Engine) partitions() []Partition {
	if len(e.Partitions) == 0 {
		return DefaultPartitions
	}
	return e.Partitions
}

func (e *Engine) pageSize() int64 {
	if e.PageSize <= 0 {
		return PageSize
	}
	return e.PageSize
}

// Sync runs every partition once.  An incremental run lists a single page
// per partition from the stored cursor; a full run restarts each
// partition and refetches messages already stored, up to FullPages pages.
//
// A failed partition does not stop the others.  The returned Result is
// always populated; the error, if any, names the failed partitions.
func (e *Engine) Sync(ctx context.Context, full bool) (*Result, error) {
	res := &Result{Full: full}
	var failed []string
	for _, p := range e.partitions() {
		pr := e.syncPartition(ctx, p, full)
		if pr.Err != nil {
			pr.Error = pr.Err.Error()
			failed = append(failed, fmt.Sprintf("%s: %v", p.Key, pr.Err))
			e.log().Error("Partition sync failed", slog.String("partition", p.Key), sloki.WrapError(pr.Err))
		}
		e.log().Info("Partition synced",
			slog.String("partition", p.Key),
			slog.Int("fetched", pr.Fetched),
			slog.Int("upserted", pr.Upserted),
			slog.Int("pages", pr.Pages),
			slog.Bool("has_more", pr.HasMore))
		res.add(pr)
	}
	if len(failed) > 0 {
		return res, errors.Errorf("sync failed for %d partition(s): %s", len(failed), strings.Join(failed, "; "))
	}
	return res, nil
}

// listedPage is a page together with the token that requested it.
type listedPage struct {
	token string
	*message.Page
}

func (e *Engine) syncPartition(ctx context.Context, p Partition, full bool) PartitionResult {
	res := PartitionResult{Partition: p.Key}

	start := ""
	budget := FullPages
	if !full {
		budget = IncrementalPages
		c, err := e.Store.Cursor(ctx, p.Key)
		if err != nil {
			res.Err = errors.Wrap(err, "reading cursor")
			return res
		}
		if c != nil {
			start = c.NextPageToken
		}
	}

	// resume is where the next invocation starts.  It only moves past
	// a page once every message on it has been handled.
	resume := start

	grp, gctx := errgroup.WithContext(ctx)
	pages := make(chan listedPage)
	grp.Go(func() error {
		defer close(pages)
		token := start
		for n := 0; n < budget; n++ {
			page, err := e.Mailbox.ListMessages(gctx, []string{p.LabelID}, token, e.pageSize())
			if err != nil {
				return errors.Wrapf(err, "listing page %d", n+1)
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case pages <- listedPage{token: token, Page: page}:
			}
			if page.NextPageToken == "" || len(page.IDs) == 0 {
				return nil
			}
			token = page.NextPageToken
		}
		return nil
	})
	grp.Go(func() error {
		// Pages already listed are finished even if a later list
		// call fails, hence ctx rather than gctx.
		for page := range pages {
			res.Pages++
			res.Fetched += len(page.IDs)
			for _, id := range page.IDs {
				if err := e.syncMessage(ctx, id, full, &res); err != nil {
					return err
				}
			}
			resume = page.NextPageToken
			res.HasMore = page.NextPageToken != "" && len(page.IDs) > 0
		}
		return nil
	})
	res.Err = grp.Wait()

	res.NextPageToken = resume
	cursor := message.Cursor{
		Partition:     p.Key,
		NextPageToken: resume,
		Status:        message.CursorComplete,
	}
	if resume != "" || res.Err != nil {
		cursor.Status = message.CursorPartial
	}
	if err := e.Store.SaveCursor(ctx, cursor); err != nil {
		err = errors.Wrap(err, "saving cursor")
		if res.Err == nil {
			res.Err = err
		} else {
			e.log().Error("Failed to save cursor", slog.String("partition", p.Key), sloki.WrapError(err))
		}
	}
	return res
}

// syncMessage pulls one listed message.  Only provider failures other
// than "not found" are returned; they end the partition.
func (e *Engine) syncMessage(ctx context.Context, id message.ID, full bool, res *PartitionResult) error {
	log := e.log().With(slog.String("id", id.PermID))
	if !full {
		have, err := e.Store.HasMessage(ctx, id.PermID)
		if err != nil {
			log.Warn("Failed to look up message", sloki.WrapError(err))
			res.Failed++
			return nil
		}
		if have {
			res.Skipped++
			return nil
		}
	}

	remote, err := e.Mailbox.GetMessage(ctx, id.PermID)
	if errors.Cause(err) == gmail.ErrMessageNotFound {
		log.Warn("Listed message not found; skipping")
		res.Skipped++
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed getting message %v", id.PermID)
	}

	rec, ok := ToRecord(remote, e.Addresses)
	if !ok {
		res.Dropped++
		return nil
	}
	if _, err := e.Store.UpsertMessage(ctx, rec); err != nil {
		log.Warn("Failed to upsert message", sloki.WrapError(err))
		res.Failed++
		return nil
	}
	res.Upserted++
	return nil
}

// ToRecord projects a provider message into a local record.  It reports
// false for messages that carry no owner address in To, Cc, Bcc or From.
func ToRecord(m *message.Remote, known classify.Addresses) (*message.Record, bool) {
	from := m.Headers.Value("From")
	to := m.Headers.Value("To")
	cc := m.Headers.Value("Cc")
	bcc := m.Headers.Value("Bcc")

	toList := classify.ExtractAddresses(to)
	ccList := classify.ExtractAddresses(cc)
	bccList := classify.ExtractAddresses(bcc)
	var recipients []string
	recipients = append(recipients, toList...)
	recipients = append(recipients, ccList...)
	recipients = append(recipients, bccList...)

	in := classify.Input{
		To: to, Cc: cc, Bcc: bcc, From: from,
		Recipients: recipients,
		LabelIDs:   m.LabelIDs,
	}
	if !classify.Relevant(in, known) {
		return nil, false
	}
	c := classify.Classify(in, known)
	text, html := message.Bodies(m.Payload)

	return &message.Record{
		GmailMessageID: m.PermID,
		GmailThreadID:  m.ThreadID,
		Account:        c.Account,
		Direction:      c.Direction,
		From:           from,
		To:             toList,
		Cc:             ccList,
		Bcc:            bccList,
		Subject:        m.Headers.Value("Subject"),
		Snippet:        m.Snippet,
		BodyText:       text,
		BodyHTML:       html,
		LabelIDs:       m.LabelIDs,
		InternalDate:   m.InternalDate(),
		Attachments:    message.Attachments(m.Payload),
	}, true
}
