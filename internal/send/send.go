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

// Package send turns an owner's request into a delivered message and a
// local record of it.
package send

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/matta/mailsync/internal/classify"
	"github.com/matta/mailsync/internal/compose"
	"github.com/matta/mailsync/internal/message"
)

// Mailer delivers a transport payload.
type Mailer interface {
	SendRaw(ctx context.Context, raw, threadID string) (message.ID, error)
}

// Store records sent mail and open tracking ids.
type Store interface {
	CreateTracking(ctx context.Context, id string) error
	UpsertMessage(ctx context.Context, rec *message.Record) (int64, error)
	LinkTracking(ctx context.Context, trackingID string, messageID int64) error
}

// Request is an outbound message as submitted by the owner.
type Request struct {
	Account     message.Account      `json:"fromAccount"`
	To          string               `json:"to"`
	Cc          string               `json:"cc,omitempty"`
	Bcc         string               `json:"bcc,omitempty"`
	Subject     string               `json:"subject"`
	HTML        string               `json:"html"`
	TrackOpens  bool                 `json:"trackOpens,omitempty"`
	ThreadID    string               `json:"threadId,omitempty"`
	InReplyTo   string               `json:"inReplyTo,omitempty"`
	Attachments []compose.Attachment `json:"attachments,omitempty"`
}

// Result identifies the delivered message.
type Result struct {
	OK             bool   `json:"ok"`
	GmailMessageID string `json:"gmailMessageId"`
	GmailThreadID  string `json:"gmailThreadId"`
	TrackingID     string `json:"trackingId,omitempty"`
}

// ValidationError rejects a request before any I/O happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid send request: %s %s", e.Field, e.Reason)
}

// DeliveryError reports that the provider refused or failed to deliver
// the message.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string { return "sending message: " + e.Err.Error() }
func (e *DeliveryError) Unwrap() error { return e.Err }
func (e *DeliveryError) Cause() error  { return e.Err }

// Validate checks the required fields and normalizes the account.
func (r *Request) Validate() error {
	r.Account = message.Account(strings.ToLower(strings.TrimSpace(string(r.Account))))
	if r.Account == "" {
		r.Account = message.AccountMe
	}
	switch {
	case !r.Account.Valid():
		return &ValidationError{Field: "fromAccount", Reason: fmt.Sprintf("must be %q or %q", message.AccountMe, message.AccountNoreply)}
	case strings.TrimSpace(r.To) == "":
		return &ValidationError{Field: "to", Reason: "is required"}
	case strings.TrimSpace(r.Subject) == "":
		return &ValidationError{Field: "subject", Reason: "is required"}
	case r.HTML == "":
		return &ValidationError{Field: "html", Reason: "is required"}
	}
	return nil
}

// Pipeline composes, sends and records outbound mail.
type Pipeline struct {
	Mailer    Mailer
	Store     Store
	Addresses classify.Addresses

	// Origin used in tracking pixel URLs, e.g. "https://mail.example.com".
	PublicURL string

	Log *slog.Logger

	now   func() time.Time
	newID func() string
}

func (p *Pipeline) log() *slog.Logger {
	if p.Log == nil {
		return slog.Default()
	}
	return p.Log
}

func (p *Pipeline) clock() time.Time {
	if p.now == nil {
		return time.Now()
	}
	return p.now()
}

func (p *Pipeline) trackingID() string {
	if p.newID == nil {
		return uuid.NewString()
	}
	return p.newID()
}

// PixelURL is where the tracking pixel for id is served.
func (p *Pipeline) PixelURL(id string) string {
	return strings.TrimRight(p.PublicURL, "/") + "/track/" + id + ".png"
}

// Send delivers req.  A provider failure is returned as a *DeliveryError.  Failing to
// record the sent message is logged and otherwise ignored, since the
// message has already left.
func (p *Pipeline) Send(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	from := p.Addresses.ForAccount(req.Account)

	html := req.HTML
	var trackingID string
	if req.TrackOpens {
		trackingID = p.trackingID()
		if err := p.Store.CreateTracking(ctx, trackingID); err != nil {
			return nil, errors.Wrap(err, "registering tracking id")
		}
		html = compose.InjectPixel(html, p.PixelURL(trackingID))
	}

	raw := compose.Compose(compose.Fields{
		From:      from,
		To:        req.To,
		Cc:        req.Cc,
		Bcc:       req.Bcc,
		Subject:   req.Subject,
		HTML:      html,
		InReplyTo: req.InReplyTo,
	}, req.Attachments)

	sent, err := p.Mailer.SendRaw(ctx, raw, req.ThreadID)
	if err != nil {
		return nil, &DeliveryError{Err: err}
	}
	p.log().Info("Sent message",
		slog.String("id", sent.PermID),
		slog.String("account", string(req.Account)),
		slog.Bool("tracked", trackingID != ""))

	p.persist(ctx, req, from, html, sent, trackingID)

	return &Result{
		OK:             true,
		GmailMessageID: sent.PermID,
		GmailThreadID:  sent.ThreadID,
		TrackingID:     trackingID,
	}, nil
}

func (p *Pipeline) persist(ctx context.Context, req Request, from, html string, sent message.ID, trackingID string) {
	log := p.log().With(slog.String("id", sent.PermID))
	rec := &message.Record{
		GmailMessageID: sent.PermID,
		GmailThreadID:  sent.ThreadID,
		Account:        req.Account,
		Direction:      message.Outbound,
		From:           from,
		To:             classify.ExtractAddresses(req.To),
		Cc:             classify.ExtractAddresses(req.Cc),
		Bcc:            classify.ExtractAddresses(req.Bcc),
		Subject:        req.Subject,
		BodyHTML:       &html,
		LabelIDs:       []string{message.LabelSent},
		InternalDate:   p.clock().UTC(),
		Flags:          message.Flags{IsRead: true},
		Attachments:    AttachmentMeta(req.Attachments),
	}
	id, err := p.Store.UpsertMessage(ctx, rec)
	if err != nil {
		log.Warn("Failed to record sent message", sloki.WrapError(err))
		return
	}
	if trackingID == "" {
		return
	}
	if err := p.Store.LinkTracking(ctx, trackingID, id); err != nil {
		log.Warn("Failed to link tracking id", slog.String("tracking_id", trackingID), sloki.WrapError(err))
	}
}

// AttachmentMeta converts outbound attachments to stored metadata.  The
// content stays inline so the local copy can be served without the
// provider.
func AttachmentMeta(atts []compose.Attachment) []message.Attachment {
	var out []message.Attachment
	for i, a := range atts {
		mimeType := a.ContentType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		content := strings.Join(strings.Fields(a.ContentBase64), "")
		out = append(out, message.Attachment{
			Filename:      a.Filename,
			MimeType:      mimeType,
			Size:          int64(len(content)) * 3 / 4,
			ContentBase64: content,
			LocalID:       fmt.Sprintf("local-%d", i),
		})
	}
	return out
}
