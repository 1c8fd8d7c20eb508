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

// Package inbound stores raw RFC 822 messages handed over by a mail
// relay.  Such messages never pass through the provider mailbox, so they
// get synthesized identifiers.
package inbound

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/matta/mailsync/internal/classify"
	msg "github.com/matta/mailsync/internal/message"
)

const (
	// SnippetLength is the number of characters kept as a preview.
	SnippetLength = 240

	// Label recorded on messages whose DKIM signature verified.
	LabelDKIMPass = "DKIM_PASS"
	// Label recorded on messages whose DKIM signature failed or was
	// absent.
	LabelDKIMFail = "DKIM_FAIL"
)

// ErrUnauthorized is returned when the relay secret does not match.
var ErrUnauthorized = errors.New("inbound: unauthorized")

// Meta is the relay metadata accompanying a raw message.
type Meta struct {
	// Shared secret presented by the relay.
	Secret string

	// Account hint, "me" or "noreply".  Anything else is ignored.
	Account string

	// Envelope recipient as seen by the relay.
	OriginalTo string
}

// Store is where ingested messages end up.
type Store interface {
	UpsertMessage(ctx context.Context, rec *msg.Record) (int64, error)
}

// Ingestor authenticates, parses and stores relayed messages.
type Ingestor struct {
	Secret    string
	Store     Store
	Addresses classify.Addresses

	// When set, DKIM signatures are checked and the outcome recorded as
	// a label.  The message is stored either way.
	VerifyDKIM bool
	// Overrides DNS lookups during DKIM verification.
	LookupTXT func(domain string) ([]string, error)

	Log *slog.Logger

	now   func() time.Time
	newID func() string
}

func (in *Ingestor) log() *slog.Logger {
	if in.Log == nil {
		return slog.Default()
	}
	return in.Log
}

func (in *Ingestor) clock() time.Time {
	if in.now == nil {
		return time.Now()
	}
	return in.now()
}

func (in *Ingestor) fallbackID() string {
	if in.newID == nil {
		return uuid.NewString()
	}
	return in.newID()
}

// Authorized reports whether secret matches the configured one.  An
// unconfigured ingestor authorizes nothing.
func (in *Ingestor) Authorized(secret string) bool {
	if in.Secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(in.Secret)) == 1
}

// Ingest parses raw and upserts it.  Relaying the same message twice
// updates the existing record.
func (in *Ingestor) Ingest(ctx context.Context, raw []byte, meta Meta) (*msg.Record, error) {
	if !in.Authorized(meta.Secret) {
		return nil, ErrUnauthorized
	}
	rec, err := in.Parse(raw, meta)
	if err != nil {
		return nil, err
	}
	if in.VerifyDKIM {
		rec.LabelIDs = append(rec.LabelIDs, in.verify(raw, rec.GmailMessageID))
	}
	id, err := in.Store.UpsertMessage(ctx, rec)
	if err != nil {
		return nil, errors.Wrap(err, "storing inbound message")
	}
	rec.ID = id
	in.log().Info("Ingested message",
		slog.String("id", rec.GmailMessageID),
		slog.String("account", string(rec.Account)))
	return rec, nil
}

// Parse converts raw into a record without storing it.
func (in *Ingestor) Parse(raw []byte, meta Meta) (*msg.Record, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, errors.Wrap(err, "parsing message")
	}
	defer mr.Close()

	h := mr.Header
	to := addresses(&h, "To")
	cc := addresses(&h, "Cc")
	bcc := addresses(&h, "Bcc")

	messageID, _ := h.MessageID()
	var id, thread string
	if messageID != "" {
		id = "rfc822:<" + messageID + ">"
		thread = "rfc822-thread:<" + messageID + ">"
	} else {
		fresh := in.fallbackID()
		id = "rfc822:" + fresh
		thread = "rfc822-thread:" + fresh
	}

	subject, _ := h.Subject()
	date, err := h.Date()
	if err != nil || date.IsZero() {
		date = in.clock()
	}

	text, html, atts, err := readParts(mr)
	if err != nil {
		return nil, err
	}

	rec := &msg.Record{
		GmailMessageID: id,
		GmailThreadID:  thread,
		Account:        in.account(meta, to),
		Direction:      msg.Inbound,
		From:           from(&h),
		To:             to,
		Cc:             cc,
		Bcc:            bcc,
		Subject:        subject,
		BodyText:       text,
		BodyHTML:       html,
		LabelIDs:       []string{},
		InternalDate:   date.UTC(),
		Attachments:    atts,
	}
	rec.Snippet = Snippet(rec.BodyText, rec.BodyHTML)
	return rec, nil
}

// account resolves the owner account: a valid relay hint wins, then the
// envelope recipient, then the parsed To list.
func (in *Ingestor) account(meta Meta, to []string) msg.Account {
	if hint := msg.Account(strings.ToLower(strings.TrimSpace(meta.Account))); hint.Valid() {
		return hint
	}
	target := meta.OriginalTo
	if target == "" {
		target = strings.Join(to, ", ")
	}
	noreply := strings.ToLower(in.Addresses.Noreply)
	if noreply != "" && strings.Contains(strings.ToLower(target), noreply) {
		return msg.AccountNoreply
	}
	return msg.AccountMe
}

func (in *Ingestor) verify(raw []byte, id string) string {
	log := in.log().With(slog.String("id", id))
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(raw), &dkim.VerifyOptions{
		LookupTXT: in.LookupTXT,
	})
	if err != nil {
		log.Warn("DKIM verification failed", sloki.WrapError(err))
		return LabelDKIMFail
	}
	if len(verifications) == 0 {
		log.Info("Message carries no DKIM signature")
		return LabelDKIMFail
	}
	for _, v := range verifications {
		if v.Err != nil {
			log.Warn("DKIM signature invalid", slog.String("domain", v.Domain), sloki.WrapError(v.Err))
			return LabelDKIMFail
		}
	}
	log.Info("DKIM signature valid", slog.String("domain", verifications[0].Domain))
	return LabelDKIMPass
}

func addresses(h *mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		// Fall back to the lenient extractor for headers the strict
		// parser rejects.
		return classify.ExtractAddresses(h.Get(key))
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

func from(h *mail.Header) string {
	list, err := h.AddressList("From")
	if err == nil && len(list) > 0 {
		return list[0].Address
	}
	return h.Get("From")
}

// readParts collects the first text and HTML bodies and every
// attachment.  Attachment content is kept inline since the relay is the
// only copy.
func readParts(mr *mail.Reader) (text, html *string, atts []msg.Attachment, err error) {
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, nil, nil, errors.Wrap(err, "reading message part")
		}
		body, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "reading message part")
		}
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			s := string(body)
			switch {
			case ct == "text/plain" && text == nil:
				text = &s
			case ct == "text/html" && html == nil:
				html = &s
			}
		case *mail.AttachmentHeader:
			ct, _, _ := h.ContentType()
			if ct == "" {
				ct = "application/octet-stream"
			}
			name, _ := h.Filename()
			atts = append(atts, msg.Attachment{
				Filename:      name,
				MimeType:      ct,
				Size:          int64(len(body)),
				ContentBase64: base64.StdEncoding.EncodeToString(body),
				LocalID:       fmt.Sprintf("local-%d", len(atts)),
			})
		}
	}
	return text, html, atts, nil
}

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// StripTags removes anything that looks like an HTML tag.
func StripTags(s string) string {
	return tagPattern.ReplaceAllString(s, "")
}

// Snippet returns the first SnippetLength characters of the text body,
// or of the tag-stripped HTML body when there is no text.
func Snippet(text, html *string) string {
	var s string
	switch {
	case text != nil && *text != "":
		s = *text
	case html != nil:
		s = StripTags(*html)
	}
	r := []rune(s)
	if len(r) > SnippetLength {
		r = r[:SnippetLength]
	}
	return string(r)
}
