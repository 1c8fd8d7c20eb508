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

package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/OliverSchlueter/goutils/idgen"
	"github.com/OliverSchlueter/goutils/problems"
	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/pkg/errors"

	"github.com/matta/mailsync/internal/compose"
	"github.com/matta/mailsync/internal/gmail"
	"github.com/matta/mailsync/internal/inbound"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/persist"
	"github.com/matta/mailsync/internal/send"
	"github.com/matta/mailsync/internal/sync"
)

type syncResponse struct {
	*sync.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) runSync(w http.ResponseWriter, r *http.Request, full bool) {
	res, err := s.Sync(r.Context(), full)
	if err != nil {
		s.logError(r, "Sync failed", err)
		writeJSON(w, http.StatusInternalServerError, syncResponse{Result: res, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Result: res})
}

// handleSyncSecret serves scheduled incremental syncs.
func (s *Server) handleSyncSecret(w http.ResponseWriter, r *http.Request) {
	if !secretMatches(r.Header.Get("X-Sync-Secret"), s.cfg.SyncSecret) {
		unauthorized(w)
		return
	}
	s.runSync(w, r, false)
}

func (s *Server) handleSyncSession(w http.ResponseWriter, r *http.Request) {
	s.runSync(w, r, r.URL.Query().Get("full") == "true")
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.user(r); !ok && !secretMatches(r.Header.Get("X-Api-Key"), s.cfg.APIKey) {
		unauthorized(w)
		return
	}
	var req send.Request
	if err := decodeJSON(w, r, &req); err != nil {
		problems.CouldNotDecodeBody().WriteToHTTP(w)
		return
	}
	res, err := s.sender.Send(r.Context(), req)
	var verr *send.ValidationError
	var derr *send.DeliveryError
	switch {
	case errors.As(err, &verr):
		problems.ValidationError(verr.Field, verr.Reason).WriteToHTTP(w)
	case errors.As(err, &derr):
		s.logError(r, "Send failed", err)
		http.Error(w, derr.Error(), http.StatusBadGateway)
	case err != nil:
		s.logError(r, "Send failed", err)
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInboundBody))
	if err != nil {
		problems.CouldNotDecodeBody().WriteToHTTP(w)
		return
	}
	rec, err := s.ingestor.Ingest(r.Context(), raw, inbound.Meta{
		Secret:     r.Header.Get("X-Email-Routing-Secret"),
		Account:    r.Header.Get("X-Mail-Account"),
		OriginalTo: r.Header.Get("X-Original-To"),
	})
	if err == inbound.ErrUnauthorized {
		unauthorized(w)
		return
	}
	if err != nil {
		s.logError(r, "Inbound ingest failed", err)
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "gmailMessageId": rec.GmailMessageID})
}

type actionRequest struct {
	Action    string `json:"action"`
	MessageID string `json:"messageId"`
}

// flagActions maps each flag-flipping action to its update.
var flagActions = map[string]func(*persist.FlagUpdate){
	"archive":    func(u *persist.FlagUpdate) { u.Archived = boolPtr(true) },
	"unarchive":  func(u *persist.FlagUpdate) { u.Archived = boolPtr(false) },
	"trash":      func(u *persist.FlagUpdate) { u.Trashed = boolPtr(true) },
	"untrash":    func(u *persist.FlagUpdate) { u.Trashed = boolPtr(false) },
	"star":       func(u *persist.FlagUpdate) { u.Starred = boolPtr(true) },
	"unstar":     func(u *persist.FlagUpdate) { u.Starred = boolPtr(false) },
	"markRead":   func(u *persist.FlagUpdate) { u.Read = boolPtr(true) },
	"markUnread": func(u *persist.FlagUpdate) { u.Read = boolPtr(false) },
}

func boolPtr(b bool) *bool { return &b }

// handleAction applies an owner action to the local copy only.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		problems.CouldNotDecodeBody().WriteToHTTP(w)
		return
	}
	if req.Action == "" || req.MessageID == "" {
		problems.ValidationError("action", "action and messageId are required").WriteToHTTP(w)
		return
	}

	var err error
	if req.Action == "delete" {
		err = s.store.DeleteMessage(r.Context(), req.MessageID)
	} else if apply, ok := flagActions[req.Action]; ok {
		var u persist.FlagUpdate
		apply(&u)
		err = s.store.SetFlags(r.Context(), req.MessageID, u)
	} else {
		problems.ValidationError("action", fmt.Sprintf("unknown action %q", req.Action)).WriteToHTTP(w)
		return
	}

	if errors.Cause(err) == persist.ErrNotFound {
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logError(r, "Action failed", err)
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type draftRequest struct {
	ID          int64                `json:"id,omitempty"`
	Account     message.Account      `json:"fromAccount"`
	To          string               `json:"to"`
	Cc          string               `json:"cc,omitempty"`
	Bcc         string               `json:"bcc,omitempty"`
	Subject     string               `json:"subject"`
	HTML        string               `json:"html"`
	Attachments []compose.Attachment `json:"attachments,omitempty"`
}

// splitRecipients splits a comma separated list, dropping empty entries.
func splitRecipients(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// newDraftID returns a provisional provider id for a draft that has not
// been sent.
func (s *Server) newDraftID() string {
	return fmt.Sprintf("draft_%d_%s", s.now().UnixMilli(), strings.ToLower(idgen.GenerateID(10)))
}

func (s *Server) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := decodeJSON(w, r, &req); err != nil {
		problems.CouldNotDecodeBody().WriteToHTTP(w)
		return
	}
	account := message.Account(strings.ToLower(strings.TrimSpace(string(req.Account))))
	if account == "" {
		account = message.AccountMe
	}
	if !account.Valid() {
		problems.ValidationError("fromAccount", fmt.Sprintf("must be %q or %q", message.AccountMe, message.AccountNoreply)).WriteToHTTP(w)
		return
	}
	subject := req.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	html := req.HTML
	text := inbound.StripTags(html)

	rec := &message.Record{
		ID:           req.ID,
		Account:      account,
		Direction:    message.Outbound,
		From:         s.cfg.Addresses.ForAccount(account),
		To:           splitRecipients(req.To),
		Cc:           splitRecipients(req.Cc),
		Bcc:          splitRecipients(req.Bcc),
		Subject:      subject,
		BodyText:     &text,
		BodyHTML:     &html,
		LabelIDs:     []string{message.LabelDraft},
		InternalDate: s.now().UTC(),
		Attachments:  send.AttachmentMeta(req.Attachments),
	}
	if rec.ID == 0 {
		id := s.newDraftID()
		rec.GmailMessageID, rec.GmailThreadID = id, id
	}

	id, err := s.store.SaveDraft(r.Context(), rec)
	if errors.Cause(err) == persist.ErrNotFound {
		http.Error(w, "Draft not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logError(r, "Saving draft failed", err)
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": id})
}

func (s *Server) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		problems.CouldNotDecodeBody().WriteToHTTP(w)
		return
	}
	if req.ID <= 0 {
		problems.ValidationError("id", "a draft id is required").WriteToHTTP(w)
		return
	}
	err := s.store.DeleteDraft(r.Context(), req.ID)
	if errors.Cause(err) == persist.ErrNotFound {
		http.Error(w, "Draft not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logError(r, "Deleting draft failed", err)
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// messageView is the wire form of a stored message.
type messageView struct {
	ID             int64                `json:"id"`
	GmailMessageID string               `json:"gmailMessageId"`
	GmailThreadID  string               `json:"gmailThreadId"`
	Account        message.Account      `json:"account"`
	Direction      message.Direction    `json:"direction"`
	From           string               `json:"from"`
	To             []string             `json:"to"`
	Cc             []string             `json:"cc"`
	Bcc            []string             `json:"bcc"`
	Subject        string               `json:"subject"`
	Snippet        string               `json:"snippet"`
	BodyText       *string              `json:"bodyText"`
	BodyHTML       *string              `json:"bodyHtml"`
	LabelIDs       []string             `json:"labelIds"`
	InternalDate   time.Time            `json:"internalDate"`
	IsDraft        bool                 `json:"isDraft"`
	IsRead         bool                 `json:"isRead"`
	IsStarred      bool                 `json:"isStarred"`
	IsTrashed      bool                 `json:"isTrashed"`
	IsArchived     bool                 `json:"isArchived"`
	Attachments    []message.Attachment `json:"attachments"`
}

func toView(rec *message.Record) messageView {
	atts := make([]message.Attachment, len(rec.Attachments))
	for i, a := range rec.Attachments {
		// Content is served by the attachment route.
		a.ContentBase64 = ""
		atts[i] = a
	}
	return messageView{
		ID:             rec.ID,
		GmailMessageID: rec.GmailMessageID,
		GmailThreadID:  rec.GmailThreadID,
		Account:        rec.Account,
		Direction:      rec.Direction,
		From:           rec.From,
		To:             rec.To,
		Cc:             rec.Cc,
		Bcc:            rec.Bcc,
		Subject:        rec.Subject,
		Snippet:        rec.Snippet,
		BodyText:       rec.BodyText,
		BodyHTML:       rec.BodyHTML,
		LabelIDs:       rec.LabelIDs,
		InternalDate:   rec.InternalDate,
		IsDraft:        rec.IsDraft,
		IsRead:         rec.IsRead,
		IsStarred:      rec.IsStarred,
		IsTrashed:      rec.IsTrashed,
		IsArchived:     rec.IsArchived,
		Attachments:    atts,
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := persist.Filter{
		Account:        message.Account(q.Get("account")),
		Direction:      message.Direction(q.Get("direction")),
		ThreadID:       q.Get("thread"),
		IncludeTrashed: q.Get("trashed") == "true",
	}
	if f.Account != "" && !f.Account.Valid() {
		problems.ValidationError("account", "unknown account").WriteToHTTP(w)
		return
	}
	if d := q.Get("drafts"); d != "" {
		b, err := strconv.ParseBool(d)
		if err != nil {
			problems.ValidationError("drafts", "must be true or false").WriteToHTTP(w)
			return
		}
		f.Drafts = &b
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			problems.ValidationError("limit", "must be a positive integer").WriteToHTTP(w)
			return
		}
		f.Limit = n
	}

	recs, err := s.store.ListMessages(r.Context(), f)
	if err != nil {
		s.logError(r, "Listing messages failed", err)
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
		return
	}
	out := make([]messageView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAttachment serves attachment bytes.  Ids starting with "local-"
// name content stored with the message; anything else is fetched from
// the provider.
func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	msgID := r.PathValue("messageID")
	attID := r.PathValue("attachmentID")

	contentType := "application/octet-stream"
	var data []byte
	if strings.HasPrefix(attID, "local-") {
		rec, err := s.store.GetMessage(r.Context(), msgID)
		if errors.Cause(err) == persist.ErrNotFound {
			http.Error(w, "Attachment not found", http.StatusNotFound)
			return
		}
		if err != nil {
			s.logError(r, "Reading message failed", err)
			problems.InternalServerError(err.Error()).WriteToHTTP(w)
			return
		}
		var found *message.Attachment
		for i := range rec.Attachments {
			if rec.Attachments[i].LocalID == attID {
				found = &rec.Attachments[i]
				break
			}
		}
		if found == nil || found.ContentBase64 == "" {
			http.Error(w, "Attachment not found", http.StatusNotFound)
			return
		}
		data, err = base64.StdEncoding.DecodeString(found.ContentBase64)
		if err != nil {
			s.logError(r, "Decoding attachment failed", err)
			problems.InternalServerError("stored attachment is corrupt").WriteToHTTP(w)
			return
		}
		contentType = found.MimeType
		if found.Filename != "" {
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", found.Filename))
		}
	} else {
		var err error
		data, err = s.attachments.GetAttachment(r.Context(), msgID, attID)
		var gerr *gmail.Error
		switch {
		case errors.Cause(err) == gmail.ErrMessageNotFound,
			errors.As(err, &gerr) && gerr.Status == http.StatusNotFound:
			http.Error(w, "Attachment not found", http.StatusNotFound)
			return
		case err != nil:
			s.logError(r, "Fetching attachment failed", err)
			http.Error(w, "Failed to fetch attachment", http.StatusBadGateway)
			return
		}
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusOK)
}

// transparentPNG is a 1x1 transparent image.
var transparentPNG, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mP8/x8AAwMCAO6q2XcAAAAASUVORK5CYII=")

// clientIP prefers proxy supplied addresses over the socket peer.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("Cf-Connecting-Ip"); ip != "" {
		return strings.TrimSpace(ip)
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func hashIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

// handleTrack records a pixel fetch and always serves the pixel.  Opens
// are stored with a hash of the client address, never the address.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	trackingID, ok := strings.CutSuffix(r.PathValue("file"), ".png")
	if !ok || trackingID == "" {
		http.NotFound(w, r)
		return
	}
	err := s.store.RecordOpen(r.Context(), persist.Open{
		TrackingID: trackingID,
		UserAgent:  r.UserAgent(),
		IPHash:     hashIP(clientIP(r)),
	})
	if err != nil {
		s.log.WarnContext(r.Context(), "Failed to record open", slog.String("tracking_id", trackingID), sloki.WrapError(err))
	}

	h := w.Header()
	h.Set("Content-Type", "image/png")
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(transparentPNG)
}
