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

// Package server exposes synchronization, sending and the local mailbox
// over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"

	"github.com/matta/mailsync/internal/classify"
	"github.com/matta/mailsync/internal/inbound"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/persist"
	"github.com/matta/mailsync/internal/send"
	"github.com/matta/mailsync/internal/session"
	"github.com/matta/mailsync/internal/sync"
)

// SessionCookie carries the owner's session token.
const SessionCookie = "session"

const (
	maxJSONBody    = 32 << 20
	maxInboundBody = 40 << 20
)

// Syncer runs one synchronization pass.
type Syncer interface {
	Sync(ctx context.Context, full bool) (*sync.Result, error)
}

// Sender delivers outbound mail.
type Sender interface {
	Send(ctx context.Context, req send.Request) (*send.Result, error)
}

// Ingestor stores relayed mail.
type Ingestor interface {
	Ingest(ctx context.Context, raw []byte, meta inbound.Meta) (*message.Record, error)
}

// AttachmentFetcher downloads provider attachment content.
type AttachmentFetcher interface {
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// Store is the local mailbox.
type Store interface {
	GetMessage(ctx context.Context, gmailID string) (*message.Record, error)
	ListMessages(ctx context.Context, f persist.Filter) ([]*message.Record, error)
	SetFlags(ctx context.Context, gmailID string, u persist.FlagUpdate) error
	DeleteMessage(ctx context.Context, gmailID string) error
	SaveDraft(ctx context.Context, rec *message.Record) (int64, error)
	DeleteDraft(ctx context.Context, id int64) error
	RecordOpen(ctx context.Context, o persist.Open) error
}

// Config holds the shared secrets and addresses the handlers check
// against.  An empty secret disables the route it guards.
type Config struct {
	SyncSecret string
	APIKey     string
	Addresses  classify.Addresses

	// Mark the session cookie Secure.
	SecureCookies bool
}

// Server routes HTTP requests to the mail components.
type Server struct {
	cfg         Config
	sessions    *session.Service
	syncer      Syncer
	sender      Sender
	ingestor    Ingestor
	attachments AttachmentFetcher
	store       Store
	log         *slog.Logger

	// Serializes sync passes from any source.
	syncMu gosync.Mutex

	now func() time.Time
}

// Deps are the collaborators of a Server.
type Deps struct {
	Sessions    *session.Service
	Syncer      Syncer
	Sender      Sender
	Ingestor    Ingestor
	Attachments AttachmentFetcher
	Store       Store
	Log         *slog.Logger
}

func New(cfg Config, d Deps) *Server {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		sessions:    d.Sessions,
		syncer:      d.Syncer,
		sender:      d.Sender,
		ingestor:    d.Ingestor,
		attachments: d.Attachments,
		store:       d.Store,
		log:         log,
		now:         time.Now,
	}
}

// Handler returns the routed, logged handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sync", s.handleSyncSecret)
	mux.HandleFunc("POST /api/sync", s.requireSession(s.handleSyncSession))
	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("POST /api/inbound/email", s.handleInbound)
	mux.HandleFunc("POST /api/actions", s.requireSession(s.handleAction))
	mux.HandleFunc("POST /api/drafts", s.requireSession(s.handleSaveDraft))
	mux.HandleFunc("DELETE /api/drafts", s.requireSession(s.handleDeleteDraft))
	mux.HandleFunc("GET /api/messages", s.requireSession(s.handleListMessages))
	mux.HandleFunc("GET /api/attachment/{messageID}/{attachmentID}", s.requireSession(s.handleAttachment))
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /track/{file}", s.handleTrack)
	return s.logRequests(mux)
}

// Sync runs one pass, waiting for any pass already in progress.
func (s *Server) Sync(ctx context.Context, full bool) (*sync.Result, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.syncer.Sync(ctx, full)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelInfo
		if rec.status >= 500 {
			level = slog.LevelError
		}
		s.log.Log(r.Context(), level, "HTTP request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", s.now().Sub(start)))
	})
}

// secretMatches compares in constant time.  An unconfigured secret
// never matches.
func secretMatches(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

type userKey struct{}

// user returns the session owner of r, if any.  The token is read from
// the session cookie or a bearer Authorization header.
func (s *Server) user(r *http.Request) (session.User, bool) {
	if s.sessions == nil {
		return session.User{}, false
	}
	var token string
	if c, err := r.Cookie(SessionCookie); err == nil {
		token = c.Value
	} else if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		token = v
	}
	if token == "" {
		return session.User{}, false
	}
	u, err := s.sessions.Verify(token)
	if err != nil {
		return session.User{}, false
	}
	return u, true
}

func (s *Server) requireSession(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := s.user(r)
		if !ok {
			unauthorized(w)
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), userKey{}, u)))
	}
}

func unauthorized(w http.ResponseWriter) {
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Error marshalling response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v)
}

func (s *Server) logError(r *http.Request, msg string, err error) {
	s.log.ErrorContext(r.Context(), msg, slog.String("path", r.URL.Path), sloki.WrapError(err))
}
