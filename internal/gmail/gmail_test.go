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

package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"google.golang.org/api/option"

	"github.com/matta/mailsync/internal/message"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)),
		option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return c
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, code, msg)
}

func TestListMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q["labelIds"]; len(got) != 1 || got[0] != "INBOX" {
			t.Errorf("labelIds = %v, want [INBOX]", got)
		}
		if got := q.Get("maxResults"); got != "50" {
			t.Errorf("maxResults = %q, want 50", got)
		}
		if got := q.Get("pageToken"); got != "p1" {
			t.Errorf("pageToken = %q, want p1", got)
		}
		fmt.Fprint(w, `{"messages":[{"id":"m1","threadId":"t1"},{"id":"m2","threadId":"t2"}],"nextPageToken":"p2"}`)
	})
	c := newTestClient(t, mux)

	got, err := c.ListMessages(context.Background(), []string{"INBOX"}, "p1", 50)
	if err != nil {
		t.Fatalf("ListMessages() = %v", err)
	}
	want := &message.Page{
		IDs:           []message.ID{{PermID: "m1", ThreadID: "t1"}, {PermID: "m2", ThreadID: "t2"}},
		NextPageToken: "p2",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListMessages() mismatch (-want +got):\n%s", diff)
	}
}

func TestGetMessage(t *testing.T) {
	html := base64.URLEncoding.EncodeToString([]byte("<p>hi</p>"))
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("format"); got != "full" {
			t.Errorf("format = %q, want full", got)
		}
		switch r.PathValue("id") {
		case "m1":
			fmt.Fprintf(w, `{
				"id": "m1", "threadId": "t1", "labelIds": ["INBOX", "UNREAD"],
				"internalDate": "1700000000000", "snippet": "hi",
				"payload": {
					"mimeType": "multipart/mixed",
					"headers": [{"name": "Subject", "value": "Hello"}, {"name": "To", "value": "me@x.com"}],
					"parts": [
						{"mimeType": "text/html", "body": {"data": %q, "size": 9}},
						{"mimeType": "application/pdf", "filename": "a.pdf", "body": {"attachmentId": "att1", "size": 1234}}
					]
				}
			}`, html)
		case "chat":
			fmt.Fprint(w, `{"id": "chat", "labelIds": ["CHAT"]}`)
		default:
			writeError(w, http.StatusNotFound, "Requested entity was not found.")
		}
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	got, err := c.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage() = %v", err)
	}
	hdrs := message.Headers{{Name: "Subject", Value: "Hello"}, {Name: "To", Value: "me@x.com"}}
	want := &message.Remote{
		ID:             message.ID{PermID: "m1", ThreadID: "t1"},
		LabelIDs:       []string{"INBOX", "UNREAD"},
		InternalDateMs: 1700000000000,
		Snippet:        "hi",
		Headers:        hdrs,
		Payload: &message.Part{
			MimeType: "multipart/mixed",
			Headers:  hdrs,
			Parts: []*message.Part{
				{MimeType: "text/html", Data: html, Size: 9},
				{MimeType: "application/pdf", Filename: "a.pdf", AttachmentID: "att1", Size: 1234},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetMessage() mismatch (-want +got):\n%s", diff)
	}

	for _, id := range []string{"gone", "chat"} {
		if _, err := c.GetMessage(ctx, id); errors.Cause(err) != ErrMessageNotFound {
			t.Errorf("GetMessage(%q) = %v, want %v", id, err, ErrMessageNotFound)
		}
	}
}

func TestGetMessageProviderError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusServiceUnavailable, "backend unavailable")
	})
	c := newTestClient(t, mux)

	_, err := c.GetMessage(context.Background(), "m1")
	var gerr *Error
	if !errors.As(err, &gerr) {
		t.Fatalf("GetMessage() = %v, want *Error", err)
	}
	if gerr.Status != http.StatusServiceUnavailable || gerr.Text != "backend unavailable" {
		t.Errorf("GetMessage() error = %+v, want status 503 and provider text", gerr)
	}
	if !gerr.Temporary() {
		t.Errorf("Temporary() = false for status 503, want true")
	}
}

func TestErrorTemporary(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{0, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
	}
	for _, tc := range cases {
		e := &Error{Op: "x", Status: tc.status}
		if got := e.Temporary(); got != tc.want {
			t.Errorf("Error{Status: %d}.Temporary() = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestSendRaw(t *testing.T) {
	const raw = "From: a@x.com\r\nTo: b@x.com\r\nSubject: s\r\n\r\n<p>hi</p>"
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Raw      string `json:"raw"`
			ThreadID string `json:"threadId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}
		decoded, err := base64.RawURLEncoding.DecodeString(body.Raw)
		if err != nil {
			t.Errorf("raw is not unpadded base64url: %v", err)
		}
		if string(decoded) != raw {
			t.Errorf("raw = %q, want %q", decoded, raw)
		}
		if body.ThreadID != "t9" {
			t.Errorf("threadId = %q, want t9", body.ThreadID)
		}
		fmt.Fprint(w, `{"id": "sent1", "threadId": "t9"}`)
	})
	c := newTestClient(t, mux)

	got, err := c.SendRaw(context.Background(), raw, "t9")
	if err != nil {
		t.Fatalf("SendRaw() = %v", err)
	}
	if want := (message.ID{PermID: "sent1", ThreadID: "t9"}); got != want {
		t.Errorf("SendRaw() = %+v, want %+v", got, want)
	}
}

func TestSendRawRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusBadRequest, "Invalid To header")
	})
	c := newTestClient(t, mux)

	_, err := c.SendRaw(context.Background(), "x", "")
	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Status != http.StatusBadRequest {
		t.Fatalf("SendRaw() = %v, want *Error with status 400", err)
	}
	if gerr.Temporary() {
		t.Errorf("Temporary() = true for status 400, want false")
	}
}

func TestGetAttachment(t *testing.T) {
	content := []byte("%PDF-1.4 \xff\xfe binary")
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{msg}/attachments/{att}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("msg") != "m1" || r.PathValue("att") != "att1" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		fmt.Fprintf(w, `{"data": %q, "size": %d}`, base64.URLEncoding.EncodeToString(content), len(content))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	got, err := c.GetAttachment(ctx, "m1", "att1")
	if err != nil {
		t.Fatalf("GetAttachment() = %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("GetAttachment() = %q, want %q", got, content)
	}
	if _, err := c.GetAttachment(ctx, "m1", "nope"); errors.Cause(err) != ErrMessageNotFound {
		t.Errorf("GetAttachment(missing) = %v, want %v", err, ErrMessageNotFound)
	}
}
