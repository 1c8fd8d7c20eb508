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

package gmailhttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

type tokenServer struct {
	*httptest.Server
	hits      atomic.Int32
	expiresIn int
	status    int
	release   chan struct{}

	mu   sync.Mutex
	form map[string]string
}

func newTokenServer(t *testing.T, expiresIn int) *tokenServer {
	t.Helper()
	ts := &tokenServer{expiresIn: expiresIn, status: http.StatusOK}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.hits.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() = %v", err)
		}
		ts.mu.Lock()
		ts.form = map[string]string{}
		for k := range r.PostForm {
			ts.form[k] = r.PostForm.Get(k)
		}
		ts.mu.Unlock()
		if ts.release != nil {
			<-ts.release
		}
		w.Header().Set("Content-Type", "application/json")
		if ts.status != http.StatusOK {
			w.WriteHeader(ts.status)
			fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
			return
		}
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":%d}`, n, ts.expiresIn)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newCache(t *testing.T, ts *tokenServer) *Cache {
	t.Helper()
	c, err := New(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RefreshToken: "refresh",
		TokenURL:     ts.URL + "/token",
		HTTPClient:   ts.Client(),
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return c
}

func TestAccessTokenCaches(t *testing.T) {
	ts := newTokenServer(t, 3600)
	c := newCache(t, ts)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		got, err := c.AccessToken(ctx)
		if err != nil {
			t.Fatalf("AccessToken() = %v", err)
		}
		if got != "tok-1" {
			t.Errorf("AccessToken() = %q, want %q", got, "tok-1")
		}
	}
	if n := ts.hits.Load(); n != 1 {
		t.Errorf("token endpoint hit %d times, want 1", n)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	want := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": "refresh",
		"client_id":     "client",
		"client_secret": "secret",
	}
	for k, v := range want {
		if ts.form[k] != v {
			t.Errorf("form[%q] = %q, want %q", k, ts.form[k], v)
		}
	}
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	// Tokens that expire inside the margin are never served from
	// the cache.
	ts := newTokenServer(t, 20)
	c := newCache(t, ts)
	ctx := context.Background()
	first, err := c.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken() = %v", err)
	}
	second, err := c.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken() = %v", err)
	}
	if first == second {
		t.Errorf("AccessToken() returned %q twice, want a refreshed token", first)
	}
	if n := ts.hits.Load(); n != 2 {
		t.Errorf("token endpoint hit %d times, want 2", n)
	}
}

func TestConcurrentCallersShareRefresh(t *testing.T) {
	ts := newTokenServer(t, 3600)
	ts.release = make(chan struct{})
	c := newCache(t, ts)

	const callers = 10
	var wg sync.WaitGroup
	got := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = c.AccessToken(context.Background())
		}(i)
	}
	close(ts.release)
	wg.Wait()

	for i := range got {
		if errs[i] != nil {
			t.Errorf("caller %d: AccessToken() = %v", i, errs[i])
		}
		if got[i] != "tok-1" {
			t.Errorf("caller %d: AccessToken() = %q, want %q", i, got[i], "tok-1")
		}
	}
	if n := ts.hits.Load(); n != 1 {
		t.Errorf("token endpoint hit %d times, want 1", n)
	}
}

func TestRefreshFailure(t *testing.T) {
	ts := newTokenServer(t, 3600)
	ts.status = http.StatusBadRequest
	c := newCache(t, ts)

	for i := 0; i < 2; i++ {
		_, err := c.AccessToken(context.Background())
		var re *RefreshError
		if !errors.As(err, &re) {
			t.Fatalf("AccessToken() = %v, want *RefreshError", err)
		}
	}
	// Failures are not cached.
	if n := ts.hits.Load(); n != 2 {
		t.Errorf("token endpoint hit %d times, want 2", n)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{ClientID: "c"}); err == nil {
		t.Errorf("New(no refresh token) = nil error, want error")
	}
}

func TestNewClientAuthorizes(t *testing.T) {
	ts := newTokenServer(t, 3600)
	c := newCache(t, ts)

	var auth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer api.Close()

	resp, err := NewClient(c, api.Client().Transport).Get(api.URL)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	resp.Body.Close()
	if auth != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want %q", auth, "Bearer tok-1")
	}
}
