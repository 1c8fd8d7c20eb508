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

/*
Package gmailhttp implements an HTTP client for gmail.

OAuth 2.0 access tokens are minted from a long lived refresh token held
in configuration or the OS keyring, using the refresh_token grant
against Google's token endpoint.

The client's notion of token expiry is only an optimization that saves
a round trip to the token endpoint.  A token is treated as expired a
little before the server says it is (see expiryMargin) so that a token
handed out here does not lapse while a request is in flight.

Concurrent callers that find the cache stale share a single refresh.
A failed refresh is reported as a *RefreshError and is not retried; the
usual cause is a revoked or mistyped refresh token, which retrying
cannot fix.
*/
package gmailhttp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
)

const (
	// Tokens closer than this to expiry are refreshed.
	expiryMargin = 30 * time.Second

	// Lifetime assumed when the token endpoint omits expires_in.
	defaultLifetime = time.Hour
)

// Config holds the OAuth client registration and refresh token.
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string

	// Token endpoint.  Google's when empty.
	TokenURL string

	// Client used to reach the token endpoint.  http.DefaultClient
	// when nil.
	HTTPClient *http.Client
}

// RefreshError reports a failed exchange of the refresh token for an
// access token.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refreshing gmail access token: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Cache hands out a valid access token, refreshing it on demand.  It is
// safe for concurrent use and satisfies oauth2.TokenSource.
type Cache struct {
	oauth        oauth2.Config
	refreshToken string
	client       *http.Client
	now          func() time.Time

	flight singleflight.Group

	mu  sync.Mutex
	tok *oauth2.Token
}

// New returns an empty Cache for cfg.
func New(cfg Config) (*Cache, error) {
	if cfg.ClientID == "" || cfg.RefreshToken == "" {
		return nil, errors.New("gmail oauth client id and refresh token are required")
	}
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint = oauth2.Endpoint{TokenURL: cfg.TokenURL}
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Cache{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
		},
		refreshToken: cfg.RefreshToken,
		client:       client,
		now:          time.Now,
	}, nil
}

// cached returns the current token if it is comfortably unexpired.
func (c *Cache) cached() *oauth2.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok == nil || c.tok.AccessToken == "" {
		return nil
	}
	if c.tok.Expiry.Sub(c.now()) <= expiryMargin {
		return nil
	}
	return c.tok
}

// Token returns a valid token, refreshing if needed.
func (c *Cache) Token() (*oauth2.Token, error) {
	return c.token(context.Background())
}

// AccessToken returns a bearer credential valid for at least the expiry
// margin.
func (c *Cache) AccessToken(ctx context.Context) (string, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (c *Cache) token(ctx context.Context) (*oauth2.Token, error) {
	if tok := c.cached(); tok != nil {
		return tok, nil
	}
	// One caller's cancellation must not fail the others sharing the
	// flight.
	ctx = context.WithoutCancel(ctx)
	v, err, _ := c.flight.Do("refresh", func() (interface{}, error) {
		if tok := c.cached(); tok != nil {
			return tok, nil
		}
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (c *Cache) refresh(ctx context.Context) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: c.refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, &RefreshError{Err: err}
	}
	if tok.AccessToken == "" {
		return nil, &RefreshError{Err: errors.New("token endpoint returned no access token")}
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = c.now().Add(defaultLifetime)
	}
	c.mu.Lock()
	c.tok = tok
	c.mu.Unlock()
	return tok, nil
}

// NewClient returns an HTTP client that authorizes every request with a
// token from c.  base may be nil.
func NewClient(c *Cache, base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &oauth2.Transport{Source: c, Base: base}}
}
