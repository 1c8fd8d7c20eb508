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

// Package session issues and verifies stateless, HMAC signed session
// tokens for the single mailbox owner.
//
// A token is two URL-safe base64 segments separated by a dot: the JSON
// payload and an HMAC-SHA256 of the encoded payload segment.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultTTL is used when Issue is given a non-positive lifetime.
const DefaultTTL = 14 * 24 * time.Hour

// ErrInvalid is returned by Verify for every kind of rejected token.
// Callers must not be able to tell a bad signature from an expired
// token.
var ErrInvalid = errors.New("invalid session token")

var enc = base64.RawURLEncoding

// User identifies the session holder.
type User struct {
	Subject string
	Email   string
}

type payload struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Iat   int64  `json:"iat"`
	Exp   int64  `json:"exp"`
}

// Service signs and verifies tokens with one secret.
type Service struct {
	secret []byte
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a Service signing with secret.
func New(secret string, opts ...Option) (*Service, error) {
	if secret == "" {
		return nil, errors.New("session secret is empty")
	}
	s := &Service{secret: []byte(secret), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Service) sign(segment string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(segment))
	return mac.Sum(nil)
}

// Issue returns a token for u valid for ttl.
func (s *Service) Issue(u User, ttl time.Duration) (string, error) {
	if u.Subject == "" || u.Email == "" {
		return "", errors.New("session user needs a subject and an email")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now()
	b, err := json.Marshal(payload{
		Sub:   u.Subject,
		Email: u.Email,
		Iat:   now.Unix(),
		Exp:   now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", errors.Wrap(err, "encoding session payload")
	}
	seg := enc.EncodeToString(b)
	return seg + "." + enc.EncodeToString(s.sign(seg)), nil
}

// Verify checks the token's signature and expiry and returns its user.
func (s *Service) Verify(token string) (User, error) {
	seg, sig, ok := strings.Cut(token, ".")
	if !ok || seg == "" || sig == "" || strings.Contains(sig, ".") {
		return User{}, ErrInvalid
	}
	got, err := enc.DecodeString(sig)
	if err != nil {
		return User{}, ErrInvalid
	}
	if !hmac.Equal(got, s.sign(seg)) {
		return User{}, ErrInvalid
	}
	b, err := enc.DecodeString(seg)
	if err != nil {
		return User{}, ErrInvalid
	}
	var p payload
	if err := json.Unmarshal(b, &p); err != nil {
		return User{}, ErrInvalid
	}
	if p.Sub == "" || p.Email == "" || p.Exp == 0 {
		return User{}, ErrInvalid
	}
	if !time.Unix(p.Exp, 0).After(s.now()) {
		return User{}, ErrInvalid
	}
	return User{Subject: p.Sub, Email: p.Email}, nil
}
