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

// Package credential keeps long lived secrets, such as the provider
// refresh token, in the operating system keyring.
package credential

import (
	"github.com/99designs/keyring"
	"github.com/pkg/errors"
)

const serviceName = "mailsync"

// RefreshTokenKey names the OAuth refresh token in the keyring.
const RefreshTokenKey = "google.refresh_token"

// ErrNotFound is returned by Get for keys never stored.
var ErrNotFound = keyring.ErrKeyNotFound

// Store reads and writes secrets in a keyring.
type Store struct {
	ring keyring.Keyring
}

// Open returns a Store backed by the first available system keyring.
// fileDir is used by the encrypted file fallback.
func Open(fileDir string) (*Store, error) {
	if fileDir == "" {
		fileDir = "~/.config/mailsync/credentials"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening keyring")
	}
	return New(ring), nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Get retrieves a credential value by key.
func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		return "", errors.Wrapf(err, "getting credential %q", key)
	}
	return string(item.Data), nil
}

// Set stores a credential value by key.
func (s *Store) Set(key, value string) error {
	if value == "" {
		return errors.Errorf("refusing to store empty credential %q", key)
	}
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	return errors.Wrapf(err, "setting credential %q", key)
}

// Delete removes a credential by key.
func (s *Store) Delete(key string) error {
	return errors.Wrapf(s.ring.Remove(key), "deleting credential %q", key)
}
