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

// This file declares the collaborators the engine pulls from and writes
// to.

import (
	"context"

	"github.com/matta/mailsync/internal/message"
)

// MessageLister lists message identifiers one page at a time.
type MessageLister interface {
	ListMessages(ctx context.Context, labelIDs []string, pageToken string, max int64) (*message.Page, error)
}

// MessageGetter fetches the full form of one message.  A message that has
// disappeared since it was listed yields an error whose cause is
// gmail.ErrMessageNotFound.
type MessageGetter interface {
	GetMessage(ctx context.Context, id string) (*message.Remote, error)
}

// Mailbox provides all remote actions the engine needs.
type Mailbox interface {
	MessageLister
	MessageGetter
}

// MessageStore is the local side of synchronization.
type MessageStore interface {
	HasMessage(ctx context.Context, gmailID string) (bool, error)
	UpsertMessage(ctx context.Context, rec *message.Record) (int64, error)

	// Cursor returns nil, nil for a partition never synced.
	Cursor(ctx context.Context, partition string) (*message.Cursor, error)
	SaveCursor(ctx context.Context, c message.Cursor) error
}
