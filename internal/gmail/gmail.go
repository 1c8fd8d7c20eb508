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
	"fmt"
	"log/slog"
	"net/http"

	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	ModifyScope = gmail_api.GmailModifyScope
	SendScope   = gmail_api.GmailSendScope

	// The authenticated user.
	me = "me"

	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsPerMessagesGet    = 5
	quotaUnitsPerMessagesList   = 5
	quotaUnitsPerMessagesSend   = 100
	quotaUnitsPerAttachmentsGet = 5

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	chatLabel = "CHAT"
)

var (
	ErrMessageNotFound = errors.New("gmail message not found")
)

// Error is a failed provider call.  Status is the HTTP status, or zero
// when the request never got a response.
type Error struct {
	Op     string
	Status int
	Text   string
	Err    error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("gmail %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gmail %s: status %d: %s", e.Op, e.Status, e.Text)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether a later attempt could succeed.
func (e *Error) Temporary() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Client provides access to messages stored in Google's GMail system.
type Client struct {
	service *gmail_api.Service
	limiter *rate.Limiter
	log     *slog.Logger
}

// New returns a Client that talks to the API through httpClient, which
// must already attach credentials.  Extra options are passed to the
// generated service, e.g. option.WithEndpoint in tests.
func New(ctx context.Context, httpClient *http.Client, log *slog.Logger, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	s, err := gmail_api.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail service")
	}
	if log == nil {
		log = slog.Default()
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &Client{service: s, limiter: l, log: log}, nil
}

func isChat(msg *gmail_api.Message) bool {
	for _, label := range msg.LabelIds {
		if label == chatLabel {
			return true
		}
	}
	return false
}

// apiError converts a failure of the generated client into an *Error.
// Context errors pass through unchanged.
func apiError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		text := gerr.Message
		if text == "" {
			text = gerr.Body
		}
		return &Error{Op: op, Status: gerr.Code, Text: text, Err: err}
	}
	return &Error{Op: op, Err: err}
}

func isNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusNotFound
}

// ListMessages returns one page of message references carrying all of
// labelIDs.
func (c *Client) ListMessages(ctx context.Context, labelIDs []string, pageToken string, max int64) (*message.Page, error) {
	if err := c.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return nil, err
	}
	call := c.service.Users.Messages.List(me).Context(ctx).LabelIds(labelIDs...)
	if max > 0 {
		call = call.MaxResults(max)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, apiError(ctx, "messages.list", err)
	}
	page := &message.Page{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, message.ID{PermID: m.Id, ThreadID: m.ThreadId})
	}
	c.log.Debug("Listed page of Gmail messages",
		slog.Any("labels", labelIDs),
		slog.Int("count", len(page.IDs)),
		slog.Bool("more", page.NextPageToken != ""))
	return page, nil
}

// GetMessage fetches the full form of one message.  Missing messages and
// chat messages yield ErrMessageNotFound.
func (c *Client) GetMessage(ctx context.Context, id string) (*message.Remote, error) {
	if err := c.limiter.WaitN(ctx, quotaUnitsPerMessagesGet); err != nil {
		return nil, err
	}
	msg, err := c.service.Users.Messages.Get(me, id).Context(ctx).Format("full").Do()
	if err != nil {
		err = apiError(ctx, "messages.get", err)
		if isNotFound(err) {
			c.log.Warn("Gmail message not found", slog.String("id", id))
			return nil, errors.Wrapf(ErrMessageNotFound, "getting message %v from gmail", id)
		}
		return nil, err
	}
	if isChat(msg) {
		return nil, errors.Wrapf(ErrMessageNotFound, "message %v is a chat message", id)
	}
	return toRemote(msg), nil
}

func toRemote(msg *gmail_api.Message) *message.Remote {
	r := &message.Remote{
		ID:             message.ID{PermID: msg.Id, ThreadID: msg.ThreadId},
		LabelIDs:       msg.LabelIds,
		InternalDateMs: msg.InternalDate,
		Snippet:        msg.Snippet,
	}
	if msg.Payload != nil {
		r.Payload = toPart(msg.Payload)
		r.Headers = r.Payload.Headers
	}
	return r
}

func toPart(p *gmail_api.MessagePart) *message.Part {
	part := &message.Part{
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, message.Header{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		part.Data = p.Body.Data
		part.AttachmentID = p.Body.AttachmentId
		part.Size = p.Body.Size
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, toPart(child))
	}
	return part
}

// SendRaw submits an RFC 2822 payload, optionally into an existing
// thread, and returns the identifiers the provider assigned.
func (c *Client) SendRaw(ctx context.Context, raw, threadID string) (message.ID, error) {
	if err := c.limiter.WaitN(ctx, quotaUnitsPerMessagesSend); err != nil {
		return message.ID{}, err
	}
	msg := &gmail_api.Message{
		Raw:      base64.RawURLEncoding.EncodeToString([]byte(raw)),
		ThreadId: threadID,
	}
	sent, err := c.service.Users.Messages.Send(me, msg).Context(ctx).Do()
	if err != nil {
		return message.ID{}, apiError(ctx, "messages.send", err)
	}
	return message.ID{PermID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// GetAttachment returns the decoded bytes of one attachment.
func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	if err := c.limiter.WaitN(ctx, quotaUnitsPerAttachmentsGet); err != nil {
		return nil, err
	}
	body, err := c.service.Users.Messages.Attachments.Get(me, messageID, attachmentID).Context(ctx).Do()
	if err != nil {
		err = apiError(ctx, "attachments.get", err)
		if isNotFound(err) {
			return nil, errors.Wrapf(ErrMessageNotFound, "attachment %v of message %v", attachmentID, messageID)
		}
		return nil, err
	}
	b, err := message.DecodeData(body.Data)
	if err != nil {
		return nil, errors.Wrapf(err, "attachment %v of message %v", attachmentID, messageID)
	}
	return b, nil
}
