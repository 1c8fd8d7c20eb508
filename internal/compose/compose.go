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

// Package compose builds RFC 2822 transport payloads for outbound HTML
// mail.  Everything here is pure; the only source of non-determinism is
// the multipart boundary.
package compose

import (
	"fmt"
	"mime"
	"strings"

	"github.com/google/uuid"
)

const (
	crlf = "\r\n"

	// Maximum encoded line length for base64 bodies.  See RFC 2045
	// section 6.8.
	Base64LineLength = 76

	defaultContentType = "application/octet-stream"
)

// Fields are the logical parts of an outbound message.
type Fields struct {
	From    string
	To      string
	Cc      string
	Bcc     string
	Subject string
	HTML    string

	// Message-ID of the message being replied to, including angle
	// brackets.  When set, In-Reply-To and References are emitted.
	InReplyTo string
}

// Attachment is an outbound file with base64 content in any line
// wrapping.
type Attachment struct {
	Filename      string `json:"filename"`
	ContentType   string `json:"contentType"`
	ContentBase64 string `json:"contentBase64"`
}

// usable reports whether the attachment has what it needs to be
// encoded.  Incomplete attachments are dropped rather than failing the
// message.
func (a Attachment) usable() bool {
	return a.Filename != "" && strings.TrimSpace(a.ContentBase64) != ""
}

func (a Attachment) contentType() string {
	if a.ContentType == "" {
		return defaultContentType
	}
	return a.ContentType
}

// encodeSubject leaves ASCII subjects untouched and RFC 2047 encodes the
// rest.
func encodeSubject(s string) string {
	return mime.QEncoding.Encode("UTF-8", s)
}

func addressHeaders(f Fields) []string {
	lines := []string{
		"From: " + f.From,
		"To: " + f.To,
	}
	if f.Cc != "" {
		lines = append(lines, "Cc: "+f.Cc)
	}
	if f.Bcc != "" {
		lines = append(lines, "Bcc: "+f.Bcc)
	}
	lines = append(lines,
		"Subject: "+encodeSubject(f.Subject),
		"MIME-Version: 1.0")
	return lines
}

func threadingHeaders(f Fields) []string {
	if f.InReplyTo == "" {
		return nil
	}
	return []string{
		"In-Reply-To: " + f.InReplyTo,
		"References: " + f.InReplyTo,
	}
}

// Single returns a single part text/html payload.
func Single(f Fields) string {
	lines := addressHeaders(f)
	lines = append(lines,
		"Content-Type: text/html; charset=UTF-8",
		"Content-Transfer-Encoding: 7bit")
	lines = append(lines, threadingHeaders(f)...)
	lines = append(lines, "", f.HTML)
	return strings.Join(lines, crlf)
}

// Multipart returns a multipart/mixed payload with the HTML body as the
// first part followed by one part per usable attachment.
func Multipart(f Fields, attachments []Attachment) string {
	return multipart(f, attachments, NewBoundary())
}

// NewBoundary returns a fresh multipart boundary token.
func NewBoundary() string {
	return "mixed_" + uuid.NewString()
}

func multipart(f Fields, attachments []Attachment, boundary string) string {
	delim := "--" + boundary

	lines := addressHeaders(f)
	lines = append(lines, "Content-Type: multipart/mixed; boundary="+boundary)
	lines = append(lines, threadingHeaders(f)...)
	lines = append(lines, "")

	lines = append(lines,
		delim,
		"Content-Type: text/html; charset=UTF-8",
		"Content-Transfer-Encoding: 7bit",
		"",
		f.HTML,
		"")

	for _, a := range attachments {
		if !a.usable() {
			continue
		}
		lines = append(lines,
			delim,
			fmt.Sprintf("Content-Type: %s; name=%q", a.contentType(), a.Filename),
			"Content-Transfer-Encoding: base64",
			fmt.Sprintf("Content-Disposition: attachment; filename=%q", a.Filename),
			"",
			ChunkBase64(a.ContentBase64, Base64LineLength),
			"")
	}

	lines = append(lines, delim+"--")
	return strings.Join(lines, crlf)
}

// Compose picks Single or Multipart depending on whether any attachments
// were supplied.
func Compose(f Fields, attachments []Attachment) string {
	if len(attachments) == 0 {
		return Single(f)
	}
	return Multipart(f, attachments)
}

// ChunkBase64 strips all whitespace from b64 and re-wraps it into CRLF
// separated lines of width characters.  Only the final line may be
// shorter.
func ChunkBase64(b64 string, width int) string {
	clean := strings.Join(strings.Fields(b64), "")
	if width <= 0 || len(clean) <= width {
		return clean
	}
	var sb strings.Builder
	sb.Grow(len(clean) + len(clean)/width*len(crlf))
	for i := 0; i < len(clean); i += width {
		if i > 0 {
			sb.WriteString(crlf)
		}
		end := i + width
		if end > len(clean) {
			end = len(clean)
		}
		sb.WriteString(clean[i:end])
	}
	return sb.String()
}
