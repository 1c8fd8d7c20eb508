package message

import (
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
)

const defaultAttachmentType = "application/octet-stream"

// DecodeData decodes base64url content as delivered by the GMail API.
// Both padded and unpadded input is accepted.
func DecodeData(data string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return nil, errors.Wrap(err, "decoding base64url part data")
	}
	return b, nil
}

// walk visits every leaf of the tree rooted at p in document order.
func walk(p *Part, visit func(leaf *Part)) {
	if p == nil {
		return
	}
	if p.IsContainer() {
		for _, child := range p.Parts {
			walk(child, visit)
		}
		return
	}
	visit(p)
}

// Bodies returns the first text/plain and first text/html leaf bodies
// found in the tree.  Either may be nil.  Leaves that fail to decode are
// ignored.
func Bodies(root *Part) (text, html *string) {
	walk(root, func(leaf *Part) {
		if leaf.Data == "" {
			return
		}
		var dst **string
		switch leaf.MimeType {
		case "text/plain":
			dst = &text
		case "text/html":
			dst = &html
		default:
			return
		}
		if *dst != nil {
			return
		}
		b, err := DecodeData(leaf.Data)
		if err != nil {
			return
		}
		s := string(b)
		*dst = &s
	})
	return text, html
}

// Attachments lists every leaf that carries a filename.
func Attachments(root *Part) []Attachment {
	var out []Attachment
	walk(root, func(leaf *Part) {
		if leaf.Filename == "" {
			return
		}
		mimeType := leaf.MimeType
		if mimeType == "" {
			mimeType = defaultAttachmentType
		}
		out = append(out, Attachment{
			Filename:     leaf.Filename,
			MimeType:     mimeType,
			Size:         leaf.Size,
			AttachmentID: leaf.AttachmentID,
		})
	})
	return out
}
