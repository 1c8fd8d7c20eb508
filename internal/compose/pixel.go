package compose

import (
	"fmt"
	"html"
	"strings"
)

const closingBody = "</body>"

// PixelTag returns a zero-size, hidden image tag loading url.
func PixelTag(url string) string {
	return fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" alt="" />`, html.EscapeString(url))
}

// InjectPixel places the tracking pixel for url immediately before the
// first closing body tag, or appends it when the document has none.
func InjectPixel(body, url string) string {
	tag := PixelTag(url)
	if i := strings.Index(body, closingBody); i >= 0 {
		return body[:i] + tag + body[i:]
	}
	return body + tag
}
