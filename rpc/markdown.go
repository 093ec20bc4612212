package rpc

import (
	"bytes"

	"github.com/yuin/goldmark"
)

// commentRenderer renders a comment's markdown-flavored content to HTML
// once, reused across every handler that serializes comments — workers
// write verdict reasons and resolutions as free-form markdown, and any
// future dashboard consumer wants it pre-rendered rather than re-parsing on
// every read.
var commentRenderer = goldmark.New()

// renderCommentHTML renders src as markdown to HTML. On a render error the
// raw text is returned unrendered rather than failing the whole response —
// a markdown-rendering failure in one comment must never hide the rest of
// a ticket's history.
func renderCommentHTML(src string) string {
	var buf bytes.Buffer
	if err := commentRenderer.Convert([]byte(src), &buf); err != nil {
		return src
	}
	return buf.String()
}
