package contentgen

import (
	"bytes"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"github.com/listing-auditor/api/internal/platform/textutil"
)

var (
	codeFencePattern  = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Renderer turns model replies into storefront-safe HTML and descriptions
// into prompt-safe plain text.
type Renderer struct {
	markdown goldmark.Markdown
	ugc      *bluemonday.Policy
	strict   *bluemonday.Policy
}

// NewRenderer builds a renderer with the UGC policy for output and the
// strict policy for prompt text.
func NewRenderer() *Renderer {
	return &Renderer{
		markdown: goldmark.New(),
		ugc:      bluemonday.UGCPolicy(),
		strict:   bluemonday.StrictPolicy(),
	}
}

// Render converts a reply to sanitised, normalised HTML. Replies without any
// markup are treated as markdown.
func (r *Renderer) Render(reply string) string {
	body := strings.TrimSpace(reply)
	if m := codeFencePattern.FindStringSubmatch(body); m != nil {
		body = strings.TrimSpace(m[1])
	}
	if body == "" {
		return ""
	}
	if !strings.Contains(body, "<") {
		var buf bytes.Buffer
		if err := r.markdown.Convert([]byte(body), &buf); err == nil {
			body = buf.String()
		}
	}
	return textutil.NormalizeDescription(r.ugc.Sanitize(body))
}

// PlainText strips all markup and collapses whitespace.
func (r *Renderer) PlainText(description string) string {
	text := html.UnescapeString(r.strict.Sanitize(description))
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}
