package upstream

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicy = bluemonday.StrictPolicy()
	lineBreaks   = regexp.MustCompile(`(?i)<br\s*/?>|</p>\s*<p[^>]*>`)
	blankRuns    = regexp.MustCompile(`\n{3,}`)
)

// SanitizeBody turns an upstream HTML message body into plain text safe to
// render in any client. Line breaks survive; every tag is dropped.
func SanitizeBody(body string) string {
	if body == "" {
		return ""
	}
	text := lineBreaks.ReplaceAllString(body, "\n")
	text = strictPolicy.Sanitize(text)
	// StrictPolicy leaves entities escaped.
	text = html.UnescapeString(text)
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
