package template

import (
	"regexp"
	"strings"
)

// allowedTag matches the bare open/close forms of the rich-text tags an
// operator may use in templates. Attributes are not allowed.
var allowedTag = regexp.MustCompile(`(?i)</?(?:b|strong|i|em|u|ins|s|strike|del|code|pre|blockquote)>`)

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// EscapeMarkup escapes everything except whitelisted tags, so
// "<b>bold</b> & <script>" becomes "<b>bold</b> &amp; &lt;script&gt;".
func EscapeMarkup(s string) string {
	locs := allowedTag.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return htmlEscaper.Replace(s)
	}
	var b strings.Builder
	b.Grow(len(s) + len(s)/8)
	prev := 0
	for _, loc := range locs {
		b.WriteString(htmlEscaper.Replace(s[prev:loc[0]]))
		b.WriteString(s[loc[0]:loc[1]])
		prev = loc[1]
	}
	b.WriteString(htmlEscaper.Replace(s[prev:]))
	return b.String()
}

// Escape escapes s completely. Use it for values that did not come from the
// operator (usernames, user-sent text).
func Escape(s string) string { return htmlEscaper.Replace(s) }

var anyTag = regexp.MustCompile(`<[^>]*>`)

// Plain strips tags and unescapes the basic entities, for previews.
func Plain(s string) string {
	s = anyTag.ReplaceAllString(s, "")
	return strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&").Replace(s)
}
