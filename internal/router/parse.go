package router

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var commandNameRe = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// normalizeCommand turns "/Start", "start" or "/start@SomeBot" into "start".
// ok is false when the result is not a valid command name.
func normalizeCommand(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "/")
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	s = strings.ToLower(s)
	return s, commandNameRe.MatchString(s)
}

// splitCommand parses message text that starts with "/". It returns the
// normalized name (possibly invalid) and the remaining arguments.
func splitCommand(text string) (name string, args []string, isCommand bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return "", nil, false
	}
	name, _ = normalizeCommand(parts[0])
	if len(parts) > 1 {
		args = parts[1:]
	}
	return name, args, true
}

// tokenizeCommandLine splits command text into tokens while supporting quotes.
//
//	/send "spring sale" now
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}
