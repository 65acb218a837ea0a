// Package proto holds the small text-frame conventions shared by the
// broker, the kit transport and the tile cache. Frames are space-separated
// tokens; binary frames carry a text header terminated by '\n' followed by
// the payload bytes.
package proto

import (
	"strconv"
	"strings"
)

// FirstLine returns the header line of a frame, without the trailing '\n'.
func FirstLine(frame []byte) string {
	for i, b := range frame {
		if b == '\n' {
			return string(frame[:i])
		}
	}
	return string(frame)
}

// FirstToken returns the leading token of a text frame.
func FirstToken(line string) string {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[:i]
	}
	return line
}

// Tokenize splits a header line on single spaces, dropping empty tokens.
func Tokenize(line string) []string {
	return strings.Fields(line)
}

// NameValuePair splits a token of the form "name<sep>value", e.g.
// "client-005" with sep '-'. Returns ok=false when sep is absent.
func NameValuePair(token string, sep byte) (name, value string, ok bool) {
	i := strings.IndexByte(token, sep)
	if i < 0 {
		return "", "", false
	}
	return token[:i], token[i+1:], true
}

// TokenString scans tokens for "name=value" and returns the value.
func TokenString(tokens []string, name string) (string, bool) {
	prefix := name + "="
	for _, t := range tokens {
		if strings.HasPrefix(t, prefix) {
			return t[len(prefix):], true
		}
	}
	return "", false
}

// TokenInt scans tokens for "name=value" with an integer value.
func TokenInt(tokens []string, name string) (int, bool) {
	s, ok := TokenString(tokens, name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Abbr shortens a frame for logging: header line only, capped length.
func Abbr(frame []byte) string {
	line := FirstLine(frame)
	if len(line) > 120 {
		return line[:120] + "..."
	}
	return line
}
