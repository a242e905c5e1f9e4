package content

import (
	"bytes"
	"errors"
	"html/template"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy = bluemonday.UGCPolicy()

	displayNameRegex = regexp.MustCompile(`^[a-zA-Z0-9 ._-]+$`)

	markdown = goldmark.New()
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// Inbound message content passes through here before entering the session
// message list.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// RenderMessage converts message markdown to HTML and sanitizes the result.
// Used by transcript/preview surfaces; the session list keeps raw text.
func RenderMessage(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return policy.Sanitize(buf.String()), nil
}

// Escape escapes special characters like "<" to become "&lt;". It matches
// the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// ValidateDisplayName checks that the display name contains only allowed
// characters (alphanumeric, space, dot, dash, underscore) and is not empty.
func ValidateDisplayName(name string) error {
	if name == "" {
		return errors.New("display name cannot be empty")
	}
	if !displayNameRegex.MatchString(name) {
		return errors.New("display name contains invalid characters (allowed: alphanumeric, space, dot, dash, underscore)")
	}
	return nil
}
