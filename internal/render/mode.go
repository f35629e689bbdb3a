// Package render turns webhook payloads into bounded, escaped message text.
package render

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedMode    = errors.New("unsupported render mode")
	ErrUnsupportedDialect = errors.New("unsupported markup dialect")
)

// Mode selects how a payload is presented.
type Mode string

const (
	// ModeJSON shows the payload as pretty JSON inside a code block.
	ModeJSON Mode = "json"
	// ModeText shows strings as-is and structures as an indented block.
	ModeText Mode = "text"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeJSON, ModeText:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
	}
}

// Dialect is the provider markup dialect used for escaping.
type Dialect string

const DialectMarkdownV2 Dialect = "markdownv2"

func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case "", DialectMarkdownV2:
		return DialectMarkdownV2, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDialect, s)
	}
}

const (
	// DefaultJSONBudget keeps a margin under the provider's 4096 limit.
	DefaultJSONBudget = 4000
	// DefaultTextBudget leaves room for the delivery fallback note.
	DefaultTextBudget = 3900

	minBudget = 32
)

type Config struct {
	JSONBudget int
	TextBudget int
	Dialect    Dialect
}

func (c *Config) applyDefaults() {
	if c.JSONBudget < minBudget {
		c.JSONBudget = DefaultJSONBudget
	}
	if c.TextBudget < minBudget {
		c.TextBudget = DefaultTextBudget
	}
	if c.Dialect == "" {
		c.Dialect = DialectMarkdownV2
	}
}

// Message is a rendered payload ready for delivery.
type Message struct {
	Text          string
	MarkupEnabled bool
	// Plain is the truncated text without markup escaping, used when the
	// provider rejects Text.
	Plain string
}
