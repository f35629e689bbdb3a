package logx

import (
	"fmt"
	"regexp"
	"strings"
)

// Redacted replaces values that must never reach a log sink.
const Redacted = "***REDACTED***"

type redactRule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor masks secrets in log messages and field values.
//
// Two mechanisms are applied:
//   - field names matching the sensitive-key pattern are replaced wholesale;
//   - token-shaped substrings inside strings are masked in place.
type Redactor struct {
	keys  *regexp.Regexp
	rules []redactRule
}

var defaultRedactor = NewRedactor()

// NewRedactor returns the redactor used by every Logger.
func NewRedactor() *Redactor {
	return &Redactor{
		keys: regexp.MustCompile(`(?i)token|authorization|password|secret|key|credential`),
		rules: []redactRule{
			{re: regexp.MustCompile(`(?i)botToken=[^&\s]+`), repl: "botToken=" + Redacted},
			{re: regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{30,50}\b`), repl: "***REDACTED_BOT_TOKEN***"},
			{re: regexp.MustCompile(`(?i)authorization[:\s]+bearer\s+\S+`), repl: "Authorization: Bearer " + Redacted},
			{re: regexp.MustCompile(`(?i)([?&]token=)[^&\s]+`), repl: "${1}" + Redacted},
			// Telegram API paths embed the bot token: /bot<token>/method.
			{re: regexp.MustCompile(`/bot\d+:[^/\s]+/`), repl: "/bot" + Redacted + "/"},
		},
	}
}

// SensitiveKey reports whether a field with this name must be hidden.
func (r *Redactor) SensitiveKey(k string) bool {
	return r.keys.MatchString(k)
}

// String masks token-shaped substrings.
func (r *Redactor) String(s string) string {
	if s == "" {
		return s
	}
	for _, rule := range r.rules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return s
}

// Value sanitizes an arbitrary value recursively.
// Maps keyed by strings have sensitive keys replaced; everything else that is
// not a plain scalar is rendered through fmt and string-masked.
func (r *Redactor) Value(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return r.String(x)
	case error:
		return r.String(x.Error())
	case fmt.Stringer:
		return r.String(x.String())
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			if r.SensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = r.Value(val)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, val := range x {
			if r.SensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = r.String(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = r.Value(x[i])
		}
		return out
	case []string:
		out := make([]string, len(x))
		for i := range x {
			out[i] = r.String(x[i])
		}
		return out
	default:
		return r.String(fmt.Sprintf("%+v", x))
	}
}

// Redact is a convenience for the package-level redactor.
func Redact(s string) string {
	return defaultRedactor.String(strings.TrimRight(s, "\n"))
}
