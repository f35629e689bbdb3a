package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go.yaml.in/yaml/v3"
)

const (
	fenceOpen  = "```json\n"
	fenceClose = "\n```"
)

type Renderer struct {
	cfg Config
}

func New(cfg Config) (*Renderer, error) {
	d, err := ParseDialect(string(cfg.Dialect))
	if err != nil {
		return nil, err
	}
	cfg.Dialect = d
	cfg.applyDefaults()
	return &Renderer{cfg: cfg}, nil
}

func (r *Renderer) Config() Config { return r.cfg }

// Render formats p for mode. Serialization problems are handled by falling
// back to simpler forms; the only error is an unknown mode.
func (r *Renderer) Render(mode Mode, p Payload) (Message, error) {
	switch mode {
	case ModeJSON:
		return r.renderJSON(p), nil
	case ModeText:
		return r.renderText(p), nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnsupportedMode, string(mode))
	}
}

func (r *Renderer) renderJSON(p Payload) Message {
	text, err := p.indented()
	if err != nil {
		text = p.String()
	}
	budget := r.cfg.JSONBudget - len(fenceOpen) - len(fenceClose)
	return Message{
		Text:          fenceOpen + fitCode(text, budget) + fenceClose,
		MarkupEnabled: true,
		Plain:         truncate(text, r.cfg.JSONBudget),
	}
}

func (r *Renderer) renderText(p Payload) Message {
	text := truncate(textForm(p), r.cfg.TextBudget)
	escaped, err := r.cfg.Dialect.Escape(text)
	if err != nil {
		return Message{Text: text, Plain: text}
	}
	return Message{Text: escaped, MarkupEnabled: true, Plain: text}
}

// textForm passes strings through, shows objects and arrays as a YAML block,
// and uses the string form for everything else.
func textForm(p Payload) string {
	switch p.jsonKind() {
	case '"':
		var s string
		if err := json.Unmarshal(p.raw, &s); err == nil {
			return s
		}
	case '{', '[':
		if s, err := blockForm(p.raw); err == nil {
			return s
		}
		if s, err := p.indented(); err == nil {
			return s
		}
	}
	return p.String()
}

// blockForm re-encodes JSON as block-style YAML, keeping key order.
func blockForm(raw []byte) (string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	unstyle(&doc)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// unstyle drops flow and quoting styles picked up from the JSON source. The
// encoder re-quotes strings that would otherwise read as another type.
func unstyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		unstyle(c)
	}
}
