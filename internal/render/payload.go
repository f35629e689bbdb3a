package render

import (
	"bytes"
	"encoding/json"
)

type payloadKind int

const (
	payloadMissing payloadKind = iota
	payloadJSON
	payloadRaw
)

// Payload is an inbound request body. JSON bodies keep their original bytes
// so object key order survives rendering.
type Payload struct {
	kind payloadKind
	raw  []byte
}

// NewPayload classifies body: empty is missing, valid JSON is structured,
// anything else is raw text.
func NewPayload(body []byte) Payload {
	trimmed := bytes.TrimSpace(body)
	switch {
	case len(trimmed) == 0:
		return Payload{kind: payloadMissing}
	case json.Valid(trimmed):
		return Payload{kind: payloadJSON, raw: trimmed}
	default:
		return Payload{kind: payloadRaw, raw: body}
	}
}

// PayloadOf marshals v. It is mostly useful in tests.
func PayloadOf(v any) (Payload, error) {
	if v == nil {
		return Payload{kind: payloadMissing}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Payload{}, err
	}
	return Payload{kind: payloadJSON, raw: b}, nil
}

func (p Payload) IsMissing() bool { return p.kind == payloadMissing }

// String is the payload's plain string form. Missing payloads are "null".
func (p Payload) String() string {
	if p.kind == payloadMissing {
		return "null"
	}
	return string(p.raw)
}

// jsonKind reports the first byte of a JSON payload: '{', '[', '"', or 0
// for other scalars and non-JSON payloads.
func (p Payload) jsonKind() byte {
	if p.kind != payloadJSON {
		return 0
	}
	switch c := p.raw[0]; c {
	case '{', '[', '"':
		return c
	}
	return 0
}

// indented returns the payload as 2-space indented JSON.
func (p Payload) indented() (string, error) {
	switch p.kind {
	case payloadMissing:
		return "null", nil
	case payloadRaw:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(string(p.raw)); err != nil {
			return "", err
		}
		return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, p.raw, "", "  "); err != nil {
		return "", err
	}
	return buf.String(), nil
}
