package delivery

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "hookrelay/pkg/logx"
)

var ErrMissingTarget = errors.New("credential and destination are required")

// Error is a terminal delivery failure. The caller does not retry.
type Error struct {
	// Status is the provider's error code, 0 when the request never got an
	// answer.
	Status      int
	Description string
	// Fallback is set when the failure came from the plain-text fallback.
	Fallback bool
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("delivery failed")
	if e.Status != 0 {
		b.WriteString(" (status ")
		b.WriteString(strconv.Itoa(e.Status))
		b.WriteString(")")
	}
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	if e.Fallback {
		b.WriteString(" after plain-text fallback")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

var statusSuffix = regexp.MustCompile(`\((\d{3})\)\s*$`)

func newError(err error, fallback bool) *Error {
	e := &Error{Fallback: fallback, Err: err}
	var te *tele.Error
	if errors.As(err, &te) {
		e.Status = te.Code
		e.Description = te.Description
	} else {
		// Network errors quote the request URL, which embeds the token.
		e.Description = logx.Redact(err.Error())
		if m := statusSuffix.FindStringSubmatch(e.Description); m != nil {
			e.Status, _ = strconv.Atoi(m[1])
		}
	}
	return e
}

// markupRejected reports whether the provider refused the message because
// its markup did not parse.
func markupRejected(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can't parse entities") ||
		strings.Contains(msg, "can't find end of the entity")
}

func wrapWait(err error) *Error {
	return &Error{Description: fmt.Sprintf("send throttled: %v", err), Err: err}
}
