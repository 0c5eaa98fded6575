// Package coach defines the chat request accepted by the gateway and the
// sanitizer that turns a raw body into a bounded, normalized request.
//
// Sanitizing never fails on size: long histories are trimmed to the most
// recent messages and long contents are cut to the configured length. Only
// shape errors (missing/invalid fields) are reported back to the client.
package coach

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Message roles accepted from clients.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Defaults applied when SanitizerOptions leaves a bound at zero.
const (
	DefaultMaxMessages      = 12
	DefaultMaxContentLength = 4000
)

// ErrInvalidJSON is returned when the body is not a JSON object.
var ErrInvalidJSON = errors.New("coach: invalid JSON body")

type (
	// Message is a single chat turn.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Request is the normalized body of a /coach call. It is built per
	// request and never shared.
	Request struct {
		Messages []Message
		// Model is always an allowed model after sanitizing.
		Model string
		// RequestedModel is what the client asked for, if anything. Kept for logs.
		RequestedModel string
	}
)

// ValidationError describes the first field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("coach: %s %s", e.Field, e.Reason)
}

// SanitizerOptions configures a Sanitizer.
type SanitizerOptions struct {
	MaxMessages      int
	MaxContentLength int
	DefaultModel     string
	AllowedModels    []string
}

// Sanitizer validates and normalizes inbound chat bodies. It is immutable
// after construction and safe for concurrent use.
type Sanitizer struct {
	maxMessages  int
	maxContent   int
	defaultModel string
	allowed      map[string]struct{}
}

// NewSanitizer builds a Sanitizer. The default model is always allowed.
func NewSanitizer(opts SanitizerOptions) *Sanitizer {
	s := &Sanitizer{
		maxMessages:  opts.MaxMessages,
		maxContent:   opts.MaxContentLength,
		defaultModel: opts.DefaultModel,
		allowed:      make(map[string]struct{}, len(opts.AllowedModels)+1),
	}
	if s.maxMessages <= 0 {
		s.maxMessages = DefaultMaxMessages
	}
	if s.maxContent <= 0 {
		s.maxContent = DefaultMaxContentLength
	}
	for _, m := range opts.AllowedModels {
		s.allowed[m] = struct{}{}
	}
	if s.defaultModel != "" {
		s.allowed[s.defaultModel] = struct{}{}
	}
	return s
}

// Parse validates body and returns the normalized request. Errors are either
// ErrInvalidJSON or a *ValidationError.
func (s *Sanitizer) Parse(body []byte) (*Request, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidJSON
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, ErrInvalidJSON
	}

	raw := root.Get("messages")
	if !raw.IsArray() {
		return nil, &ValidationError{Field: "messages", Reason: "must be a non-empty array"}
	}
	items := raw.Array()
	if len(items) == 0 {
		return nil, &ValidationError{Field: "messages", Reason: "must be a non-empty array"}
	}

	msgs := make([]Message, 0, len(items))
	for i, item := range items {
		m, err := parseMessage(i, item)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}

	if len(msgs) > s.maxMessages {
		msgs = msgs[len(msgs)-s.maxMessages:]
	}
	for i := range msgs {
		msgs[i].Content = truncateRunes(msgs[i].Content, s.maxContent)
	}

	req := &Request{Messages: msgs}
	if m := root.Get("model"); m.Type == gjson.String {
		req.RequestedModel = m.String()
	}
	req.Model = s.ResolveModel(req.RequestedModel)

	return req, nil
}

// ResolveModel returns requested when it is on the allow-list and the
// default model otherwise.
func (s *Sanitizer) ResolveModel(requested string) string {
	if requested != "" {
		if _, ok := s.allowed[requested]; ok {
			return requested
		}
	}
	return s.defaultModel
}

func parseMessage(i int, item gjson.Result) (Message, error) {
	field := fmt.Sprintf("messages[%d]", i)
	if !item.IsObject() {
		return Message{}, &ValidationError{Field: field, Reason: "must be an object"}
	}

	role := item.Get("role")
	if role.Type != gjson.String || !validRole(role.String()) {
		return Message{}, &ValidationError{
			Field:  field + ".role",
			Reason: "must be one of system, user, assistant",
		}
	}

	content := item.Get("content")
	if content.Type != gjson.String || strings.TrimSpace(content.String()) == "" {
		return Message{}, &ValidationError{
			Field:  field + ".content",
			Reason: "must be a non-blank string",
		}
	}

	return Message{Role: role.String(), Content: content.String()}, nil
}

func validRole(r string) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// truncateRunes cuts s to at most n code points without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
