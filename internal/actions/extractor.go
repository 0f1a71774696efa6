// Package actions turns raw model output into executable actions.
package actions

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"forkbench/internal/types"
)

// Extractor applies one action pattern to model output. It is safe for
// concurrent use.
type Extractor struct {
	pattern *regexp.Regexp
	source  string
}

// NewExtractor compiles pattern in dot-matches-newline mode. A malformed
// pattern is a configuration error.
func NewExtractor(pattern string) (*Extractor, error) {
	if pattern == "" {
		return nil, fmt.Errorf("action pattern is empty")
	}
	re, err := regexp.Compile("(?s)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid action pattern %q: %w", pattern, err)
	}
	return &Extractor{pattern: re, source: pattern}, nil
}

// MustExtractor is NewExtractor for patterns known to be valid.
func MustExtractor(pattern string) *Extractor {
	e, err := NewExtractor(pattern)
	if err != nil {
		panic(err)
	}
	return e
}

// Pattern returns the uncompiled pattern.
func (e *Extractor) Pattern() string { return e.source }

// Extract returns the single action in text. Zero matches yield
// types.ErrActionNotFound; more than one match is a *types.FormatError.
func (e *Extractor) Extract(text string) (types.Action, error) {
	matches := e.pattern.FindAllStringSubmatch(text, -1)
	switch len(matches) {
	case 0:
		return types.Action{}, types.ErrActionNotFound
	case 1:
	default:
		return types.Action{}, &types.FormatError{
			Reason: fmt.Sprintf("expected exactly one action, found %d", len(matches)),
			Text:   text,
		}
	}

	m := matches[0]
	body := m[0]
	if len(m) > 1 {
		body = m[1]
	}
	command := strings.TrimSpace(body)
	if command == "" {
		return types.Action{}, &types.FormatError{Reason: "action block is empty", Text: text}
	}
	return types.Action{Command: command}, nil
}

// Validate classifies text as a candidate: the parsed action when valid,
// otherwise the reason it is not.
func (e *Extractor) Validate(text string) (*types.Action, string) {
	a, err := e.Extract(text)
	if err != nil {
		return nil, Describe(err)
	}
	return &a, ""
}

// Describe renders an extraction error for feedback messages.
func Describe(err error) string {
	var fe *types.FormatError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, types.ErrActionNotFound):
		return "no action found: expected exactly one bash code block"
	case errors.As(err, &fe):
		return fe.Reason
	default:
		return err.Error()
	}
}

// Fence renders a command as a bash code block that the default pattern
// extracts back unchanged.
func Fence(command string) string {
	return "```bash\n" + command + "\n```"
}
