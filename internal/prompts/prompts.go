// Package prompts validates user prompts and rewrites edit instructions.
package prompts

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const batchSeparator = ";"

var (
	// ErrEmptyPrompt reports a prompt with no visible text.
	ErrEmptyPrompt = errors.New("prompts: prompt is empty")
	// ErrPromptTooLong reports a prompt over the length limit.
	ErrPromptTooLong = errors.New("prompts: prompt is too long")
	// ErrNoPrompts reports batch text without any usable prompt.
	ErrNoPrompts = errors.New("prompts: no prompts found")
)

// LengthError names the offending prompt of a batch.
type LengthError struct {
	Index  int
	Length int
	Limit  int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("prompts: prompt #%d has %d characters, limit is %d", e.Index+1, e.Length, e.Limit)
}

func (e *LengthError) Unwrap() error {
	return ErrPromptTooLong
}

// Validate trims a prompt and checks it against the character limit.
func Validate(prompt string, maxLength int) (string, error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "", ErrEmptyPrompt
	}
	if length := utf8.RuneCountInString(trimmed); maxLength > 0 && length > maxLength {
		return "", &LengthError{Length: length, Limit: maxLength}
	}
	return trimmed, nil
}

// Batch is the result of splitting batch text.
type Batch struct {
	Prompts   []string
	Truncated bool
	Dropped   int
}

// ParseBatch splits text on semicolons, drops empty entries and keeps at most
// limit prompts, reporting how many were dropped.
func ParseBatch(text string, limit int) (Batch, error) {
	prompts := make([]string, 0)
	for _, part := range strings.Split(text, batchSeparator) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			prompts = append(prompts, trimmed)
		}
	}
	if len(prompts) == 0 {
		return Batch{}, ErrNoPrompts
	}
	batch := Batch{Prompts: prompts}
	if limit > 0 && len(prompts) > limit {
		batch.Prompts = prompts[:limit]
		batch.Truncated = true
		batch.Dropped = len(prompts) - limit
	}
	return batch, nil
}

// ValidateAll checks every prompt of a batch and names the first offender.
func ValidateAll(prompts []string, maxLength int) error {
	if len(prompts) == 0 {
		return ErrNoPrompts
	}
	for index, prompt := range prompts {
		if _, err := Validate(prompt, maxLength); err != nil {
			var lengthErr *LengthError
			if errors.As(err, &lengthErr) {
				lengthErr.Index = index
				return lengthErr
			}
			return err
		}
	}
	return nil
}
