package generation

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"
)

const captionPromptRunes = 100

// Artifact is one image handed to the chat layer.
type Artifact struct {
	Path    string
	Caption string
	Cached  bool
}

// Delivery sends artifacts to the user who asked for them.
type Delivery interface {
	DeliverArtifact(ctx context.Context, artifact Artifact) error
}

// DeliveryFunc adapts a function to Delivery.
type DeliveryFunc func(ctx context.Context, artifact Artifact) error

func (f DeliveryFunc) DeliverArtifact(ctx context.Context, artifact Artifact) error {
	return f(ctx, artifact)
}

// Caption renders "✅ <prompt>", marks cache hits and numbers multi-image items.
func Caption(prompt string, cached bool, position, total int) string {
	caption := "✅ " + truncate(prompt, captionPromptRunes)
	if cached {
		caption += " (cached)"
	}
	if total > 1 {
		caption += fmt.Sprintf(" [%d/%d]", position, total)
	}
	return caption
}

// deliver sends every produced file and removes transient ones afterwards.
// Delivered units stay consumed even when sending fails; it returns the count
// of files that could not be sent.
func (s *Service) deliver(ctx context.Context, userID int64, delivery Delivery, items []ItemResult) (undelivered int) {
	defer s.discard(items)
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logError(opDeliver, "panic", fmt.Errorf("%w: %v", ErrPanic, recovered), zap.Int64("user_id", userID))
		}
	}()
	if delivery == nil {
		return 0
	}
	for _, item := range items {
		if !item.Succeeded() {
			continue
		}
		for position, file := range item.Files {
			artifact := Artifact{
				Path:    file.Path,
				Caption: Caption(item.Prompt, item.Cached, position+1, len(item.Files)),
				Cached:  item.Cached,
			}
			if err := delivery.DeliverArtifact(ctx, artifact); err != nil {
				undelivered++
				s.logError(opDeliver, "send_failed", err, zap.Int64("user_id", userID), zap.String("path", file.Path))
			}
		}
	}
	return undelivered
}

func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}
