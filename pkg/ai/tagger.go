package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrContentRejected marks a tagging failure that retries cannot fix:
// the provider rejected the input outright. Other failures are provider
// errors and retryable by the queue.
var ErrContentRejected = errors.New("content rejected")

// IsContentRejected reports whether a tagging error is permanent.
func IsContentRejected(err error) bool {
	return errors.Is(err, ErrContentRejected)
}

// Suggestion is the tagger's output for one bookmark.
type Suggestion struct {
	Tags    []string `json:"tags"`
	Summary string   `json:"summary,omitempty"`
}

// Tagger is the AI tagging capability: text in, tag set plus optional
// summary out.
type Tagger interface {
	SuggestTags(ctx context.Context, text string) (Suggestion, error)
}

const taggingSystemPrompt = `You are a bookmarking assistant. Given the text of a saved item,
respond with JSON only, in the shape {"tags": ["..."], "summary": "..."}.
Produce 3 to 6 short lowercase tags describing the item's topics.
The summary is one sentence. Do not wrap the JSON in markdown fences.`

const maxTaggingInput = 6000

// LLMTagger derives tags by prompting a TextGenerator and parsing its
// strict-JSON reply.
type LLMTagger struct {
	generator TextGenerator
	maxTags   int
}

// NewLLMTagger wraps any TextGenerator as a Tagger.
func NewLLMTagger(generator TextGenerator, maxTags int) *LLMTagger {
	if maxTags <= 0 {
		maxTags = 6
	}
	return &LLMTagger{generator: generator, maxTags: maxTags}
}

// SuggestTags asks the model for tags for the given text.
func (t *LLMTagger) SuggestTags(ctx context.Context, text string) (Suggestion, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Suggestion{}, fmt.Errorf("%w: no text to tag", ErrContentRejected)
	}
	if len(text) > maxTaggingInput {
		text = text[:maxTaggingInput]
	}
	raw, err := t.generator.GenerateText(ctx, taggingSystemPrompt, text)
	if err != nil {
		return Suggestion{}, err
	}
	suggestion, err := parseSuggestion(raw)
	if err != nil {
		return Suggestion{}, err
	}
	if len(suggestion.Tags) > t.maxTags {
		suggestion.Tags = suggestion.Tags[:t.maxTags]
	}
	return suggestion, nil
}

// parseSuggestion tolerates models that wrap JSON in markdown fences or
// prose despite instructions.
func parseSuggestion(raw string) (Suggestion, error) {
	raw = strings.TrimSpace(raw)
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	var s Suggestion
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Suggestion{}, fmt.Errorf("parse tag response: %w", err)
	}
	cleaned := make([]string, 0, len(s.Tags))
	seen := make(map[string]bool, len(s.Tags))
	for _, tag := range s.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		cleaned = append(cleaned, tag)
	}
	if len(cleaned) == 0 {
		return Suggestion{}, fmt.Errorf("tag response contained no tags")
	}
	s.Tags = cleaned
	s.Summary = strings.TrimSpace(s.Summary)
	return s, nil
}
