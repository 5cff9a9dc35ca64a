package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
)

// Summarizer produces a short natural-language description of a tool
// invocation for display while the tool runs.
type Summarizer interface {
	Summarize(ctx context.Context, toolName string, input map[string]interface{}) (string, error)
}

// summaryMaxInputLen caps the serialized tool input included in the
// summarization prompt.
const summaryMaxInputLen = 500

// HaikuSummarizer summarizes tool calls with a small fast model over the
// Anthropic API.
type HaikuSummarizer struct {
	client  *anthropic.Client
	model   anthropic.Model
	timeout time.Duration
	log     *slog.Logger
}

// NewHaikuSummarizer creates a summarizer using the given API key. Returns
// nil when the key is empty so callers can pass the result straight into
// Config.Summarizer.
func NewHaikuSummarizer(apiKey string, log *slog.Logger) *HaikuSummarizer {
	if apiKey == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &HaikuSummarizer{
		client:  &client,
		model:   anthropic.ModelClaude3_5HaikuLatest,
		timeout: 5 * time.Second,
		log:     log,
	}
}

// Summarize asks the model for a present-progressive one-liner describing the
// tool call. Transient API failures are retried briefly; the final error is
// returned so the caller can fall back to a placeholder.
func (s *HaikuSummarizer) Summarize(ctx context.Context, toolName string, input map[string]interface{}) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	prompt := buildSummaryPrompt(toolName, input)

	var summary string
	op := func() error {
		resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     s.model,
			MaxTokens: 50,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return err
		}

		for _, content := range resp.Content {
			if block, ok := content.AsAny().(anthropic.TextBlock); ok {
				summary = strings.TrimSpace(block.Text)
				return nil
			}
		}
		return backoff.Permanent(fmt.Errorf("summarizer returned no text content"))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}

	if summary == "" {
		return "", fmt.Errorf("summarizer returned empty summary")
	}
	return summary, nil
}

// buildSummaryPrompt renders the summarization instruction for one tool call.
func buildSummaryPrompt(toolName string, input map[string]interface{}) string {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		inputJSON = []byte("{}")
	}
	rendered := string(inputJSON)
	if len(rendered) > summaryMaxInputLen {
		rendered = rendered[:summaryMaxInputLen] + "..."
	}

	return fmt.Sprintf(`Summarize this tool call in a short present-progressive phrase, under 12 words.
Start with a verb ending in -ing. No quotes, no trailing period.

Tool: %s
Input: %s

Examples:
- Reading the configuration file
- Searching the codebase for error handlers
- Running the test suite`, toolName, rendered)
}
