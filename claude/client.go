// Package claude drives a persistent agent CLI process as a bidirectional
// streaming peer. The client survives the process crashing or being killed
// mid-response: the process is restarted on demand and the conversation
// history is replayed into it before the next prompt.
package claude

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/daisyvoice/daisy/protocol"
)

// DefaultSystemPrompt tunes responses for text-to-speech playback.
const DefaultSystemPrompt = `You are a helpful assistant being used via voice commands.

CRITICAL: Your responses will be read aloud via text-to-speech. Follow these rules STRICTLY:

1. NO MARKDOWN - Never use *, **, #, ` + "`" + `, [], (), or any markdown formatting
2. NO EMOJIS - Never include emojis in your response
3. NO SYMBOLS - Use words: say "degrees" not "°", "percent" not "%"
4. Keep it conversational - Write exactly how you would speak it aloud
5. Be concise - Voice responses should be brief and to the point

When describing code: Just say what you did, not file paths or syntax.
When providing information: Present facts naturally as sentences, no bullet points.`

// Failure messages returned in Outcome.Response. These are shown to the user
// and matched on by callers; they are part of the API.
const (
	ResponseInterrupted = "Request interrupted by user"
	ResponseCancelled   = "Request cancelled by user"
	ResponseNoResult    = "No response received from Claude process"
)

// ToolCall records one tool invocation made by the agent during a request.
// Never mutated after creation; partial lists are preserved on interruption.
type ToolCall struct {
	Name  string                 `json:"name"`
	ID    string                 `json:"id,omitempty"`
	Input map[string]interface{} `json:"input"`
}

// Outcome is the structured result of one ExecuteStreaming call. Every
// failure path yields a human-readable Response rather than an error.
type Outcome struct {
	Success                bool
	Response               string
	ToolCalls              []ToolCall
	AlreadySentAsTextBlock bool
}

// StreamCallbacks receives streaming events during a request. All fields are
// optional; nil callbacks are skipped.
type StreamCallbacks struct {
	// OnTextBlock fires for each complete assistant text block. final is true
	// only for the re-delivery of a block that turned out to be the terminal
	// result, so the caller can flip a flag without re-displaying content.
	OnTextBlock func(text string, final bool)

	// OnToolUse fires synchronously when the agent invokes a tool, with a
	// fast placeholder summary ("Using <name>").
	OnToolUse func(name string, input map[string]interface{}, summary string)

	// OnToolSummaryUpdate fires from a background task once a better
	// natural-language summary is ready. It races the main stream; staleness
	// is resolved by the caller's request-id check, not by ordering.
	OnToolSummaryUpdate func(name string, input map[string]interface{}, summary string)

	// OnToolInputProgress fires for partial tool-input JSON. input is a
	// best-effort parse and advisory only.
	OnToolInputProgress func(blockIndex string, partialJSON string, input map[string]interface{})

	// OnThinkingBlock fires for reasoning deltas.
	OnThinkingBlock func(text string)
}

// HistoryMessage is one prior conversation entry replayed into a freshly
// started process.
type HistoryMessage struct {
	Role    string
	Content string
}

// agentProcess is the supervisor surface the client drives. Satisfied by
// processManager; faked in tests.
type agentProcess interface {
	EnsureStarted() error
	KillAndInvalidate()
	Shutdown()
	WriteMessage(v interface{}) error
	ReadLine() ([]byte, error)
	NeedsReplay() bool
	ClearNeedsReplay()
	UpdateConfig(cfg ProcessConfig)
	Alive() bool
	Pid() int
}

// Config holds client configuration.
type Config struct {
	Process    ProcessConfig
	Summarizer Summarizer // nil disables background summaries
	Logger     *slog.Logger
}

// Client composes the process supervisor and the protocol codec into a
// single streaming call.
type Client struct {
	process    agentProcess
	summarizer Summarizer
	log        *slog.Logger
}

// New creates a client. The agent process is not started until Start or the
// first ExecuteStreaming call.
func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Process.SystemPrompt == "" {
		cfg.Process.SystemPrompt = DefaultSystemPrompt
	}
	return &Client{
		process:    newProcessManager(cfg.Process, log),
		summarizer: cfg.Summarizer,
		log:        log,
	}
}

// Start eagerly spawns the agent process so the first request does not pay
// startup latency.
func (c *Client) Start() error {
	return c.process.EnsureStarted()
}

// Alive reports whether the agent process is currently running.
func (c *Client) Alive() bool { return c.process.Alive() }

// Pid returns the agent process id, or 0 when not running.
func (c *Client) Pid() int { return c.process.Pid() }

// InterruptAndRestart kills the agent process immediately. The in-flight
// ExecuteStreaming call is not touched here; its own isInterrupted polling
// makes it exit. The process restarts on the next request with history
// replayed.
func (c *Client) InterruptAndRestart() {
	c.process.KillAndInvalidate()
}

// Cleanup gracefully shuts down the agent process.
func (c *Client) Cleanup() {
	c.process.Shutdown()
}

// UpdateProcessConfig replaces the process configuration. Any running
// process is stopped so the next request starts with the new settings and
// replays history into it.
func (c *Client) UpdateProcessConfig(cfg ProcessConfig) {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	c.process.UpdateConfig(cfg)
}

// ExecuteStreaming sends one prompt and streams the response through cb
// until the terminal result event. history is a read-only snapshot used for
// replay after a restart. isInterrupted is polled cooperatively at every
// point interruption could land; when it reports true the call returns
// within one line-read cycle.
//
// All failures (interruption, cancellation, transport loss, missing result)
// come back as a structured Outcome, never as a panic or error escaping to
// the transport layer.
func (c *Client) ExecuteStreaming(ctx context.Context, prompt string, cb StreamCallbacks, history []HistoryMessage, isInterrupted func() bool) Outcome {
	interrupted := func() bool { return isInterrupted != nil && isInterrupted() }

	if err := c.process.EnsureStarted(); err != nil {
		c.log.Error("failed to start agent process", "err", err)
		return Outcome{Response: "Error: " + err.Error()}
	}

	if err := c.sendPrompt(prompt, history); err != nil {
		c.log.Error("failed to send prompt", "err", err)
		return Outcome{Response: "Error: " + err.Error()}
	}

	var (
		toolCalls []ToolCall
		sentTexts []string
	)

	fail := func(response string) Outcome {
		return Outcome{Response: response, ToolCalls: toolCalls}
	}

	for {
		// Interruption can land between any two steps of this loop: check
		// before the blocking read, after it, and again after decoding.
		if interrupted() {
			return fail(ResponseInterrupted)
		}
		if ctx.Err() != nil {
			return fail(ResponseCancelled)
		}

		line, err := c.process.ReadLine()
		if err != nil {
			// EOF or a killed process unblocking the read.
			if interrupted() {
				return fail(ResponseInterrupted)
			}
			if ctx.Err() != nil {
				return fail(ResponseCancelled)
			}
			break
		}

		if interrupted() {
			return fail(ResponseInterrupted)
		}
		if ctx.Err() != nil {
			return fail(ResponseCancelled)
		}

		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		msg, err := protocol.ParseMessage(line)
		if err != nil {
			c.log.Debug("skipping malformed protocol line", "err", err)
			continue
		}
		if msg == nil {
			continue
		}

		if interrupted() {
			return fail(ResponseInterrupted)
		}

		switch m := msg.(type) {
		case protocol.SystemMessage:
			// Init/system events carry no user-visible content.

		case protocol.AssistantMessage:
			for _, block := range m.Message.Content {
				switch b := block.(type) {
				case protocol.TextBlock:
					text := strings.TrimSpace(b.Text)
					if text == "" {
						continue
					}
					if interrupted() {
						return fail(ResponseInterrupted)
					}
					if cb.OnTextBlock != nil {
						cb.OnTextBlock(text, false)
					}
					sentTexts = append(sentTexts, text)

				case protocol.ToolUseBlock:
					toolCalls = append(toolCalls, ToolCall{Name: b.Name, ID: b.ID, Input: b.Input})
					if interrupted() {
						return fail(ResponseInterrupted)
					}
					if cb.OnToolUse != nil {
						cb.OnToolUse(b.Name, b.Input, "Using "+b.Name)
					}
					if cb.OnToolSummaryUpdate != nil {
						// Runs concurrently with the read loop; by the time
						// the summary is ready the request may be superseded,
						// so the task re-checks before invoking the callback.
						go c.summarizeAndUpdate(ctx, b.Name, b.Input, cb.OnToolSummaryUpdate, interrupted)
					}
				}
			}

		case protocol.ContentBlockDeltaMessage:
			delta, derr := m.ParsedDelta()
			if derr != nil || delta == nil {
				continue
			}
			switch d := delta.(type) {
			case protocol.InputJSONDelta:
				if d.PartialJSON == "" || cb.OnToolInputProgress == nil {
					continue
				}
				if interrupted() {
					return fail(ResponseInterrupted)
				}
				cb.OnToolInputProgress(strconv.Itoa(m.Index), d.PartialJSON, protocol.ParsePartialToolInput(d.PartialJSON))
			case protocol.ThinkingDelta:
				if d.Thinking == "" || cb.OnThinkingBlock == nil {
					continue
				}
				if interrupted() {
					return fail(ResponseInterrupted)
				}
				cb.OnThinkingBlock(d.Thinking)
			}

		case protocol.ResultMessage:
			if interrupted() {
				return fail(ResponseInterrupted)
			}
			result := strings.TrimSpace(m.Result)
			if result == "" {
				// Terminal event with no text, e.g. an execution error.
				// The process stays alive between turns, so reading on
				// would block forever.
				return fail(ResponseNoResult)
			}
			already := slices.Contains(sentTexts, result)
			if already && cb.OnTextBlock != nil {
				// Re-deliver the last text block flagged final so the caller
				// can mark it without duplicating content.
				cb.OnTextBlock(result, true)
			}
			return Outcome{
				Success:                true,
				Response:               result,
				ToolCalls:              toolCalls,
				AlreadySentAsTextBlock: already,
			}
		}
	}

	// Clean EOF without a result event. Non-fatal: the caller may retry.
	return fail(ResponseNoResult)
}

// sendPrompt replays history when the process needs it, then writes the
// prompt. Any write failure, during replay or on the prompt itself, is
// treated as a crash: discard the handle, restart (which re-arms replay),
// replay from scratch, and retry exactly once. A half-replayed process must
// not survive, or the next full replay would duplicate entries it already
// holds.
func (c *Client) sendPrompt(prompt string, history []HistoryMessage) error {
	msg := protocol.NewTextMessage("user", prompt)

	err := c.replayAndWrite(msg, history)
	if err == nil {
		return nil
	}
	c.log.Warn("write to agent process failed, restarting", "err", err)

	c.process.KillAndInvalidate()
	if err := c.process.EnsureStarted(); err != nil {
		return err
	}
	return c.replayAndWrite(msg, history)
}

func (c *Client) replayAndWrite(msg protocol.MessageToSend, history []HistoryMessage) error {
	if err := c.replayHistory(history); err != nil {
		return err
	}
	return c.process.WriteMessage(msg)
}

// replayHistory serially writes every history entry to the process input
// stream. The needs-replay flag is cleared only after all entries were
// written without error.
func (c *Client) replayHistory(history []HistoryMessage) error {
	if !c.process.NeedsReplay() || len(history) == 0 {
		return nil
	}

	c.log.Info("replaying conversation history", "messages", len(history))
	for _, m := range history {
		if err := c.process.WriteMessage(protocol.NewTextMessage(m.Role, m.Content)); err != nil {
			return err
		}
	}

	c.process.ClearNeedsReplay()
	return nil
}

// summarizeAndUpdate computes a better tool-use summary in the background
// and delivers it unless the request was interrupted or superseded meanwhile.
func (c *Client) summarizeAndUpdate(ctx context.Context, name string, input map[string]interface{}, update func(string, map[string]interface{}, string), interrupted func() bool) {
	summary := c.summarizeToolUse(ctx, name, input)

	if ctx.Err() != nil || interrupted() {
		c.log.Debug("dropping tool summary for stale request", "tool", name)
		return
	}
	update(name, input, summary)
}

// summarizeToolUse asks the summarizer for a one-line description, falling
// back to a generic placeholder when unconfigured or on error.
func (c *Client) summarizeToolUse(ctx context.Context, name string, input map[string]interface{}) string {
	if c.summarizer == nil {
		return "Using " + name
	}

	summary, err := c.summarizer.Summarize(ctx, name, input)
	if err != nil {
		c.log.Warn("tool summarization failed", "tool", name, "err", err)
		return "Using " + name
	}
	return summary
}
