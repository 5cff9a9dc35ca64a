package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/daisyvoice/daisy/claude"
)

// Outbound is the sink for request lifecycle events, implemented by the
// websocket layer. Implementations must tolerate calls from multiple
// goroutines; the coordinator has already filtered out stale events by the
// time a method is invoked.
type Outbound interface {
	// SendProcessing reports request progress ("thinking", "complete").
	SendProcessing(requestID, status string)

	// SendTextBlock delivers one streamed assistant text block. final marks
	// the re-delivery of a block that turned out to be the terminal result.
	SendTextBlock(requestID, text string, final bool)

	// SendToolUse announces a tool invocation with its current summary.
	SendToolUse(requestID, toolName string, input map[string]interface{}, summary string)

	// SendToolSummaryUpdate upgrades a tool invocation's summary.
	SendToolSummaryUpdate(requestID, toolName string, input map[string]interface{}, summary string)

	// SendToolInputProgress streams partial tool-input JSON.
	SendToolInputProgress(requestID, blockIndex, partialJSON string, input map[string]interface{})

	// SendThinking streams reasoning text.
	SendThinking(requestID, text string)

	// SendAssistantMessage delivers the final response. alreadyStreamed is
	// true when the content was already delivered as a text block.
	SendAssistantMessage(requestID, content string, toolCalls []claude.ToolCall, alreadyStreamed bool)

	// SendError reports a request failure in user-readable form.
	SendError(requestID, message string)

	// SendAudio delivers synthesized speech for the final response.
	SendAudio(requestID string, wav []byte)
}

// Synthesizer turns the final response into WAV audio. Satisfied by
// tts.Piper.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// agentClient is the slice of claude.Client the coordinator drives.
type agentClient interface {
	ExecuteStreaming(ctx context.Context, prompt string, cb claude.StreamCallbacks, history []claude.HistoryMessage, isInterrupted func() bool) claude.Outcome
	InterruptAndRestart()
	UpdateProcessConfig(cfg claude.ProcessConfig)
	Cleanup()
}

// request tracks one in-flight user message. The interrupted flag lives on
// the request rather than the coordinator, so a new request started right
// after an interrupt cannot un-interrupt the old task still winding down.
type request struct {
	id     string
	cancel context.CancelFunc

	mu          sync.Mutex
	interrupted bool
}

func (r *request) interrupt() {
	r.mu.Lock()
	r.interrupted = true
	r.mu.Unlock()
}

func (r *request) isInterrupted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interrupted
}

// Coordinator runs one session's requests against the agent client, one at a
// time. It owns the current request: streamed events are emitted only while
// their request is still current, checked at emission time, so output from a
// superseded request is dropped no matter when it arrives.
type Coordinator struct {
	client agentClient
	conv   *Conversation
	out    Outbound
	synth  Synthesizer
	log    *slog.Logger

	mu      sync.Mutex
	current *request
}

// NewCoordinator creates a coordinator for one session.
func NewCoordinator(client agentClient, conv *Conversation, out Outbound, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{client: client, conv: conv, out: out, log: log}
}

// SetSynthesizer enables speech synthesis of final responses. Call before
// the first request.
func (co *Coordinator) SetSynthesizer(s Synthesizer) {
	co.synth = s
}

// Busy reports whether the coordinator would reject a new message. False
// the moment an interrupt lands, even while the old task is still exiting.
func (co *Coordinator) Busy() bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.current != nil
}

// isCurrent reports whether id is still the active request.
func (co *Coordinator) isCurrent(id string) bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.current != nil && co.current.id == id
}

// HandleUserMessage runs one request to completion: persist the prompt,
// stream the agent's response through the outbound sink, persist the
// assistant message, and deliver the final response. Blocks until the
// request finishes; callers run it on their own goroutine.
func (co *Coordinator) HandleUserMessage(ctx context.Context, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		co.out.SendError("", "Empty message received")
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)

	co.mu.Lock()
	if co.current != nil {
		co.mu.Unlock()
		cancel()
		co.out.SendError("", "Already processing a request")
		return
	}
	req := &request{id: newRequestID(), cancel: cancel}
	co.current = req
	co.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			co.log.Error("panic handling user message", "err", r, "stack", string(debug.Stack()))
			co.emit(req.id, func() {
				co.out.SendError(req.id, fmt.Sprintf("Error processing message: %v", r))
			})
		}

		cancel()
		// Clear only if still ours; an interrupt or a newer request may
		// have replaced it already.
		co.mu.Lock()
		if co.current == req {
			co.current = nil
		}
		co.mu.Unlock()
	}()

	// Snapshot history before persisting the prompt: replay sends prior
	// entries, the prompt itself goes separately.
	history := co.conv.History()
	co.conv.AddUserMessage(content)

	co.emit(req.id, func() { co.out.SendProcessing(req.id, "thinking") })

	outcome := co.client.ExecuteStreaming(reqCtx, content, co.callbacks(req.id), history, req.isInterrupted)

	if req.isInterrupted() || !co.isCurrent(req.id) {
		// The interrupt notice reaches the client only. The transcript
		// keeps just what the assistant actually said, so nothing
		// fabricated is replayed into the restarted process.
		co.log.Info("request interrupted", "request_id", req.id, "tool_calls", len(outcome.ToolCalls))
		return
	}

	if !outcome.Success {
		co.emit(req.id, func() { co.out.SendError(req.id, outcome.Response) })
		return
	}

	co.conv.AddAssistantMessage(outcome.Response, outcome.ToolCalls)

	co.emit(req.id, func() {
		co.out.SendAssistantMessage(req.id, outcome.Response, outcome.ToolCalls, outcome.AlreadySentAsTextBlock)
	})
	co.speak(reqCtx, req.id, outcome.Response)
	co.emit(req.id, func() { co.out.SendProcessing(req.id, "complete") })
}

// speak synthesizes the response and delivers the audio, still inside the
// request so the currency check applies. Synthesis failure is logged and the
// request completes without audio.
func (co *Coordinator) speak(ctx context.Context, requestID, text string) {
	if co.synth == nil {
		return
	}

	audio, err := co.synth.Synthesize(ctx, text)
	if err != nil {
		co.log.Error("speech synthesis failed", "request_id", requestID, "err", err)
		return
	}
	co.emit(requestID, func() { co.out.SendAudio(requestID, audio) })
}

// callbacks builds the streaming callbacks for one request. Every callback
// re-checks currency at emission time, so tool summaries finishing after an
// interrupt or a newer request are silently dropped.
func (co *Coordinator) callbacks(requestID string) claude.StreamCallbacks {
	return claude.StreamCallbacks{
		OnTextBlock: func(text string, final bool) {
			co.emit(requestID, func() { co.out.SendTextBlock(requestID, text, final) })
		},
		OnToolUse: func(name string, input map[string]interface{}, summary string) {
			co.emit(requestID, func() { co.out.SendToolUse(requestID, name, input, summary) })
		},
		OnToolSummaryUpdate: func(name string, input map[string]interface{}, summary string) {
			co.emit(requestID, func() { co.out.SendToolSummaryUpdate(requestID, name, input, summary) })
		},
		OnToolInputProgress: func(blockIndex, partialJSON string, input map[string]interface{}) {
			co.emit(requestID, func() { co.out.SendToolInputProgress(requestID, blockIndex, partialJSON, input) })
		},
		OnThinkingBlock: func(text string) {
			co.emit(requestID, func() { co.out.SendThinking(requestID, text) })
		},
	}
}

// emit runs fn only while requestID is still current. Stale events are
// logged at debug and dropped.
func (co *Coordinator) emit(requestID string, fn func()) {
	if !co.isCurrent(requestID) {
		co.log.Debug("dropping event for stale request", "request_id", requestID)
		return
	}
	fn()
}

// Interrupt stops the active request: the request's interrupted flag makes
// the streaming loop exit cooperatively, clearing current both suppresses
// in-flight emissions and returns the coordinator to an accept-ready state,
// cancelling the context unblocks waiters, and the agent process is killed
// so a blocked read returns. A new message may start immediately, without
// waiting for the old task to observe the cancellation. Interrupting when
// idle is a no-op.
func (co *Coordinator) Interrupt(reason string) {
	co.mu.Lock()
	req := co.current
	co.current = nil
	co.mu.Unlock()

	if req == nil {
		co.log.Debug("interrupt with no active request", "reason", reason)
		return
	}

	co.log.Info("interrupting active request", "reason", reason, "request_id", req.id)
	req.interrupt()
	co.client.InterruptAndRestart()
	req.cancel()
}

// UpdateConfig applies new process settings. The agent process restarts on
// the next request with history replayed.
func (co *Coordinator) UpdateConfig(cfg claude.ProcessConfig) {
	co.client.UpdateProcessConfig(cfg)
}

// Shutdown interrupts any active request and stops the agent process.
func (co *Coordinator) Shutdown() {
	co.Interrupt("session closing")
	co.client.Cleanup()
}
