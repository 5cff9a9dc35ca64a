package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daisyvoice/daisy/claude"
)

// frame records one outbound event for assertions.
type frame struct {
	kind      string
	requestID string
	content   string
	tool      string
	toolCalls []claude.ToolCall
}

// recorder implements Outbound and captures every emitted frame.
type recorder struct {
	mu     sync.Mutex
	frames []frame
}

func (r *recorder) add(f frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *recorder) all() []frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frame, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *recorder) kinds() []string {
	var kinds []string
	for _, f := range r.all() {
		kinds = append(kinds, f.kind)
	}
	return kinds
}

func (r *recorder) SendProcessing(requestID, status string) {
	r.add(frame{kind: "processing", requestID: requestID, content: status})
}
func (r *recorder) SendTextBlock(requestID, text string, final bool) {
	r.add(frame{kind: "text_block", requestID: requestID, content: text})
}
func (r *recorder) SendToolUse(requestID, toolName string, input map[string]interface{}, summary string) {
	r.add(frame{kind: "tool_use", requestID: requestID, tool: toolName, content: summary})
}
func (r *recorder) SendToolSummaryUpdate(requestID, toolName string, input map[string]interface{}, summary string) {
	r.add(frame{kind: "tool_summary_update", requestID: requestID, tool: toolName, content: summary})
}
func (r *recorder) SendToolInputProgress(requestID, blockIndex, partialJSON string, input map[string]interface{}) {
	r.add(frame{kind: "tool_input_progress", requestID: requestID, content: partialJSON})
}
func (r *recorder) SendThinking(requestID, text string) {
	r.add(frame{kind: "thinking", requestID: requestID, content: text})
}
func (r *recorder) SendAssistantMessage(requestID, content string, toolCalls []claude.ToolCall, alreadyStreamed bool) {
	r.add(frame{kind: "assistant_message", requestID: requestID, content: content, toolCalls: toolCalls})
}
func (r *recorder) SendError(requestID, message string) {
	r.add(frame{kind: "error", requestID: requestID, content: message})
}
func (r *recorder) SendAudio(requestID string, wav []byte) {
	r.add(frame{kind: "audio", requestID: requestID, content: string(wav)})
}

// fakeAgent scripts ExecuteStreaming.
type fakeAgent struct {
	mu         sync.Mutex
	run        func(ctx context.Context, prompt string, cb claude.StreamCallbacks, history []claude.HistoryMessage, isInterrupted func() bool) claude.Outcome
	interrupts int
	history    []claude.HistoryMessage
}

func (f *fakeAgent) ExecuteStreaming(ctx context.Context, prompt string, cb claude.StreamCallbacks, history []claude.HistoryMessage, isInterrupted func() bool) claude.Outcome {
	f.mu.Lock()
	f.history = history
	f.mu.Unlock()
	return f.run(ctx, prompt, cb, history, isInterrupted)
}

func (f *fakeAgent) InterruptAndRestart() {
	f.mu.Lock()
	f.interrupts++
	f.mu.Unlock()
}

func (f *fakeAgent) UpdateProcessConfig(cfg claude.ProcessConfig) {}
func (f *fakeAgent) Cleanup()                                     {}

func newTestCoordinator(t *testing.T, agent *fakeAgent) (*Coordinator, *recorder, *Conversation) {
	t.Helper()
	conv, err := NewConversation(t.TempDir(), "", nil)
	require.NoError(t, err)

	rec := &recorder{}
	return NewCoordinator(agent, conv, rec, nil), rec, conv
}

func TestHandleUserMessageSuccess(t *testing.T) {
	agent := &fakeAgent{
		run: func(ctx context.Context, prompt string, cb claude.StreamCallbacks, history []claude.HistoryMessage, isInterrupted func() bool) claude.Outcome {
			cb.OnTextBlock("the answer", false)
			return claude.Outcome{Success: true, Response: "the answer"}
		},
	}
	co, rec, conv := newTestCoordinator(t, agent)

	co.HandleUserMessage(context.Background(), "a question")

	assert.Equal(t, []string{"processing", "text_block", "assistant_message", "processing"}, rec.kinds())

	frames := rec.all()
	assert.Equal(t, "thinking", frames[0].content)
	assert.Equal(t, "the answer", frames[2].content)
	assert.Equal(t, "complete", frames[3].content)

	// All frames share the request id.
	for _, f := range frames {
		assert.Equal(t, frames[0].requestID, f.requestID)
	}

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "a question", msgs[0].Content)
	assert.Equal(t, "the answer", msgs[1].Content)

	// The replay snapshot excludes the prompt being handled.
	assert.Empty(t, agent.history)
	assert.False(t, co.Busy())
}

func TestHandleUserMessagePassesPriorHistory(t *testing.T) {
	agent := &fakeAgent{
		run: func(ctx context.Context, prompt string, cb claude.StreamCallbacks, history []claude.HistoryMessage, isInterrupted func() bool) claude.Outcome {
			return claude.Outcome{Success: true, Response: "second"}
		},
	}
	co, _, conv := newTestCoordinator(t, agent)

	conv.AddUserMessage("first question")
	conv.AddAssistantMessage("first answer", nil)

	co.HandleUserMessage(context.Background(), "second question")

	require.Len(t, agent.history, 2)
	assert.Equal(t, "first question", agent.history[0].Content)
	assert.Equal(t, "first answer", agent.history[1].Content)
}

func TestHandleUserMessageEmpty(t *testing.T) {
	co, rec, conv := newTestCoordinator(t, &fakeAgent{})

	co.HandleUserMessage(context.Background(), "   ")

	kinds := rec.kinds()
	require.Len(t, kinds, 1)
	assert.Equal(t, "error", kinds[0])
	assert.Empty(t, conv.Messages())
}

func TestHandleUserMessageFailureSendsError(t *testing.T) {
	agent := &fakeAgent{
		run: func(ctx context.Context, prompt string, cb claude.StreamCallbacks, history []claude.HistoryMessage, isInterrupted func() bool) claude.Outcome {
			return claude.Outcome{Response: claude.ResponseNoResult}
		},
	}
	co, rec, conv := newTestCoordinator(t, agent)

	co.HandleUserMessage(context.Background(), "q")

	frames := rec.all()
	require.Len(t, frames, 2)
	assert.Equal(t, "error", frames[1].kind)
	assert.Equal(t, claude.ResponseNoResult, frames[1].content)

	// Only the user prompt is recorded.
	require.Len(t, conv.Messages(), 1)
}

func TestInterruptStopsRequestAndSuppressesLateEvents(t *testing.T) {
	started := make(chan claude.StreamCallbacks, 1)
	release := make(chan struct{})

	agent := &fakeAgent{}
	agent.run = func(ctx context.Context, prompt string, cb claude.StreamCallbacks, history []claude.HistoryMessage, isInterrupted func() bool) claude.Outcome {
		cb.OnToolUse("Bash", map[string]interface{}{"command": "sleep"}, "Using Bash")
		started <- cb
		<-release

		// Events arriving after the interrupt must be dropped.
		cb.OnTextBlock("late text", false)
		return claude.Outcome{
			Response:  claude.ResponseInterrupted,
			ToolCalls: []claude.ToolCall{{Name: "Bash"}},
		}
	}
	co, rec, conv := newTestCoordinator(t, agent)

	done := make(chan struct{})
	go func() {
		co.HandleUserMessage(context.Background(), "long task")
		close(done)
	}()

	<-started
	co.Interrupt("user_stopped")
	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("request did not finish after interrupt")
	}

	agent.mu.Lock()
	interrupts := agent.interrupts
	agent.mu.Unlock()
	assert.Equal(t, 1, interrupts)

	kinds := rec.kinds()
	assert.Contains(t, kinds, "tool_use")
	assert.NotContains(t, kinds, "text_block")
	assert.NotContains(t, kinds, "assistant_message")

	// Only the prompt is persisted: the interrupt notice is not part of
	// the transcript and must never be replayed as an assistant turn.
	msgs := conv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "long task", msgs[0].Content)

	assert.False(t, co.Busy())
}

func TestInterruptAllowsImmediateNewMessage(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	agent := &fakeAgent{}
	agent.run = func(ctx context.Context, prompt string, cb claude.StreamCallbacks, history []claude.HistoryMessage, isInterrupted func() bool) claude.Outcome {
		if prompt == "first" {
			close(started)
			<-release
			return claude.Outcome{Response: claude.ResponseInterrupted}
		}
		return claude.Outcome{Success: true, Response: "second answer"}
	}
	co, rec, _ := newTestCoordinator(t, agent)

	done := make(chan struct{})
	go func() {
		co.HandleUserMessage(context.Background(), "first")
		close(done)
	}()

	<-started
	co.Interrupt("user_stopped")

	// The old task has not exited yet; the new message must start anyway.
	co.HandleUserMessage(context.Background(), "second")

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("interrupted request did not finish")
	}

	var answered bool
	for _, f := range rec.all() {
		assert.NotEqual(t, "Already processing a request", f.content)
		if f.kind == "assistant_message" && f.content == "second answer" {
			answered = true
		}
	}
	assert.True(t, answered)

	// The second request's replay snapshot holds the first prompt only;
	// the interrupted request contributed no assistant turn.
	agent.mu.Lock()
	defer agent.mu.Unlock()
	require.Len(t, agent.history, 1)
	assert.Equal(t, "first", agent.history[0].Content)
}

func TestInterruptWhenIdleIsNoOp(t *testing.T) {
	agent := &fakeAgent{}
	co, rec, _ := newTestCoordinator(t, agent)

	co.Interrupt("user_stopped")
	co.Interrupt("user_stopped")

	assert.Empty(t, rec.all())
	agent.mu.Lock()
	defer agent.mu.Unlock()
	assert.Equal(t, 0, agent.interrupts)
}

func TestHandleUserMessageRejectsConcurrentRequest(t *testing.T) {
	block := make(chan struct{})
	agent := &fakeAgent{
		run: func(ctx context.Context, prompt string, cb claude.StreamCallbacks, history []claude.HistoryMessage, isInterrupted func() bool) claude.Outcome {
			<-block
			return claude.Outcome{Success: true, Response: "ok"}
		},
	}
	co, rec, _ := newTestCoordinator(t, agent)

	done := make(chan struct{})
	go func() {
		co.HandleUserMessage(context.Background(), "first")
		close(done)
	}()

	require.Eventually(t, co.Busy, time.Second, time.Millisecond)

	co.HandleUserMessage(context.Background(), "second")

	var sawBusyError bool
	for _, f := range rec.all() {
		if f.kind == "error" && f.content == "Already processing a request" {
			sawBusyError = true
		}
	}
	assert.True(t, sawBusyError)

	close(block)
	<-done
}

// fakeSynth returns fixed audio bytes.
type fakeSynth struct{ wav []byte }

func (f fakeSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f.wav, nil
}

func TestHandleUserMessageSpeaksFinalResponse(t *testing.T) {
	agent := &fakeAgent{
		run: func(ctx context.Context, prompt string, cb claude.StreamCallbacks, history []claude.HistoryMessage, isInterrupted func() bool) claude.Outcome {
			return claude.Outcome{Success: true, Response: "spoken answer"}
		},
	}
	co, rec, _ := newTestCoordinator(t, agent)
	co.SetSynthesizer(fakeSynth{wav: []byte("RIFFwav")})

	co.HandleUserMessage(context.Background(), "q")

	kinds := rec.kinds()
	assert.Equal(t, []string{"processing", "assistant_message", "audio", "processing"}, kinds)

	frames := rec.all()
	assert.Equal(t, "RIFFwav", frames[2].content)
	assert.Equal(t, frames[1].requestID, frames[2].requestID)
}

func TestStaleCallbacksAfterCompletionAreDropped(t *testing.T) {
	var captured claude.StreamCallbacks
	agent := &fakeAgent{
		run: func(ctx context.Context, prompt string, cb claude.StreamCallbacks, history []claude.HistoryMessage, isInterrupted func() bool) claude.Outcome {
			captured = cb
			return claude.Outcome{Success: true, Response: "done"}
		},
	}
	co, rec, _ := newTestCoordinator(t, agent)

	co.HandleUserMessage(context.Background(), "q")
	before := len(rec.all())

	// A summary goroutine finishing after the request must not emit.
	captured.OnToolSummaryUpdate("Bash", nil, "Listing files")

	assert.Len(t, rec.all(), before)
}
