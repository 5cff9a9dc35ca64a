// Package session manages conversational sessions: persistent history,
// request lifecycle coordination, and the bounded session registry.
package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daisyvoice/daisy/claude"
)

// StoredToolCall is a tool invocation as persisted in a conversation file.
type StoredToolCall struct {
	Name  string                 `yaml:"name"`
	ID    string                 `yaml:"id,omitempty"`
	Input map[string]interface{} `yaml:"input,omitempty"`
}

// StoredMessage is one conversation entry as persisted on disk.
type StoredMessage struct {
	Role      string           `yaml:"role"`
	Content   string           `yaml:"content"`
	Timestamp string           `yaml:"timestamp"`
	ToolCalls []StoredToolCall `yaml:"tool_calls,omitempty"`
}

// ConversationSummary is metadata about a stored conversation.
type ConversationSummary struct {
	ConversationID    string `json:"conversation_id"`
	MessageCount      int    `json:"message_count"`
	UserMessages      int    `json:"user_messages"`
	AssistantMessages int    `json:"assistant_messages"`
	FilePath          string `json:"file_path"`
}

// Conversation holds one session's message history and persists it as a YAML
// file under the conversations directory. Every append is written through to
// disk so a crash loses at most the in-flight message.
type Conversation struct {
	dir string
	id  string
	log *slog.Logger

	mu      sync.Mutex
	history []StoredMessage
}

// NewConversation opens the conversation with the given id, loading existing
// history from disk if present. An empty id generates a fresh one.
func NewConversation(dir, id string, log *slog.Logger) (*Conversation, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversations dir: %w", err)
	}
	if id == "" {
		id = newConversationID()
	}

	c := &Conversation{dir: dir, id: id, log: log}
	c.load()

	log.Info("conversation opened", "id", id, "messages", len(c.history))
	return c, nil
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// Path returns the on-disk location of the conversation file.
func (c *Conversation) Path() string {
	return filepath.Join(c.dir, c.id+".yml")
}

func (c *Conversation) load() {
	data, err := os.ReadFile(c.Path())
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Error("failed to read conversation file", "path", c.Path(), "err", err)
		}
		return
	}

	var history []StoredMessage
	if err := yaml.Unmarshal(data, &history); err != nil {
		c.log.Error("failed to parse conversation file", "path", c.Path(), "err", err)
		return
	}
	c.history = history
}

// saveLocked writes the full history to disk. Caller holds c.mu.
func (c *Conversation) saveLocked() {
	data, err := yaml.Marshal(c.history)
	if err != nil {
		c.log.Error("failed to marshal conversation", "err", err)
		return
	}

	tmp := c.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.log.Error("failed to write conversation file", "path", tmp, "err", err)
		return
	}
	if err := os.Rename(tmp, c.Path()); err != nil {
		c.log.Error("failed to replace conversation file", "path", c.Path(), "err", err)
	}
}

// AddUserMessage appends a user message and persists.
func (c *Conversation) AddUserMessage(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, StoredMessage{
		Role:      "user",
		Content:   content,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	c.saveLocked()
}

// AddAssistantMessage appends an assistant message, with any tool calls made
// while producing it, and persists. Interrupted requests record their partial
// tool-call list the same way.
func (c *Conversation) AddAssistantMessage(content string, toolCalls []claude.ToolCall) {
	stored := make([]StoredToolCall, 0, len(toolCalls))
	for _, tc := range toolCalls {
		stored = append(stored, StoredToolCall{Name: tc.Name, ID: tc.ID, Input: tc.Input})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, StoredMessage{
		Role:      "assistant",
		Content:   content,
		Timestamp: time.Now().Format(time.RFC3339),
		ToolCalls: stored,
	})
	c.saveLocked()
}

// History returns a snapshot of the history in the replay format the agent
// client consumes.
func (c *Conversation) History() []claude.HistoryMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]claude.HistoryMessage, 0, len(c.history))
	for _, m := range c.history {
		out = append(out, claude.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// Messages returns a snapshot of the full stored history.
func (c *Conversation) Messages() []StoredMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]StoredMessage, len(c.history))
	copy(out, c.history)
	return out
}

// Clear drops all history and persists the empty conversation.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = nil
	c.saveLocked()
	c.log.Info("conversation history cleared", "id", c.id)
}

// Summary returns conversation metadata.
func (c *Conversation) Summary() ConversationSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := ConversationSummary{
		ConversationID: c.id,
		MessageCount:   len(c.history),
		FilePath:       c.Path(),
	}
	for _, m := range c.history {
		switch m.Role {
		case "user":
			s.UserMessages++
		case "assistant":
			s.AssistantMessages++
		}
	}
	return s
}

// Delete removes the conversation file from disk.
func (c *Conversation) Delete() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = nil
	if err := os.Remove(c.Path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FormattedHistory renders the last maxMessages entries for prompt
// injection. maxMessages <= 0 includes everything.
func (c *Conversation) FormattedHistory(maxMessages int) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := c.history
	if maxMessages > 0 && len(history) > maxMessages {
		history = history[len(history)-maxMessages:]
	}

	if len(history) == 0 {
		return "This is the start of the conversation."
	}

	var b strings.Builder
	b.WriteString("Previous conversation:")
	for _, m := range history {
		switch m.Role {
		case "user":
			b.WriteString("\n\nUser: " + m.Content)
		case "assistant":
			b.WriteString("\n\nAssistant: " + m.Content)
		}
	}
	return b.String()
}
