package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// ProtocolError wraps a malformed wire line. Callers log and skip; one bad
// line never terminates the stream.
type ProtocolError struct {
	Cause error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Cause)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// MessageType discriminates between inbound message kinds.
type MessageType string

const (
	MessageTypeSystem            MessageType = "system"
	MessageTypeAssistant         MessageType = "assistant"
	MessageTypeContentBlockDelta MessageType = "content_block_delta"
	MessageTypeResult            MessageType = "result"
)

// Message is the interface for all inbound protocol messages.
type Message interface {
	MsgType() MessageType
}

// SystemMessage represents session initialization and system events.
type SystemMessage struct {
	Type           MessageType `json:"type"`
	Subtype        string      `json:"subtype"`
	SessionID      string      `json:"session_id,omitempty"`
	Model          string      `json:"model,omitempty"`
	CWD            string      `json:"cwd,omitempty"`
	PermissionMode string      `json:"permissionMode,omitempty"`
	Tools          []string    `json:"tools,omitempty"`
}

// MsgType returns the message type.
func (m SystemMessage) MsgType() MessageType { return MessageTypeSystem }

// ContentBlock is the interface for assistant content blocks.
type ContentBlock interface {
	BlockType() string
}

// TextBlock is a complete text content block.
type TextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// BlockType returns the block type.
func (b TextBlock) BlockType() string { return "text" }

// ToolUseBlock records the agent invoking a tool.
type ToolUseBlock struct {
	Type  string                 `json:"type"`
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// BlockType returns the block type.
func (b ToolUseBlock) BlockType() string { return "tool_use" }

// ContentBlocks is a slice of content blocks with custom decoding.
// Unknown block types are skipped, not errors.
type ContentBlocks []ContentBlock

// UnmarshalJSON implements json.Unmarshaler.
func (cb *ContentBlocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}

	blocks := make(ContentBlocks, 0, len(raws))
	for _, raw := range raws {
		var base struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &base); err != nil {
			return err
		}

		switch base.Type {
		case "text":
			var b TextBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			blocks = append(blocks, b)
		case "tool_use":
			var b ToolUseBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			blocks = append(blocks, b)
		default:
			slog.Debug("skipping unknown content block type", "type", base.Type)
		}
	}

	*cb = blocks
	return nil
}

// MessageContent is the inner content of an assistant message.
type MessageContent struct {
	Role    string        `json:"role"`
	Content ContentBlocks `json:"content"`
}

// AssistantMessage is a complete message from the agent, carrying text
// and tool_use content blocks.
type AssistantMessage struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Message   MessageContent `json:"message"`
}

// MsgType returns the message type.
func (m AssistantMessage) MsgType() MessageType { return MessageTypeAssistant }

// DeltaData is the interface for content block delta discrimination.
type DeltaData interface {
	DeltaType() string
}

// ThinkingDelta is a delta carrying reasoning text.
type ThinkingDelta struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

// DeltaType returns the delta type.
func (d ThinkingDelta) DeltaType() string { return d.Type }

// InputJSONDelta is a delta carrying a partial JSON fragment of tool input.
// A single tool call's input may span many deltas; callers accumulate.
type InputJSONDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

// DeltaType returns the delta type.
func (d InputJSONDelta) DeltaType() string { return d.Type }

// ContentBlockDeltaMessage is an incremental update to an in-progress
// content block.
type ContentBlockDeltaMessage struct {
	Type  MessageType     `json:"type"`
	Index int             `json:"index"`
	Delta json.RawMessage `json:"delta"`
}

// MsgType returns the message type.
func (m ContentBlockDeltaMessage) MsgType() MessageType { return MessageTypeContentBlockDelta }

// ParsedDelta parses the delta field. Unknown delta types return nil, nil.
func (m ContentBlockDeltaMessage) ParsedDelta() (DeltaData, error) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(m.Delta, &base); err != nil {
		return nil, err
	}

	switch base.Type {
	case "thinking_delta":
		var d ThinkingDelta
		if err := json.Unmarshal(m.Delta, &d); err != nil {
			return nil, err
		}
		return d, nil
	case "input_json_delta":
		var d InputJSONDelta
		if err := json.Unmarshal(m.Delta, &d); err != nil {
			return nil, err
		}
		return d, nil
	default:
		slog.Debug("skipping unknown content block delta type", "type", base.Type)
		return nil, nil
	}
}

// ResultMessage carries the terminal result of one request.
type ResultMessage struct {
	Type       MessageType `json:"type"`
	Subtype    string      `json:"subtype,omitempty"`
	SessionID  string      `json:"session_id,omitempty"`
	Result     string      `json:"result"`
	IsError    bool        `json:"is_error,omitempty"`
	DurationMs int64       `json:"duration_ms,omitempty"`
	NumTurns   int         `json:"num_turns,omitempty"`
}

// MsgType returns the message type.
func (m ResultMessage) MsgType() MessageType { return MessageTypeResult }

// ParseMessage parses one line of process output into a typed message.
// Unknown message types return nil, nil so the read loop can skip them.
// Parsing is a pure function: the same line always yields the same message.
func ParseMessage(line []byte) (Message, error) {
	var base struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(line, &base); err != nil {
		return nil, &ProtocolError{Cause: err}
	}

	switch base.Type {
	case MessageTypeSystem:
		var m SystemMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, &ProtocolError{Cause: err}
		}
		return m, nil
	case MessageTypeAssistant:
		var m AssistantMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, &ProtocolError{Cause: err}
		}
		return m, nil
	case MessageTypeContentBlockDelta:
		var m ContentBlockDeltaMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, &ProtocolError{Cause: err}
		}
		return m, nil
	case MessageTypeResult:
		var m ResultMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, &ProtocolError{Cause: err}
		}
		return m, nil
	default:
		slog.Debug("skipping unknown message type", "type", base.Type)
		return nil, nil
	}
}

// ParsePartialToolInput attempts a best-effort parse of an accumulated
// partial tool-input JSON fragment. It first tries the fragment as-is, then
// with a closing brace appended. On failure it returns an empty map.
//
// The result is advisory progress information only; the authoritative input
// arrives with the terminating tool_use block.
func ParsePartialToolInput(partial string) map[string]interface{} {
	var input map[string]interface{}
	if err := json.Unmarshal([]byte(partial), &input); err == nil {
		return input
	}
	if err := json.Unmarshal([]byte(partial+"}"), &input); err == nil {
		return input
	}
	return map[string]interface{}{}
}
