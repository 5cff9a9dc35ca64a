// Package server exposes the HTTP and websocket surface: session CRUD,
// conversation history, tokenized file downloads, and the streaming
// conversation channel.
package server

import (
	"github.com/daisyvoice/daisy/claude"
	"github.com/daisyvoice/daisy/session"
)

// createSessionRequest is the body of POST /api/sessions.
type createSessionRequest struct {
	WorkingDirectory string   `json:"working_directory,omitempty"`
	AllowedTools     []string `json:"allowed_tools,omitempty"`
	PermissionMode   string   `json:"permission_mode,omitempty"`
	ConversationID   string   `json:"conversation_id,omitempty"`
}

// configUpdateRequest is the body of POST /api/sessions/{id}/config and the
// payload of the config_update websocket frame.
type configUpdateRequest struct {
	WorkingDirectory string   `json:"working_directory,omitempty"`
	AllowedTools     []string `json:"allowed_tools,omitempty"`
	PermissionMode   string   `json:"permission_mode,omitempty"`
}

// conversationHistoryResponse is the body of GET /api/conversations/{id}.
type conversationHistoryResponse struct {
	ConversationID string                  `json:"conversation_id"`
	Messages       []session.StoredMessage `json:"messages"`
	MessageCount   int                     `json:"message_count"`
}

// downloadLinkRequest is the body of POST /api/downloads.
type downloadLinkRequest struct {
	SessionID     string `json:"session_id"`
	FilePath      string `json:"file_path"`
	ExpiryMinutes int    `json:"expiry_minutes,omitempty"`
}

// downloadLinkResponse is the body returned for a created download link.
type downloadLinkResponse struct {
	Token       string `json:"token"`
	DownloadURL string `json:"download_url"`
	ExpiresAt   string `json:"expires_at"`
}

// errorResponse is the generic REST error body.
type errorResponse struct {
	Error string `json:"error"`
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Version  string `json:"version"`
}

// inboundFrame is a message from the browser. Type selects which fields are
// meaningful.
type inboundFrame struct {
	Type    string               `json:"type"`
	Content string               `json:"content,omitempty"` // user_message, tts_request
	Reason  string               `json:"reason,omitempty"`  // interrupt
	Config  *configUpdateRequest `json:"config,omitempty"`  // config_update
}

// Outbound frame types.
const (
	frameSessionInfo       = "session_info"
	frameProcessing        = "processing"
	frameTextBlock         = "text_block"
	frameToolUse           = "tool_use"
	frameToolSummary       = "tool_summary_update"
	frameToolInputProgress = "tool_input_progress"
	frameThinking          = "thinking"
	frameAssistantMessage  = "assistant_message"
	frameError             = "error"
	frameConfigUpdated     = "config_updated"
	frameTTSAudio          = "tts_audio"
)

// outboundFrame is a message to the browser.
type outboundFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	// session_info
	SessionID      string `json:"session_id,omitempty"`
	WorkingDir     string `json:"working_dir,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`

	// processing
	Status string `json:"status,omitempty"`

	// text_block, thinking, assistant_message
	Content string `json:"content,omitempty"`
	Final   bool   `json:"final,omitempty"`

	// assistant_message
	ToolCalls       []claude.ToolCall `json:"tool_calls,omitempty"`
	AlreadyStreamed bool              `json:"already_streamed,omitempty"`

	// tool_use, tool_summary_update, tool_input_progress
	Tool        string                 `json:"tool,omitempty"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Summary     string                 `json:"summary,omitempty"`
	BlockIndex  string                 `json:"block_index,omitempty"`
	PartialJSON string                 `json:"partial_json,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// config_updated
	Success bool `json:"success,omitempty"`

	// tts_audio, base64 WAV
	Audio string `json:"audio,omitempty"`
}
