package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/daisyvoice/daisy/claude"
	"github.com/daisyvoice/daisy/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser origins are enforced by the CORS layer; the websocket accepts
	// the same local clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn is one browser connection bound to a session. It implements
// session.Outbound: every coordinator event becomes one JSON frame. Writes
// are serialized because frames come from the request goroutine, summary
// goroutines, and the read loop.
type wsConn struct {
	conn *websocket.Conn
	sess *session.Session
	coor *session.Coordinator
	log  *slog.Logger

	writeMu sync.Mutex
}

// handleWebSocket upgrades the connection and runs the read loop until the
// browser disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	wc := &wsConn{
		conn: conn,
		sess: sess,
		log:  s.log.With("session_id", sess.ID),
	}
	wc.coor = session.NewCoordinator(sess.Client, sess.Conversation, wc, wc.log)
	if s.tts != nil {
		wc.coor.SetSynthesizer(s.tts)
	}

	wc.log.Info("websocket connected")
	wc.sendSessionInfo()
	wc.readLoop(r.Context(), s.tts)
	wc.log.Info("websocket disconnected")
}

// readLoop dispatches inbound frames. User messages run on their own
// goroutine so interrupt frames are handled while a request streams.
func (wc *wsConn) readLoop(ctx context.Context, synth Synthesizer) {
	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wc.log.Warn("websocket read error", "err", err)
			}
			// A dropped connection interrupts any in-flight request.
			wc.coor.Interrupt("websocket closed")
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			wc.SendError("", "Invalid JSON format")
			continue
		}

		wc.sess.Touch()

		switch frame.Type {
		case "user_message":
			go wc.coor.HandleUserMessage(ctx, frame.Content)

		case "interrupt":
			reason := frame.Reason
			if reason == "" {
				reason = "user_stopped"
			}
			wc.coor.Interrupt(reason)

		case "config_update":
			wc.handleConfigUpdate(frame.Config)

		case "tts_request":
			go wc.handleTTSRequest(ctx, synth, frame.Content)

		default:
			wc.log.Warn("unknown websocket frame", "type", frame.Type)
			wc.SendError("", "Unknown message type: "+frame.Type)
		}
	}
}

func (wc *wsConn) handleConfigUpdate(req *configUpdateRequest) {
	if req == nil {
		wc.SendError("", "Missing config payload")
		return
	}

	applyConfigUpdate(wc.sess, wc.coor, req)
	wc.send(outboundFrame{Type: frameConfigUpdated, Success: true})
}

// applyConfigUpdate mutates the session's process settings. Shared with the
// REST config endpoint.
func applyConfigUpdate(sess *session.Session, coor *session.Coordinator, req *configUpdateRequest) {
	if req.WorkingDirectory != "" {
		sess.WorkDir = req.WorkingDirectory
	}
	if len(req.AllowedTools) > 0 {
		sess.AllowedTools = req.AllowedTools
	}
	if req.PermissionMode != "" {
		sess.PermissionMode = req.PermissionMode
	}

	cfg := claude.ProcessConfig{
		WorkDir:        sess.WorkDir,
		AllowedTools:   sess.AllowedTools,
		PermissionMode: sess.PermissionMode,
	}
	if coor != nil {
		coor.UpdateConfig(cfg)
	} else {
		sess.Client.UpdateProcessConfig(cfg)
	}
}

// Synthesizer produces WAV audio for the tts_request frame. Satisfied by
// tts.Piper; nil disables server-side synthesis.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

func (wc *wsConn) handleTTSRequest(ctx context.Context, synth Synthesizer, text string) {
	if synth == nil {
		wc.SendError("", "Server-side TTS is not enabled")
		return
	}

	audio, err := synth.Synthesize(ctx, text)
	if err != nil {
		wc.log.Error("tts synthesis failed", "err", err)
		wc.SendError("", "Speech synthesis failed")
		return
	}

	wc.send(outboundFrame{
		Type:  frameTTSAudio,
		Audio: base64.StdEncoding.EncodeToString(audio),
	})
}

func (wc *wsConn) sendSessionInfo() {
	wc.send(outboundFrame{
		Type:           frameSessionInfo,
		SessionID:      wc.sess.ID,
		WorkingDir:     wc.sess.WorkDir,
		ConversationID: wc.sess.Conversation.ID(),
		PermissionMode: wc.sess.PermissionMode,
	})
}

// send writes one frame. Send failures are logged, not propagated: the read
// loop notices the dead connection and tears down.
func (wc *wsConn) send(frame outboundFrame) {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()

	if err := wc.conn.WriteJSON(frame); err != nil {
		wc.log.Error("websocket write failed", "type", frame.Type, "err", err)
	}
}

// session.Outbound implementation.

func (wc *wsConn) SendProcessing(requestID, status string) {
	wc.send(outboundFrame{Type: frameProcessing, RequestID: requestID, Status: status})
}

func (wc *wsConn) SendTextBlock(requestID, text string, final bool) {
	wc.send(outboundFrame{Type: frameTextBlock, RequestID: requestID, Content: text, Final: final})
}

func (wc *wsConn) SendToolUse(requestID, toolName string, input map[string]interface{}, summary string) {
	wc.send(outboundFrame{Type: frameToolUse, RequestID: requestID, Tool: toolName, Input: input, Summary: summary})
}

func (wc *wsConn) SendToolSummaryUpdate(requestID, toolName string, input map[string]interface{}, summary string) {
	wc.send(outboundFrame{Type: frameToolSummary, RequestID: requestID, Tool: toolName, Input: input, Summary: summary})
}

func (wc *wsConn) SendToolInputProgress(requestID, blockIndex, partialJSON string, input map[string]interface{}) {
	wc.send(outboundFrame{Type: frameToolInputProgress, RequestID: requestID, BlockIndex: blockIndex, PartialJSON: partialJSON, Input: input})
}

func (wc *wsConn) SendThinking(requestID, text string) {
	wc.send(outboundFrame{Type: frameThinking, RequestID: requestID, Content: text})
}

func (wc *wsConn) SendAssistantMessage(requestID, content string, toolCalls []claude.ToolCall, alreadyStreamed bool) {
	wc.send(outboundFrame{
		Type:            frameAssistantMessage,
		RequestID:       requestID,
		Content:         content,
		ToolCalls:       toolCalls,
		AlreadyStreamed: alreadyStreamed,
	})
}

func (wc *wsConn) SendError(requestID, message string) {
	wc.send(outboundFrame{Type: frameError, RequestID: requestID, Message: message})
}

func (wc *wsConn) SendAudio(requestID string, wav []byte) {
	wc.send(outboundFrame{
		Type:      frameTTSAudio,
		RequestID: requestID,
		Audio:     base64.StdEncoding.EncodeToString(wav),
	})
}
