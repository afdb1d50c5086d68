package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/labmesh/backend/internal/answer"
	"github.com/labmesh/backend/pkg/logger"
)

type WebSocketHandler struct {
	pipeline *answer.Pipeline
}

func NewWebSocketHandler(pipeline *answer.Pipeline) *WebSocketHandler {
	return &WebSocketHandler{pipeline: pipeline}
}

type wsMessage struct {
	Type       string        `json:"type"`
	Content    string        `json:"content"`
	UserID     string        `json:"user_id"`
	ProjectIDs []string      `json:"project_ids"`
	History    []answer.Turn `json:"history"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")
	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type != "query" || strings.TrimSpace(msg.Content) == "" {
			continue
		}

		if err := h.streamAnswer(c, msg); err != nil {
			logger.Error("Failed to stream answer", zap.Error(err))
			h.send(c, "error", "Failed to process query")
		}
	}
}

func (h *WebSocketHandler) streamAnswer(c *websocket.Conn, msg wsMessage) error {
	h.send(c, "status", "Searching project documents...")

	resp, err := h.pipeline.Answer(context.Background(), answer.Request{
		Query:      msg.Content,
		UserID:     msg.UserID,
		ProjectIDs: msg.ProjectIDs,
		History:    msg.History,
	})
	if err != nil {
		return err
	}

	words := strings.Fields(resp.Answer)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 {
			chunk += " "
		}
		if err := h.send(c, "chunk", chunk); err != nil {
			return err
		}
	}

	return c.WriteJSON(map[string]interface{}{
		"type":           "complete",
		"retrieval_mode": resp.Mode,
		"grounded":       resp.Grounded,
		"caveat_added":   resp.CaveatAdded,
		"citations":      len(resp.Citations),
		"latency_ms":     resp.LatencyMS,
	})
}

func (h *WebSocketHandler) send(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(map[string]string{
		"type":    msgType,
		"content": content,
	})
}
