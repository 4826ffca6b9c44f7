package occupancy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/bearfit/pkg/api"
	"github.com/astromechza/bearfit/pkg/peer"
)

// RoomUpdate is the body of POST /parties/rooms/index.
type RoomUpdate struct {
	Room  string `json:"room"`
	Count *int   `json:"count"`
}

func (u RoomUpdate) validate() error {
	switch {
	case u.Room == "":
		return errors.New("room must be a non-empty string")
	case u.Count == nil:
		return errors.New("count must be a number")
	case *u.Count < 0:
		return errors.New("count must not be negative")
	}
	return nil
}

// ClientMessage is what a dashboard may send over the socket.
type ClientMessage struct {
	Type    string `json:"type"`
	Payload struct {
		Signature string `json:"signature"`
	} `json:"payload"`
}

// Handler serves the registry over HTTP and websockets.
type Handler struct {
	registry *Registry
	logger   *slog.Logger
}

func NewHandler(registry *Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: registry, logger: logger}
}

// GetIndex answers with the public aggregate, or upgrades to a dashboard socket.
func (h *Handler) GetIndex(writer http.ResponseWriter, request *http.Request) {
	if peer.IsUpgrade(request) {
		h.serveSocket(writer, request)
		return
	}
	info, err := h.registry.Public(request.Context())
	if err != nil {
		h.logger.Error("failed to read aggregate", "err", err)
		api.WriteError(writer, http.StatusInternalServerError, "internal error")
		return
	}
	api.WriteJSON(writer, http.StatusOK, info)
}

// PostIndex applies a room count report.
func (h *Handler) PostIndex(writer http.ResponseWriter, request *http.Request) {
	var update RoomUpdate
	if err := api.DecodeJSON(writer, request, &update); err != nil {
		api.WriteError(writer, http.StatusBadRequest, err.Error())
		return
	}
	if err := update.validate(); err != nil {
		api.WriteError(writer, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.registry.UpdateRoomCount(request.Context(), update.Room, *update.Count); err != nil {
		h.logger.Error("failed to update room count", "room", update.Room, "err", err)
		api.WriteError(writer, http.StatusInternalServerError, "internal error")
		return
	}
	api.WriteJSON(writer, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) serveSocket(writer http.ResponseWriter, request *http.Request) {
	conn, err := peer.Upgrade(writer, request, h.logger)
	if err != nil {
		h.logger.Error("failed to upgrade dashboard", "err", err)
		return
	}
	// the request context ends when the handler returns, so the socket gets its own
	ctx := context.WithoutCancel(request.Context())
	if err := h.registry.Connect(ctx, conn); err != nil {
		h.logger.Error("failed to register dashboard", "err", err)
		conn.Close()
		return
	}
	defer func() {
		if err := h.registry.Close(ctx, conn.ID()); err != nil {
			h.logger.Warn("failed to unregister dashboard", "conn", conn.ID(), "err", err)
		}
	}()

	if err := conn.ReadLoop(func(messageType int, data []byte) error {
		h.handleMessage(ctx, conn, messageType, data)
		return nil
	}); err != nil {
		h.logger.Debug("dashboard closed", "conn", conn.ID(), "err", err)
	}
}

func (h *Handler) handleMessage(ctx context.Context, conn *peer.Conn, messageType int, data []byte) {
	var msg ClientMessage
	if messageType != websocket.TextMessage || json.Unmarshal(data, &msg) != nil || msg.Type != "auth" || msg.Payload.Signature == "" {
		h.logger.Warn("invalid dashboard message", "conn", conn.ID())
		if payload, err := json.Marshal(api.ErrorBody{Error: "invalid message"}); err == nil {
			_ = conn.SendText(payload)
		}
		return
	}
	if _, err := h.registry.Authorize(ctx, conn.ID(), msg.Payload.Signature); err != nil {
		h.logger.Error("dashboard auth verification failed", "conn", conn.ID(), "err", err)
	}
}

// HTTPReporter reports room counts to a registry in another process.
type HTTPReporter struct {
	url    string
	client *http.Client
}

var _ Reporter = (*HTTPReporter)(nil)

// NewHTTPReporter posts to url, which should end in /parties/rooms/index. A nil client gets a 10s timeout.
func NewHTTPReporter(url string, client *http.Client) *HTTPReporter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPReporter{url: url, client: client}
}

func (h *HTTPReporter) ReportRoomCount(ctx context.Context, room string, count int) error {
	body, err := json.Marshal(RoomUpdate{Room: room, Count: &count})
	if err != nil {
		return fmt.Errorf("failed to encode update: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post room count: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("room count rejected: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}
