package session

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/zeebo/blake3"

	"github.com/astromechza/bearfit/pkg/api"
	"github.com/astromechza/bearfit/pkg/history"
	"github.com/astromechza/bearfit/pkg/peer"
	"github.com/astromechza/bearfit/pkg/schema"
)

// RoomVar is the mux path variable holding the room id.
const RoomVar = "room"

// RestoreRequest is the body of POST /parties/main/{room}/restore.
type RestoreRequest struct {
	Clock int64 `json:"clock"`
}

// Handler serves the per-room HTTP surface.
type Handler struct {
	hub    *Hub
	logger *slog.Logger
}

func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{hub: hub, logger: logger}
}

func (h *Handler) session(writer http.ResponseWriter, request *http.Request) (*Session, bool) {
	room := mux.Vars(request)[RoomVar]
	if room == "" {
		api.WriteJSON(writer, http.StatusNotFound, api.MessageBody{Message: "not found"})
		return nil, false
	}
	s, err := h.hub.Get(request.Context(), room)
	if err != nil {
		h.logger.Error("failed to open room", "room", room, "err", err)
		api.WriteError(writer, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return s, true
}

// Create handles POST /parties/main/{room}.
func (h *Handler) Create(writer http.ResponseWriter, request *http.Request) {
	s, ok := h.session(writer, request)
	if !ok {
		return
	}
	var event schema.CalendarEvent
	if err := api.DecodeJSON(writer, request, &event); err != nil {
		api.WriteError(writer, http.StatusBadRequest, "invalid event")
		return
	}
	err := s.Create(request.Context(), event)
	var validationErr *schema.ValidationError
	switch {
	case err == nil:
		api.WriteJSON(writer, http.StatusOK, api.MessageBody{Message: "created"})
	case errors.As(err, &validationErr):
		h.logger.Info("rejected event", "room", s.Room(), "err", err)
		api.WriteError(writer, http.StatusBadRequest, "invalid event")
	case errors.Is(err, ErrEventExists):
		api.WriteError(writer, http.StatusForbidden, "event already created")
	default:
		h.logger.Error("failed to create event", "room", s.Room(), "err", err)
		api.WriteError(writer, http.StatusInternalServerError, "internal error")
	}
}

// Read handles GET /parties/main/{room}: the current snapshot, or a sync socket when the request is an upgrade.
func (h *Handler) Read(writer http.ResponseWriter, request *http.Request) {
	s, ok := h.session(writer, request)
	if !ok {
		return
	}
	if peer.IsUpgrade(request) {
		h.serveSync(writer, request, s)
		return
	}
	snap, err := s.Read(request.Context())
	if err != nil {
		h.logger.Error("failed to read room", "room", s.Room(), "err", err)
		api.WriteError(writer, http.StatusInternalServerError, "internal error")
		return
	}
	api.WriteJSON(writer, http.StatusOK, snap)
}

// History handles GET /parties/main/{room}/history. ?framing=length selects the length-prefixed framing.
func (h *Handler) History(writer http.ResponseWriter, request *http.Request) {
	s, ok := h.session(writer, request)
	if !ok {
		return
	}
	entries, err := s.History(request.Context())
	if err != nil {
		h.logger.Error("failed to read history", "room", s.Room(), "err", err)
		api.WriteError(writer, http.StatusInternalServerError, "internal error")
		return
	}
	var body []byte
	if request.URL.Query().Get("framing") == "length" {
		body = history.EncodeFramed(entries)
	} else {
		body = history.Encode(entries)
	}
	sum := blake3.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`
	writer.Header().Set("ETag", etag)
	writer.Header().Set("Cache-Control", "no-cache")
	if matchesETag(request.Header.Get("If-None-Match"), etag) {
		writer.WriteHeader(http.StatusNotModified)
		return
	}
	writer.Header().Set("Content-Type", "application/octet-stream")
	writer.WriteHeader(http.StatusOK)
	if _, err := writer.Write(body); err != nil {
		h.logger.Error("failed to write out", "err", err)
	}
}

func matchesETag(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}

// PatchAvailability handles PATCH /parties/main/{room}/availability.
func (h *Handler) PatchAvailability(writer http.ResponseWriter, request *http.Request) {
	s, ok := h.session(writer, request)
	if !ok {
		return
	}
	var delta schema.AvailabilityDelta
	if err := api.DecodeJSON(writer, request, &delta); err != nil {
		api.WriteError(writer, http.StatusBadRequest, "invalid availability")
		return
	}
	err := s.ApplyAvailability(request.Context(), delta)
	var validationErr *schema.ValidationError
	switch {
	case err == nil:
		api.WriteJSON(writer, http.StatusOK, api.MessageBody{Message: "updated"})
	case errors.As(err, &validationErr):
		api.WriteError(writer, http.StatusBadRequest, "invalid availability")
	case errors.Is(err, ErrNoEvent):
		api.WriteError(writer, http.StatusNotFound, "event not found")
	default:
		h.logger.Error("failed to apply availability", "room", s.Room(), "err", err)
		api.WriteError(writer, http.StatusInternalServerError, "internal error")
	}
}

// Restore handles POST /parties/main/{room}/restore.
func (h *Handler) Restore(writer http.ResponseWriter, request *http.Request) {
	s, ok := h.session(writer, request)
	if !ok {
		return
	}
	var body RestoreRequest
	if err := api.DecodeJSON(writer, request, &body); err != nil {
		api.WriteError(writer, http.StatusBadRequest, "invalid restore")
		return
	}
	err := s.Restore(request.Context(), body.Clock)
	switch {
	case err == nil:
		api.WriteJSON(writer, http.StatusOK, api.MessageBody{Message: "restored"})
	case errors.Is(err, ErrNoEvent):
		api.WriteError(writer, http.StatusNotFound, "event not found")
	case errors.Is(err, ErrClockOutOfRange):
		api.WriteError(writer, http.StatusBadRequest, "clock out of range")
	default:
		h.logger.Error("failed to restore", "room", s.Room(), "err", err)
		api.WriteError(writer, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) serveSync(writer http.ResponseWriter, request *http.Request, s *Session) {
	conn, err := peer.Upgrade(writer, request, h.logger)
	if err != nil {
		h.logger.Error("failed to upgrade", "room", s.Room(), "err", err)
		return
	}
	ctx := context.WithoutCancel(request.Context())
	if err := s.Connect(ctx, conn); err != nil {
		h.logger.Error("failed to connect peer", "room", s.Room(), "err", err)
		conn.Close()
		return
	}
	defer func() {
		if err := s.Disconnect(ctx, conn.ID()); err != nil {
			h.logger.Warn("failed to disconnect peer", "room", s.Room(), "conn", conn.ID(), "err", err)
		}
	}()

	if err := conn.ReadLoop(func(messageType int, data []byte) error {
		if messageType != websocket.BinaryMessage {
			return nil
		}
		return s.Receive(ctx, conn.ID(), data)
	}); err != nil {
		h.logger.Warn("sync ended", "room", s.Room(), "conn", conn.ID(), "err", err)
	}
}
