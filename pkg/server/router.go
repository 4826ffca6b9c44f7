// Package server assembles the HTTP surface: room routes, the occupancy index, request logging and CORS.
package server

import (
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"

	"github.com/astromechza/bearfit/pkg/api"
	"github.com/astromechza/bearfit/pkg/occupancy"
	"github.com/astromechza/bearfit/pkg/session"
)

type Options struct {
	// Production turns off the permissive CORS headers.
	Production bool
	Logger     *slog.Logger
}

// NewHandler routes requests to the room and occupancy handlers. Either handler may be nil, in which case its
// routes are not served.
func NewHandler(rooms *session.Handler, index *occupancy.Handler, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	r.Methods(http.MethodGet).Path("/parties/main/status").HandlerFunc(ok)

	if rooms != nil {
		roomPath := "/parties/main/{" + session.RoomVar + "}"
		r.Methods(http.MethodGet).Path(roomPath + "/history").Handler(gzhttp.GzipHandler(http.HandlerFunc(rooms.History)))
		r.Methods(http.MethodPatch).Path(roomPath + "/availability").HandlerFunc(rooms.PatchAvailability)
		r.Methods(http.MethodPost).Path(roomPath + "/restore").HandlerFunc(rooms.Restore)
		r.Methods(http.MethodGet).Path(roomPath).HandlerFunc(rooms.Read)
		r.Methods(http.MethodPost).Path(roomPath).HandlerFunc(rooms.Create)
	}
	if index != nil {
		r.Methods(http.MethodGet).Path("/parties/rooms/index").HandlerFunc(index.GetIndex)
		r.Methods(http.MethodPost).Path("/parties/rooms/index").HandlerFunc(index.PostIndex)
	}

	// OPTIONS is answered for every path before routing
	var h http.Handler = withPreflight(r)
	if !opts.Production {
		h = withCORS(h)
	}
	return withLogging(h, logger)
}

func withLogging(handler http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
	})
}

func withPreflight(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method == http.MethodOptions {
			ok(writer, request)
			return
		}
		handler.ServeHTTP(writer, request)
	})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		h := writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")
		h.Set("Access-Control-Expose-Headers", "ETag")
		handler.ServeHTTP(writer, request)
	})
}

func ok(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = writer.Write([]byte("ok"))
}

func notFound(writer http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(writer, http.StatusNotFound, api.MessageBody{Message: "not found"})
}

func methodNotAllowed(writer http.ResponseWriter, _ *http.Request) {
	api.WriteError(writer, http.StatusMethodNotAllowed, "Method not allowed")
}
