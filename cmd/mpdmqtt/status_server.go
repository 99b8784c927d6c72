package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ============================================================================
// Status Server
// ============================================================================
// Local HTTP surface next to the MQTT topics:
//   GET  /healthz   200 when MPD and MQTT are both connected, 503 otherwise
//   GET  /state     current daemon view (same JSON as state_init)
//   POST /command   {"topic":"CMD","payload":"next"}, same rules as MQTT
//   GET  /ws        websocket state feed
//
// Every read goes through the daemon loop; the server holds no state of its own.
// ============================================================================

// NewStatusRouter builds the status server routes.
func NewStatusRouter(events chan<- Event, feed http.Handler, logger *slog.Logger) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.StripSlashes)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap, err := requestState(r.Context(), events, time.Second)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
			return
		}
		status := http.StatusOK
		body := map[string]any{
			"status":         "ok",
			"mpd_connected":  snap.PlayerConnected,
			"mqtt_connected": snap.BrokerConnected,
		}
		if !snap.PlayerConnected || !snap.BrokerConnected {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
		writeJSON(w, status, body)
	})

	router.Get("/state", func(w http.ResponseWriter, r *http.Request) {
		snap, err := requestState(r.Context(), events, time.Second)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, toWireState(snap))
	})

	router.Post("/command", func(w http.ResponseWriter, r *http.Request) {
		var msg CommandMessage
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&msg); err != nil {
			writeJSON(w, http.StatusBadRequest, IPCResponse{Status: "error", Error: fmt.Sprintf("parse command: %v", err)})
			return
		}
		if _, err := DecodeCommand(msg); err != nil {
			writeJSON(w, http.StatusBadRequest, IPCResponse{Status: "error", Error: err.Error()})
			return
		}
		select {
		case events <- LocalCommand{Msg: msg, Origin: "http"}:
			writeJSON(w, http.StatusAccepted, IPCResponse{Status: "ok"})
		default:
			writeJSON(w, http.StatusServiceUnavailable, IPCResponse{Status: "error", Error: "event queue full"})
		}
	})

	if feed != nil {
		router.Method(http.MethodGet, "/ws", feed)
	}

	return router
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// runStatusServer serves handler on addr and shuts it down gracefully when
// ctx is canceled.
func runStatusServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("status server listening", "addr", addr)
		// ListenAndServe returns http.ErrServerClosed on Shutdown; treat that as clean exit.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("status server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
