// Package server exposes the terminal engine, the browser session and the
// event bus over HTTP, with a WebSocket endpoint for streamed events.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/v0xg/toolhost/internal/browser"
	"github.com/v0xg/toolhost/internal/events"
	"github.com/v0xg/toolhost/internal/terminal"
)

const (
	wsPingInterval = 20 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// Terminal is the command execution surface the server needs.
type Terminal interface {
	Execute(ctx context.Context, command string) terminal.Result
	History() string
}

// Browser is the browser session surface the server needs.
type Browser interface {
	Launch(ctx context.Context, url string) browser.Result
	Close() bool
	PerformAction(ctx context.Context, kind string, params browser.Params) browser.Result
	State() browser.State
	ID() string
}

// Server routes HTTP requests to the terminal and browser.
type Server struct {
	term    Terminal
	browser Browser
	bus     *events.Bus
	logger  *slog.Logger
}

// New creates a Server.
func New(term Terminal, br Browser, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{term: term, browser: br, bus: bus, logger: logger}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Route("/terminal", func(r chi.Router) {
		r.Post("/execute", s.handleExecute)
		r.Get("/output", s.handleOutput)
	})
	r.Route("/browser", func(r chi.Router) {
		r.Post("/launch", s.handleLaunch)
		r.Post("/close", s.handleClose)
		r.Post("/action", s.handleAction)
	})
	r.Get("/events", s.handleEvents)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

type executeRequest struct {
	Command string `json:"command"`
}

type launchRequest struct {
	URL string `json:"url"`
}

type actionRequest struct {
	Action string         `json:"action"`
	Params browser.Params `json:"params"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"browser":     s.browser.State().String(),
		"session":     s.browser.ID(),
		"subscribers": s.bus.Len(),
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.term.Execute(r.Context(), req.Command))
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"output": s.term.History()})
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.browser.Launch(r.Context(), req.URL))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": s.browser.Close()})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.browser.PerformAction(r.Context(), req.Action, req.Params))
}

// handleEvents streams bus events to a WebSocket client. The optional topics
// query parameter is a comma-separated filter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	topics, err := parseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Incoming messages are ignored; ctx ends when the client goes away.
	ctx := conn.CloseRead(r.Context())

	sub := s.bus.Subscribe(topics...)
	defer sub.Close()

	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = string(t)
	}
	if err := s.write(ctx, conn, events.Event{
		Topic: "connected",
		Data:  strings.Join(names, ","),
		Time:  time.Now(),
	}); err != nil {
		return
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case ev := <-sub.C():
			if err := s.write(ctx, conn, ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

// write bounds each send so a stalled client cannot hold up publishers.
func (s *Server) write(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func parseTopics(raw string) ([]events.Topic, error) {
	var topics []events.Topic
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		t := events.Topic(name)
		switch t {
		case events.TopicOutput, events.TopicError, events.TopicConsole, events.TopicScreenshot:
			topics = append(topics, t)
		default:
			return nil, fmt.Errorf("unknown topic %q", name)
		}
	}
	return topics, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
