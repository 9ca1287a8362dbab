// Package ingress implements the C8 Local HTTP Ingress: a loopback-only
// JSON API the browser integration talks to. It is grounded on the
// teacher's cmd/root.go (startHTTPServer's mux/corsMiddleware/
// handleDownload shape and its token-free trust-the-browser design,
// here tightened to spec.md §4.8's token contract) and on
// internal/core/remote_service.go's SSE wire format, which this server
// side implements so the teacher's own client-side connectSSE parser
// needs no changes to consume it.
package ingress

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/surge-downloader/surge/internal/applog"
)

const (
	defaultAddr        = "127.0.0.1:45678"
	maxConnections     = 16
	connReadTimeout    = 5 * time.Second
	maxHeaderBytes     = 64 * 1024
	drainTimeout       = 30 * time.Second
	drainPollInterval  = 100 * time.Millisecond
	sseHeartbeatPeriod = 15 * time.Second
)

// DownloadRequest is the POST /download body.
type DownloadRequest struct {
	URL     string            `json:"url"`
	Referer string            `json:"referer,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Token   string            `json:"token,omitempty"`
}

// DownloadSink is the URL-sink callback invoked by POST /download. It is
// the Engine's Add (optionally chained to Start), kept behind an
// interface so this package never imports internal/engine.
type DownloadSink func(url, referer string, headers map[string]string) (int64, error)

// StatusFunc supplies the caller-assembled JSON body for GET /status.
type StatusFunc func() any

// ControlRequest is the POST /control body: the CLI's pause/resume/
// cancel/remove subcommands drive a running daemon through this single
// action-dispatching endpoint rather than one route per verb, keeping
// the route surface small while still giving surgectl's client
// subcommands (cmd/client.go) a real daemon-side counterpart to call,
// beyond spec.md §4.8's read/ingest-only C8 contract.
type ControlRequest struct {
	Action     string `json:"action"` // "pause" | "resume" | "cancel" | "remove"
	ID         int64  `json:"id"`
	DeleteFile bool   `json:"delete_file,omitempty"`
	Token      string `json:"token,omitempty"`
}

// ControlFunc executes one ControlRequest's action against the Engine.
type ControlFunc func(req ControlRequest) error

// Config holds the Ingress's binding and limits.
type Config struct {
	Addr    string // default 127.0.0.1:45678
	AppName string
	Version string
}

func (c Config) addr() string {
	if c.Addr == "" {
		return defaultAddr
	}
	return c.Addr
}

// Server is the loopback JSON API. Construct with New, call ListenAndServe
// (blocks) in its own goroutine, and Shutdown to drain.
type Server struct {
	cfg    Config
	log    zerolog.Logger
	token  string
	sink   DownloadSink
	status StatusFunc
	events *Broker

	controlMu sync.RWMutex
	control   ControlFunc

	httpServer *http.Server
	listenerMu sync.Mutex
	listener   net.Listener

	sem     chan struct{}
	active  atomic.Int64
	running atomic.Bool
}

// New constructs a Server. sink handles POST /download; status supplies
// GET /status's body.
func New(cfg Config, sink DownloadSink, status StatusFunc) *Server {
	tok := make([]byte, 32)
	_, _ = rand.Read(tok)

	s := &Server{
		cfg:    cfg,
		log:    applog.For("ingress"),
		token:  hex.EncodeToString(tok),
		sink:   sink,
		status: status,
		events: NewBroker(),
		sem:    make(chan struct{}, maxConnections),
	}
	s.running.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/download", s.handleDownload)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/control", s.handleControl)

	s.httpServer = &http.Server{
		Handler:        s.withMiddleware(mux),
		ReadTimeout:    connReadTimeout,
		MaxHeaderBytes: maxHeaderBytes,
	}
	return s
}

// Token returns the bearer token generated at construction.
func (s *Server) Token() string { return s.token }

// Addr returns the bound listener address, or empty if ListenAndServe
// has not yet bound it.
func (s *Server) Addr() string {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Events returns the Broker new progress/lifecycle events should be
// published to; the Engine's completion callback fans into this.
func (s *Server) Events() *Broker { return s.events }

// SetControl wires the Engine action dispatcher for POST /control.
// Until called, /control responds 501 Not Implemented.
func (s *Server) SetControl(fn ControlFunc) {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	s.control = fn
}

// ListenAndServe binds Addr on 127.0.0.1 (§4.8) and serves until
// Shutdown closes the listener; a configured host other than 127.0.0.1,
// localhost or empty is rejected with an error. Blocks; run it in a
// goroutine.
func (s *Server) ListenAndServe() error {
	host, port, err := net.SplitHostPort(s.cfg.addr())
	if err != nil {
		return fmt.Errorf("invalid ingress address %q: %w", s.cfg.addr(), err)
	}
	if host != "127.0.0.1" && host != "localhost" && host != "" {
		return fmt.Errorf("ingress must bind loopback only, got host %q", host)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		return err
	}
	s.listenerMu.Lock()
	s.listener = ln
	s.listenerMu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("ingress listening")
	err = s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes the listen socket, unblocking Accept, then waits up to
// 30 s for outstanding handlers to drain (§4.8). Handlers still running
// past the deadline are left to exit on their own; they observe
// s.running == false on their next loop iteration (only /events' stream
// loop actually loops).
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)
	s.listenerMu.Lock()
	ln := s.listener
	s.listenerMu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	deadline := time.Now().Add(drainTimeout)
	for s.active.Load() > 0 {
		if time.Now().After(deadline) {
			s.log.Warn().Int64("still_active", s.active.Load()).Msg("drain timeout, orphaning handlers")
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
	return nil
}

// withMiddleware applies the connection cap, per-request correlation ID,
// CORS/Origin policy and OPTIONS preflight handling ahead of every route.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.sem <- struct{}{}:
		default:
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		s.active.Add(1)
		defer func() {
			<-s.sem
			s.active.Add(-1)
		}()

		correlationID := uuid.New().String()
		log := s.log.With().Str("request_id", correlationID).Logger()

		origin := r.Header.Get("Origin")
		if origin != "" && !isAllowedOrigin(origin) {
			log.Warn().Str("origin", origin).Msg("rejected disallowed origin")
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Auth-Token")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("ingress request")
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin implements §4.8's whitelist: loopback, or a browser
// extension scheme. An absent Origin header (checked by the caller, not
// here) is always allowed — non-browser clients don't send one.
func isAllowedOrigin(origin string) bool {
	lower := strings.ToLower(origin)
	if strings.HasPrefix(lower, "chrome-extension://") ||
		strings.HasPrefix(lower, "moz-extension://") ||
		strings.HasPrefix(lower, "extension://") {
		return true
	}
	for _, loop := range []string{"http://127.0.0.1", "https://127.0.0.1", "http://localhost", "https://localhost", "http://[::1]", "https://[::1]"} {
		if strings.HasPrefix(lower, loop) {
			return true
		}
	}
	return false
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"app":     s.cfg.AppName,
		"version": s.cfg.Version,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"token": s.token})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var body any = map[string]any{}
	if s.status != nil {
		body = s.status()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "invalid JSON"})
		return
	}

	if !s.authorized(r, req.Token) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "message": "missing or invalid token"})
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "url is required"})
		return
	}

	id, err := s.sink(req.URL, req.Referer, req.Headers)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "id": id})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "invalid JSON"})
		return
	}
	if !s.authorized(r, req.Token) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "message": "missing or invalid token"})
		return
	}

	s.controlMu.RLock()
	fn := s.control
	s.controlMu.RUnlock()
	if fn == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"status": "error", "message": "control not available"})
		return
	}
	if err := fn(req); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r, r.URL.Query().Get("token")) {
		http.Error(w, "missing or invalid token", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.events.Subscribe()
	defer cancel()

	writer := bufio.NewWriter(w)
	heartbeat := time.NewTicker(sseHeartbeatPeriod)
	defer heartbeat.Stop()

	for {
		if !s.running.Load() {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = writer.WriteString(": heartbeat\n\n")
			_ = writer.Flush()
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(writer, "event: %s\ndata: %s\n\n", ev.Type, payload)
			_ = writer.Flush()
			flusher.Flush()
		}
	}
}

// authorized checks X-Auth-Token, then the caller-supplied fallback
// value (body field for /download, query parameter for /events).
func (s *Server) authorized(r *http.Request, fallback string) bool {
	if tok := r.Header.Get("X-Auth-Token"); tok != "" {
		return tok == s.token
	}
	return fallback != "" && fallback == s.token
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
