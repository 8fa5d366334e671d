// Package httpapi is the loopback JSON API serving the companion UI: it
// exposes sessions, the send/cancel flow, attachment ingestion, and a
// device status snapshot over 127.0.0.1 only.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/karunalabs/companion/internal/chat"
	"github.com/karunalabs/companion/internal/monitor"
)

const (
	defaultAddr = "127.0.0.1:7865"

	// maxUploadBytes bounds one multipart attachment upload.
	maxUploadBytes = 32 << 20
)

type Options struct {
	Logger *slog.Logger
	Addr   string

	Engine  *chat.Engine
	Monitor *monitor.Service

	// Version is the build version reported by /api/status.
	Version string
}

type Server struct {
	log     *slog.Logger
	addr    string
	version string

	engine  *chat.Engine
	monitor *monitor.Service

	ln  net.Listener
	srv *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("missing Engine")
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid Addr: %w", err)
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return nil, fmt.Errorf("addr %q is not loopback", addr)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Server{
		log:     logger,
		addr:    addr,
		version: strings.TrimSpace(opts.Version),
		engine:  opts.Engine,
		monitor: opts.Monitor,
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped", "error", err)
		}
	}()

	s.log.Info("api listening", "addr", s.addr)
	return nil
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.srv = nil
	s.ln = nil
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/switch", s.handleSwitch)
	mux.HandleFunc("/api/sessions/delete", s.handleDelete)
	mux.HandleFunc("/api/sessions/clear", s.handleClear)
	mux.HandleFunc("/api/sessions/rename", s.handleRename)
	mux.HandleFunc("/api/conversation", s.handleConversation)
	mux.HandleFunc("/api/send", s.handleSend)
	mux.HandleFunc("/api/cancel", s.handleCancel)
	mux.HandleFunc("/api/bookmark", s.handleBookmark)
	mux.HandleFunc("/api/attachments", s.handleAttachments)
	mux.HandleFunc("/api/attachments/remove", s.handleAttachmentRemove)
	mux.HandleFunc("/api/attachments/note", s.handleAttachmentNote)
	mux.HandleFunc("/api/attachments/faces", s.handleAttachmentFaces)
	mux.HandleFunc("/api/status", s.handleStatus)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": s.engine.Sessions(),
			"current":  s.engine.CurrentSessionID(),
		})
	case http.MethodPost:
		id := s.engine.CreateSession()
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.SwitchTo(req.ID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"current": req.ID})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.DeleteSession(req.ID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"current": s.engine.CurrentSessionID()})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.engine.ClearCurrent()
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.engine.RenameIfDefault(req.Title)
	writeJSON(w, http.StatusOK, map[string]string{"title": s.engine.Title()})
}

// handleConversation is the polling surface: the full message log plus
// everything transient the UI renders around it.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := map[string]any{
		"session_id": s.engine.CurrentSessionID(),
		"title":      s.engine.Title(),
		"messages":   s.engine.Messages(),
		"phase":      s.engine.Phase().String(),
		"signal":     s.engine.Signal(),
		"pending":    s.engine.PendingAttachments(),
	}
	if n, ok := s.engine.CurrentNotice(); ok {
		resp["notice"] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	accepted := s.engine.Send(req.Text)
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": accepted,
		"phase":    s.engine.Phase().String(),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cancelled := s.engine.CancelSend()
	writeJSON(w, http.StatusOK, map[string]any{
		"cancelled": cancelled,
		"phase":     s.engine.Phase().String(),
	})
}

func (s *Server) handleBookmark(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		MessageID string `json:"message_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.engine.ToggleBookmark(req.MessageID) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"toggled": true})
}

// handleAttachments accepts multipart photo uploads under the "photos"
// field, with an optional shared "note" field.
func (s *Server) handleAttachments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"pending": s.engine.PendingAttachments()})
	case http.MethodPost:
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		note := r.FormValue("note")
		if r.MultipartForm == nil || len(r.MultipartForm.File["photos"]) == 0 {
			writeError(w, http.StatusBadRequest, "no photos")
			return
		}
		var raws [][]byte
		for _, fh := range r.MultipartForm.File["photos"] {
			f, err := fh.Open()
			if err != nil {
				continue
			}
			data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
			_ = f.Close()
			if err != nil {
				continue
			}
			raws = append(raws, data)
		}
		atts := s.engine.IngestAttachments(r.Context(), raws, note)
		writeJSON(w, http.StatusOK, map[string]any{
			"ingested": len(atts),
			"pending":  s.engine.PendingAttachments(),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleAttachmentRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.engine.RemovePendingAttachment(req.ID) {
		writeError(w, http.StatusNotFound, "attachment not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleAttachmentNote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ID   string `json:"id"`
		Note string `json:"note"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.engine.UpdatePendingNote(req.ID, req.Note) {
		writeError(w, http.StatusNotFound, "attachment not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleAttachmentFaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ID      string `json:"id"`
		Blurred bool   `json:"blurred"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.engine.SetPendingFacesBlurred(req.ID, req.Blurred) {
		writeError(w, http.StatusNotFound, "attachment not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := map[string]any{
		"version": s.version,
	}
	if s.monitor != nil {
		resp["device"] = s.monitor.Snapshot(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}
