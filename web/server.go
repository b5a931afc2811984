// Package web serves the recorder page and the websocket endpoint browsers
// attach to.
package web

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/reknottycat/Qwen3-Livetranslate/frame"
	"github.com/reknottycat/Qwen3-Livetranslate/session"
	"github.com/reknottycat/Qwen3-Livetranslate/transcript"
)

//go:embed index.html
var indexHTML []byte

type Server struct {
	manager       *session.Manager
	transcriptDir string
	logger        *log.Logger
	upgrader      websocket.Upgrader
}

func NewServer(manager *session.Manager, transcriptDir string, logger *log.Logger) *Server {
	return &Server{
		manager:       manager,
		transcriptDir: transcriptDir,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/", s.handleIndex)
	r.Get("/ws", s.handleSocket)
	r.Get("/sessions", s.handleSessions)
	r.Get("/transcripts/{id}", s.handleTranscript)
}

// Serve runs the HTTP server until ctx is cancelled, then drains live
// sessions before shutting down.
func (s *Server) Serve(ctx context.Context, addr string) error {
	r := chi.NewRouter()
	s.Routes(r)

	srv := &http.Server{Addr: addr, Handler: r}

	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()

	s.logger.Info("listening", "url", fmt.Sprintf("http://localhost%s", addr))

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.manager.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess, err := s.manager.Open(r.Context(), conn)
	if err != nil {
		s.logger.Error("failed to open session", "error", err)
		s.refuse(conn, refuseReason(err))
		return
	}

	// Hold the handler open for the life of the session; the hijacked
	// connection dies with it otherwise.
	<-sess.Done()
}

// refuseReason maps an open failure to the reason sent to the browser: only
// an unreachable upstream is reported as such, anything else is our fault.
func refuseReason(err error) string {
	if errors.Is(err, session.ErrUpstreamUnavailable) {
		return frame.ReasonUpstreamUnavailable
	}
	return frame.ReasonInternalError
}

// refuse tells the browser why the session never started, then hangs up.
func (s *Server) refuse(conn *websocket.Conn, reason string) {
	if _, data, err := frame.Encode(frame.Close(reason)); err == nil {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		conn.WriteMessage(websocket.TextMessage, data)
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
	conn.Close()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	type row struct {
		ID      string    `json:"id"`
		State   string    `json:"state"`
		Turns   uint64    `json:"turns"`
		Started time.Time `json:"started"`
	}
	var out []row
	for _, sess := range s.manager.Sessions() {
		out = append(out, row{
			ID:      sess.ID,
			State:   sess.State().String(),
			Turns:   sess.Current(),
			Started: sess.Started(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	f, err := os.Open(filepath.Join(s.transcriptDir, id, transcript.FileName))
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "no such transcript", http.StatusNotFound)
			return
		}
		http.Error(w,
			fmt.Sprintf("failed to open transcript: %v", err),
			http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", id+".jsonl"))
	io.Copy(w, f)
}
