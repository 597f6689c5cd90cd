// Package server exposes the pipeline over HTTP: signed triggers for the
// scheduler, a grading endpoint, a read-only dashboard and Prometheus metrics.
package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/KBCurator/internal/calendar"
	"github.com/TobiSchelling/KBCurator/internal/grading"
	"github.com/TobiSchelling/KBCurator/internal/notify"
	"github.com/TobiSchelling/KBCurator/internal/pipeline"
	"github.com/TobiSchelling/KBCurator/internal/selector"
)

//go:embed templates/*.html
var templateFS embed.FS

var md = goldmark.New()

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-KBCurator-Signature"

const maxBody = 1 << 20

// Pipeline is the part of the pipeline the server drives.
type Pipeline interface {
	RunSlot(ctx context.Context, slot string) (*pipeline.SlotResult, error)
	DispatchDigest(ctx context.Context) (*pipeline.DigestResult, error)
	Grade(ctx context.Context, topicID, answer string) (*pipeline.GradeResult, error)
	DashboardSnapshot(ctx context.Context) (*pipeline.Snapshot, error)
}

// Server is the HTTP server for triggers, grading and the dashboard.
type Server struct {
	pipe   Pipeline
	secret string
	page   *template.Template
	mux    *http.ServeMux
	log    *slog.Logger
}

// New creates a new Server. An empty secret disables signature checks.
func New(pipe Pipeline, secret string, log *slog.Logger) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown":   renderMarkdown,
		"formatDate": calendar.FormatDisplay,
		"deref": func(p *int) string {
			if p == nil {
				return "-"
			}
			return fmt.Sprint(*p)
		},
	}
	page, err := template.New("dashboard.html").Funcs(funcMap).ParseFS(templateFS, "templates/dashboard.html")
	if err != nil {
		return nil, fmt.Errorf("parsing dashboard template: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Server{pipe: pipe, secret: secret, page: page, mux: http.NewServeMux(), log: log.With("component", "server")}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleDashboard)
	s.mux.HandleFunc("GET /api/dashboard", s.handleSnapshot)
	s.mux.HandleFunc("POST /trigger/{slot}", s.handleTrigger)
	s.mux.HandleFunc("POST /digest", s.handleDigest)
	s.mux.HandleFunc("POST /grade", s.handleGrade)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap, err := s.pipe.DashboardSnapshot(r.Context())
	if err != nil {
		s.log.Error("loading dashboard", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, snap); err != nil {
		s.log.Error("rendering dashboard", "error", err)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.pipe.DashboardSnapshot(r.Context())
	if err != nil {
		s.log.Error("loading dashboard", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.verified(w, r); !ok {
		return
	}
	res, err := s.pipe.RunSlot(r.Context(), r.PathValue("slot"))
	switch {
	case errors.Is(err, pipeline.ErrUnknownSlot):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.log.Error("slot run", "slot", r.PathValue("slot"), "error", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.verified(w, r); !ok {
		return
	}
	res, err := s.pipe.DispatchDigest(r.Context())
	if err != nil {
		s.log.Error("digest dispatch", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if !res.Sent && !res.AlreadySent {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

type gradeRequest struct {
	TopicID string `json:"topic_id"`
	Answer  string `json:"answer"`
}

func (s *Server) handleGrade(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verified(w, r)
	if !ok {
		return
	}
	var req gradeRequest
	if err := json.Unmarshal(body, &req); err != nil || req.TopicID == "" {
		writeError(w, http.StatusBadRequest, errors.New("expected {\"topic_id\", \"answer\"}"))
		return
	}

	res, err := s.pipe.Grade(r.Context(), req.TopicID, req.Answer)
	switch {
	case errors.Is(err, pipeline.ErrTopicNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, grading.ErrAnswerTooShort), errors.Is(err, grading.ErrTopicCompleted):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, selector.ErrAIDisabled):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		s.log.Error("grading", "topic", req.TopicID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// verified reads the body and checks its signature. On failure it has
// already written the response.
func (s *Server) verified(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return nil, false
	}
	if s.secret != "" && !notify.Verify(s.secret, body, r.Header.Get(SignatureHeader)) {
		s.log.Warn("rejected unsigned request", "path", r.URL.Path)
		writeError(w, http.StatusUnauthorized, errors.New("invalid signature"))
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve listens on port until ctx is cancelled.
func Serve(ctx context.Context, pipe Pipeline, secret string, port int, log *slog.Logger) error {
	srv, err := New(pipe, secret, log)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		srv.log.Info("server listening", "addr", httpSrv.Addr)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}
