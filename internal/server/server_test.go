package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/TobiSchelling/KBCurator/internal/budget"
	"github.com/TobiSchelling/KBCurator/internal/grading"
	"github.com/TobiSchelling/KBCurator/internal/notify"
	"github.com/TobiSchelling/KBCurator/internal/pipeline"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

type fakePipeline struct {
	slots    []string
	digest   *pipeline.DigestResult
	gradeErr error
	graded   []string
}

func (f *fakePipeline) RunSlot(_ context.Context, slot string) (*pipeline.SlotResult, error) {
	if slot == "night" {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrUnknownSlot, slot)
	}
	f.slots = append(f.slots, slot)
	return &pipeline.SlotResult{Slot: slot, Date: "2026-03-04", Status: state.SlotDone}, nil
}

func (f *fakePipeline) DispatchDigest(context.Context) (*pipeline.DigestResult, error) {
	return f.digest, nil
}

func (f *fakePipeline) Grade(_ context.Context, topicID, answer string) (*pipeline.GradeResult, error) {
	if f.gradeErr != nil {
		return nil, f.gradeErr
	}
	f.graded = append(f.graded, topicID)
	return &pipeline.GradeResult{GradingResult: state.GradingResult{TopicID: topicID, Score: 82}}, nil
}

func (f *fakePipeline) DashboardSnapshot(context.Context) (*pipeline.Snapshot, error) {
	mastery := 82
	return &pipeline.Snapshot{
		Date:         "2026-03-04",
		BudgetStatus: budget.Normal,
		Currency:     "INR",
		Quota:        5,
		Metrics:      &state.Metrics{AdaptiveMode: state.ModeNormal, Streak: 4},
		Slots:        map[string]*state.SlotRecord{"morning": {Status: state.SlotDone}},
		Topics: []state.Topic{{
			ID: "t1", Title: "Retrieval at scale", SourceURL: "https://example.com/a",
			Summary: state.Summary{TLDR: "Use **hybrid** search."}, MasteryScore: &mastery,
		}},
	}, nil
}

func newTestServer(t *testing.T, pipe Pipeline, secret string) *Server {
	t.Helper()
	srv, err := New(pipe, secret, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv
}

func signed(method, target, secret, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(SignatureHeader, "sha256="+notify.Sign(secret, []byte(body)))
	return req
}

func TestDashboardRoute(t *testing.T) {
	srv := newTestServer(t, &fakePipeline{}, "")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Retrieval at scale") {
		t.Error("expected topic title in dashboard")
	}
	if !strings.Contains(body, "<strong>hybrid</strong>") {
		t.Error("expected rendered markdown summary in dashboard")
	}
}

func TestSnapshotRouteIsJSON(t *testing.T) {
	srv := newTestServer(t, &fakePipeline{}, "")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/dashboard", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if snap["budget_status"] != "NORMAL" {
		t.Errorf("expected NORMAL budget status, got %v", snap["budget_status"])
	}
}

func TestTriggerRequiresSignature(t *testing.T) {
	pipe := &fakePipeline{}
	srv := newTestServer(t, pipe, "s3cret")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/trigger/morning", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without signature, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signed("POST", "/trigger/morning", "wrong", ""))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong secret, got %d", rec.Code)
	}
	if len(pipe.slots) != 0 {
		t.Fatalf("expected no slot runs, got %v", pipe.slots)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signed("POST", "/trigger/morning", "s3cret", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(pipe.slots) != 1 || pipe.slots[0] != "morning" {
		t.Errorf("expected one morning run, got %v", pipe.slots)
	}
	if !strings.Contains(rec.Body.String(), `"status": "DONE"`) {
		t.Errorf("expected DONE status in body, got %s", rec.Body.String())
	}
}

func TestTriggerUnknownSlot(t *testing.T) {
	srv := newTestServer(t, &fakePipeline{}, "")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/trigger/night", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestTriggerRejectsGet(t *testing.T) {
	srv := newTestServer(t, &fakePipeline{}, "")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/trigger/morning", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestDigestStatus(t *testing.T) {
	tests := []struct {
		name   string
		result *pipeline.DigestResult
		want   int
	}{
		{"sent", &pipeline.DigestResult{Sent: true}, http.StatusOK},
		{"already sent", &pipeline.DigestResult{AlreadySent: true}, http.StatusOK},
		{"delivery failed", &pipeline.DigestResult{Error: "smtp down"}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakePipeline{digest: tt.result}, "")
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/digest", nil))
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestGradeRoute(t *testing.T) {
	pipe := &fakePipeline{}
	srv := newTestServer(t, pipe, "s3cret")

	body := `{"topic_id": "t1", "answer": "retrieval grounds generation"}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signed("POST", "/grade", "s3cret", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res pipeline.GradeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if res.TopicID != "t1" || res.Score != 82 {
		t.Errorf("unexpected grading %+v", res.GradingResult)
	}
}

func TestGradeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"malformed body", `not json`, nil, http.StatusBadRequest},
		{"missing topic id", `{"answer": "x"}`, nil, http.StatusBadRequest},
		{"unknown topic", `{"topic_id": "t9"}`, fmt.Errorf("%w: t9", pipeline.ErrTopicNotFound), http.StatusNotFound},
		{"short answer", `{"topic_id": "t1"}`, fmt.Errorf("%w: 2 words", grading.ErrAnswerTooShort), http.StatusUnprocessableEntity},
		{"completed topic", `{"topic_id": "t1"}`, grading.ErrTopicCompleted, http.StatusUnprocessableEntity},
		{"other failure", `{"topic_id": "t1"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakePipeline{gradeErr: tt.err}, "")
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/grade", strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &fakePipeline{}, "s3cret")

	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}
