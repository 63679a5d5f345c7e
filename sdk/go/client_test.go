package storylinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitDecisionSendsChoice(t *testing.T) {
	var gotPath, gotQuery, gotActor, gotChoice string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery, gotActor = r.URL.Path, r.URL.RawQuery, r.Header.Get("X-Actor-Id")
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotChoice = body["choice"]
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "p1", "status": "completed"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.ActorID = "editor"
	p, err := c.SubmitDecision(context.Background(), "p1", "d-1", "retry", true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if p.Status != "completed" {
		t.Fatalf("status = %s", p.Status)
	}
	if gotPath != "/v0/projects/p1/decisions/d-1" || gotQuery != "wait=true" || gotActor != "editor" || gotChoice != "retry" {
		t.Fatalf("unexpected request %s?%s actor=%s choice=%s", gotPath, gotQuery, gotActor, gotChoice)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"stale_decision","message":"decision d-1 is not pending"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).SubmitDecision(context.Background(), "p1", "d-1", "retry", false)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "stale_decision" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestPendingDecisionNull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"decision":null}`))
	}))
	defer srv.Close()

	d, err := New(srv.URL).PendingDecision(context.Background(), "p1")
	if err != nil || d != nil {
		t.Fatalf("expected no decision, got %+v %v", d, err)
	}
}
