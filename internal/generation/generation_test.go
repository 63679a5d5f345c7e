package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"storyline/internal/consistency"
	"storyline/internal/domain"
	"storyline/internal/faults"
	"storyline/internal/pool"
)

func completionServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return srv
}

func reply(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": text}}},
	})
}

func TestCompleteSendsChatRequest(t *testing.T) {
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("authorization = %q", got)
		}
		var body struct {
			Model    string        `json:"model"`
			Messages []chatMessage `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Model != "m1" || len(body.Messages) != 2 || body.Messages[1].Content != "hello" {
			t.Errorf("unexpected body %+v", body)
		}
		reply(w, "  Title: Tides  ")
	})
	c := NewClient(ClientConfig{URL: srv.URL, APIKey: "key", Model: "m1"})
	got, err := c.Complete(context.Background(), "sys", "hello")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != "Title: Tides" {
		t.Fatalf("got %q", got)
	}
}

func TestCompleteMapsStatusCodes(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusInternalServerError, false},
		{http.StatusTooManyRequests, false},
		{http.StatusUnauthorized, true},
	}
	for _, tc := range cases {
		srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		})
		_, err := NewClient(ClientConfig{URL: srv.URL, Model: "m1"}).Complete(context.Background(), "s", "u")
		if !errors.Is(err, faults.ErrGenerationUnavailable) {
			t.Fatalf("status %d: expected unavailable, got %v", tc.status, err)
		}
		if faults.IsPermanent(err) != tc.permanent {
			t.Fatalf("status %d: permanent = %v", tc.status, faults.IsPermanent(err))
		}
	}
}

func TestCompleteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	_, err := NewClient(ClientConfig{URL: srv.URL, Model: "m1", Timeout: 20 * time.Millisecond}).Complete(context.Background(), "s", "u")
	if !errors.Is(err, faults.ErrGenerationTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestParseScore(t *testing.T) {
	got, err := ParseScore(strings.Join([]string{
		"Coherence: 8",
		"Consistency: 6/10",
		"- pacing = 9",
		"Engagement: 7",
		"Originality: 8",
		"Detail: 7",
		"Grammar: 10",
		"Rationale: solid but the keeper's origin drifts",
	}, "\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := domain.Score{
		Total:      78,
		Dimensions: map[string]int{"coherence": 80, "consistency": 60, "pacing": 90, "engagement": 70, "originality": 80, "detail": 70, "grammar": 100},
		Rationale:  "solid but the keeper's origin drifts",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("score (-want +got):\n%s", diff)
	}
	if _, err := ParseScore("looks great"); err == nil {
		t.Fatalf("expected error for reply without grades")
	}
}

func TestPromptIncludesDirectiveAndStrictness(t *testing.T) {
	_, user := Prompt(PromptSpec{Stage: domain.StageChapter, Chapter: 2, TargetChapters: 3, WordsPerChapter: 900, Theme: "tides", Format: "Title:", Directive: "keep Mira's origin", Strict: true},
		consistency.Bundle{Previous: "Mira arrived"}, Style{})
	for _, want := range []string{"chapter 2 of 3", "Revision directive: keep Mira's origin", "Previously: Mira arrived", "could not be parsed"} {
		if !strings.Contains(user, want) {
			t.Errorf("prompt misses %q", want)
		}
	}
}

type blockingGen struct {
	started chan struct{}
	release chan struct{}
}

func (b blockingGen) Generate(ctx context.Context, _ PromptSpec, _ consistency.Bundle, _ Style) (string, error) {
	b.started <- struct{}{}
	<-b.release
	return "ok", nil
}

func TestLimitedHoldsPoolToken(t *testing.T) {
	p := pool.New(1)
	gen := blockingGen{started: make(chan struct{}, 1), release: make(chan struct{})}
	l := Limited{Generator: gen, Pool: p}
	done := make(chan error, 1)
	go func() {
		_, err := l.Generate(context.Background(), PromptSpec{}, consistency.Bundle{}, Style{})
		done <- err
	}()
	<-gen.started
	if p.InUse() != 1 {
		t.Fatalf("expected token held, in use = %d", p.InUse())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Generate(ctx, PromptSpec{}, consistency.Bundle{}, Style{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second call to wait for a token, got %v", err)
	}
	close(gen.release)
	if err := <-done; err != nil {
		t.Fatalf("generate: %v", err)
	}
	if p.InUse() != 0 {
		t.Fatalf("token leaked")
	}
}
