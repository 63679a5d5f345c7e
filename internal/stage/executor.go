// Package stage runs one stage attempt: context, generation, parsing and
// scoring. It decides nothing about acceptance.
package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"storyline/internal/config"
	"storyline/internal/consistency"
	"storyline/internal/domain"
	"storyline/internal/faults"
	"storyline/internal/generation"
	"storyline/internal/logging"
	"storyline/internal/telemetry"
)

type Executor struct {
	Consistency *consistency.Engine
	Generator   generation.Generator
	Scorer      generation.Scorer
	Config      *config.Config
	Log         *slog.Logger
	Now         func() time.Time
	NewID       func() string
	// Sleep waits between collaborator retries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Request identifies the attempt to run.
type Request struct {
	Project   domain.Project
	Kind      domain.StageKind
	Chapter   int
	Attempt   int
	Directive string
}

// Result is a scored draft plus what it would write to the fact store.
type Result struct {
	Artifact  domain.Artifact
	Bundle    consistency.Bundle
	Proposed  []domain.FactEntry
	Conflicts []domain.ConflictReport
	// Malformed counts parse failures absorbed before this result.
	Malformed int
}

func (x *Executor) cfg() *config.Config {
	if x.Config == nil {
		return config.Default()
	}
	return x.Config
}

func (x *Executor) log() *slog.Logger {
	if x.Log == nil {
		return logging.Discard()
	}
	return x.Log
}

// Execute runs one attempt. Errors carry faults codes: MalformedOutput once
// the parse retry cap is spent, GenerationUnavailable/GenerationTimeout once
// collaborator retries are spent. Context cancellation is returned as is.
func (x *Executor) Execute(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := telemetry.Tracer("stage").Start(ctx, "stage.Execute")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(faults.CodeOf(err)))
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("project", req.Project.ID),
		attribute.String("stage", string(req.Kind)),
		attribute.Int("chapter", req.Chapter),
		attribute.Int("attempt", req.Attempt),
	)

	p := req.Project
	focus := consistency.FocusFor(p, req.Kind, req.Chapter)
	res.Bundle = x.Consistency.AssembleContext(ctx, p, req.Kind, req.Chapter, focus)

	spec := generation.PromptSpec{
		Stage:           req.Kind,
		Chapter:         req.Chapter,
		Theme:           p.Theme,
		TargetChapters:  p.TargetChapters,
		WordsPerChapter: p.WordsPerChapter,
		Format:          Formats[req.Kind],
		Directive:       req.Directive,
	}
	style := generation.Style{Style: p.Style}

	var (
		raw    string
		fields domain.Fields
	)
	for {
		raw, err = x.generate(ctx, spec, res.Bundle, style)
		if err != nil {
			return res, err
		}
		fields, err = Parse(req.Kind, raw, p, req.Chapter)
		if err == nil {
			break
		}
		if !faults.Has(err, faults.CodeMalformedOutput) {
			return res, err
		}
		if res.Malformed >= x.cfg().Pipeline.MalformedRetries {
			res.Malformed++
			return res, faults.Wrap(faults.CodeMalformedOutput, fmt.Sprintf("output still malformed after %d tries", res.Malformed), err)
		}
		res.Malformed++
		x.log().Warn("malformed output, retrying with strict format", "project", p.ID, "stage", Describe(req.Kind, req.Chapter), "err", err)
		spec.Strict = true
	}

	a := domain.Artifact{
		ID:        x.newID(),
		ProjectID: p.ID,
		Kind:      req.Kind,
		Chapter:   req.Chapter,
		Attempt:   req.Attempt,
		Status:    domain.ArtifactDraft,
		Raw:       raw,
		Fields:    fields,
		CreatedAt: x.now().UTC().Format(time.RFC3339),
	}
	var score domain.Score
	err = x.withRetries(ctx, func(ctx context.Context) error {
		var serr error
		score, serr = x.Scorer.Score(ctx, a, res.Bundle)
		return serr
	})
	if err != nil {
		return res, err
	}
	score.Total = clamp(score.Total)
	a.Score = &score
	a.Status = domain.ArtifactScored

	proposed, conflicts, err := x.Consistency.ExtractAndCheck(ctx, p, a)
	if err != nil {
		return res, err
	}
	a.Proposed = proposed
	res.Artifact = a
	res.Proposed = proposed
	res.Conflicts = conflicts
	span.SetAttributes(attribute.Int("score", score.Total), attribute.Int("conflicts", len(conflicts)))
	return res, nil
}

func (x *Executor) generate(ctx context.Context, spec generation.PromptSpec, bundle consistency.Bundle, style generation.Style) (string, error) {
	var raw string
	err := x.withRetries(ctx, func(ctx context.Context) error {
		var gerr error
		raw, gerr = x.Generator.Generate(ctx, spec, bundle, style)
		return gerr
	})
	return raw, err
}

// withRetries retries retryable collaborator failures with exponential
// backoff, up to pipeline.generation_retries extra calls.
func (x *Executor) withRetries(ctx context.Context, fn func(context.Context) error) error {
	retries := x.cfg().Pipeline.GenerationRetries
	backoff := time.Duration(x.cfg().Pipeline.GenerationBackoffMS) * time.Millisecond
	for i := 0; ; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i >= retries || !faults.ShouldRetry(err) || faults.Has(err, faults.CodeMalformedOutput) {
			return err
		}
		x.log().Warn("collaborator call failed, retrying", "attempt", i+1, "err", err)
		if err := x.sleep(ctx, backoff<<i); err != nil {
			return err
		}
	}
}

func (x *Executor) sleep(ctx context.Context, d time.Duration) error {
	if x.Sleep != nil {
		return x.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (x *Executor) now() time.Time {
	if x.Now == nil {
		return time.Now()
	}
	return x.Now()
}

func (x *Executor) newID() string {
	if x.NewID == nil {
		return uuid.NewString()
	}
	return x.NewID()
}

func clamp(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
