// Package orchestrator fans generation units out concurrently, retries the
// ones the generative service throttles and aggregates their outcomes.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/based/iacgen/pkg/config"
	"github.com/based/iacgen/pkg/iac"
)

// Generator produces the artifact set of one unit.
// *synthesis.ModuleSynthesizer implements it.
type Generator interface {
	Generate(ctx context.Context, unit iac.Unit) (*iac.ArtifactSet, error)
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Orchestrator runs one executor per deduplicated request.
type Orchestrator struct {
	gen         Generator
	exec        *Executor
	concurrency int
	unitTimeout time.Duration
	log         logr.Logger

	done atomic.Int64
}

func New(gen Generator, exec *Executor, cfg config.OrchestratorConfig, log logr.Logger) *Orchestrator {
	return &Orchestrator{
		gen:         gen,
		exec:        exec,
		concurrency: cfg.MaxConcurrency,
		unitTimeout: cfg.UnitTimeout,
		log:         log.WithName("orchestrator"),
	}
}

var unsafeDirChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Units deduplicates requests and binds each survivor to a unique output
// directory.
func (o *Orchestrator) Units(requests []iac.GenerationRequest) []iac.Unit {
	survivors := Deduplicate(requests, o.log)
	units := make([]iac.Unit, len(survivors))
	used := make(map[string]bool, len(survivors))
	for i, req := range survivors {
		dir := fmt.Sprintf("unit-%03d", i)
		if req.Key.Valid() {
			dir = unsafeDirChars.ReplaceAllString(req.Key.TypeTag+"-"+req.Key.NormalizedName, "-")
		}
		for base, n := dir, i; used[dir]; n++ {
			dir = fmt.Sprintf("%s-%03d", base, n)
		}
		used[dir] = true
		units[i] = iac.Unit{ID: dir, Dir: dir, Request: req}
	}
	return units
}

// Run executes every unit and waits for all of them. One unit failing never
// stops the others; cancelling ctx marks unfinished units as cancelled.
// Artifacts already persisted stay in place.
func (o *Orchestrator) Run(ctx context.Context, runID, format string, requests []iac.GenerationRequest) *Report {
	ctx, span := tracer.Start(ctx, "orchestrator.run")
	defer span.End()

	start := time.Now()
	units := o.Units(requests)
	report := &Report{
		RunID:     runID,
		Format:    format,
		StartedAt: start.UTC(),
		Requests:  len(requests),
		Units:     make([]UnitReport, len(units)),
	}
	span.SetAttributes(
		attribute.String("orchestrator.run_id", runID),
		attribute.Int("orchestrator.requests", len(requests)),
		attribute.Int("orchestrator.units", len(units)),
	)
	o.log.Info("Starting generation run", "run", runID, "format", format, "requests", len(requests), "units", len(units))

	o.done.Store(0)
	var g errgroup.Group
	if o.concurrency > 0 {
		g.SetLimit(o.concurrency)
	}
	for i, unit := range units {
		i, unit := i, unit
		g.Go(func() error {
			report.Units[i] = o.runUnit(ctx, unit)
			n := o.done.Add(1)
			o.log.Info("Unit finished", "unit", unit.ID, "status", report.Units[i].Status, "done", n, "total", len(units))
			return nil
		})
	}
	_ = g.Wait()

	report.DurationSeconds = time.Since(start).Seconds()
	report.Summarize()

	span.SetAttributes(
		attribute.Int("orchestrator.passed", report.Summary.Passed),
		attribute.Int("orchestrator.failed", report.Summary.Failed),
		attribute.Int("orchestrator.errored", report.Summary.Errored),
	)
	if report.Failed() {
		span.SetStatus(codes.Error, "some units failed")
	}
	o.log.Info("Generation run finished",
		"run", runID,
		"passed", report.Summary.Passed,
		"warnings", report.Summary.Warnings,
		"failed", report.Summary.Failed,
		"errored", report.Summary.Errored,
		"duration", report.DurationSeconds)
	return report
}

// Completed returns how many units of the current run have finished.
func (o *Orchestrator) Completed() int64 {
	return o.done.Load()
}

func (o *Orchestrator) runUnit(ctx context.Context, unit iac.Unit) UnitReport {
	UnitsInFlight.Inc()
	defer UnitsInFlight.Dec()

	if o.unitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.unitTimeout)
		defer cancel()
	}

	start := time.Now()
	ex := o.exec.Execute(ctx, unit.ID, func(ctx context.Context) (*iac.ArtifactSet, error) {
		return o.gen.Generate(ctx, unit)
	})
	ur := unitReport(unit, ex, time.Since(start))
	RecordUnit(ur.Status)
	return ur
}
