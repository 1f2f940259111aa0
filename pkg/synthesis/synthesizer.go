// Package synthesis turns one generation unit into a validated module: it
// prompts the generative service, extracts the files, runs the repair loop
// and persists the result.
package synthesis

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/based/iacgen/pkg/config"
	"github.com/based/iacgen/pkg/extract"
	"github.com/based/iacgen/pkg/iac"
	"github.com/based/iacgen/pkg/repair"
	"github.com/based/iacgen/pkg/storage"
	"github.com/based/iacgen/pkg/validation"
)

//go:embed module_generation.tmpl
var moduleGenerationTemplate string

var modulePrompt = template.Must(template.New("module").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(moduleGenerationTemplate))

// Package-level tracer for OpenTelemetry instrumentation
var tracer trace.Tracer = otel.Tracer("iacgen/synthesis")

// SystemPrompt is sent as the first message of every generation session.
const SystemPrompt = "You are an infrastructure engineer who writes small, valid, idiomatic " +
	"infrastructure-as-code modules. Follow the requested response format exactly."

// ModulesRoot is the logical prefix models like to put in front of module paths.
const ModulesRoot = "modules"

// ErrBudgetExceeded is returned for units started after the run budget ran
// out and for model calls the budget cannot cover.
var ErrBudgetExceeded = errors.New("run cost budget exceeded")

// persistTimeout bounds writing a unit's files once its own ctx is done.
const persistTimeout = 30 * time.Second

// ModuleSynthesizer is the per-unit generation worker.
type ModuleSynthesizer struct {
	sessions    *SessionFactory
	format      validation.Format
	checker     repair.Checker
	store       storage.Store
	repairCfg   config.RepairConfig
	modelName   string
	costTracker *CostTracker
	repairConv  repair.Conversation
	log         logr.Logger
}

// NewModuleSynthesizer creates a worker. checker is normally a
// *validation.Validator for format.
func NewModuleSynthesizer(sessions *SessionFactory, format validation.Format, checker repair.Checker, store storage.Store, cfg config.Config, log logr.Logger) *ModuleSynthesizer {
	return &ModuleSynthesizer{
		sessions:  sessions,
		format:    format,
		checker:   checker,
		store:     store,
		repairCfg: cfg.Repair,
		modelName: cfg.Model.Name,
		log:       log.WithName("synthesizer"),
	}
}

// SetCostTracker sets the cost tracker for this synthesizer and the budget
// check of every session its factory opens.
func (s *ModuleSynthesizer) SetCostTracker(tracker *CostTracker) {
	s.costTracker = tracker
	s.sessions.SetCostTracker(tracker)
}

// SetRepairConversation makes every unit send its repair requests over conv
// instead of its own session. conv must serialize concurrent callers.
func (s *ModuleSynthesizer) SetRepairConversation(conv repair.Conversation) {
	s.repairConv = conv
}

type promptData struct {
	Format     string
	Type       string
	Name       string
	Extensions []string
	Context    string
}

// Generate runs one unit end to end. Throttling of the generation call is
// returned as *iac.ThrottleError; an unusable reply is written to the debug
// artifact and returned as *extract.ParseError. Once files exist they are
// persisted whatever the validation outcome. When the repair loop aborts the
// partial set is persisted as failed and returned together with the loop
// error, so a throttled repair reaches the executor's backoff.
func (s *ModuleSynthesizer) Generate(ctx context.Context, unit iac.Unit) (*iac.ArtifactSet, error) {
	ctx, span := tracer.Start(ctx, "synthesis.module.generate")
	defer span.End()

	format := s.format.Name()
	span.SetAttributes(
		attribute.String("synthesis.unit", unit.ID),
		attribute.String("synthesis.resource_type", unit.Request.Key.TypeTag),
		attribute.String("synthesis.format", format),
	)
	startTime := time.Now()
	log := s.log.WithValues("unit", unit.ID)

	fail := func(status string, err error, msg string) (*iac.ArtifactSet, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		RecordGeneration(format, status, time.Since(startTime).Seconds())
		return nil, err
	}

	if s.costTracker != nil && s.costTracker.ExceedsBudget() {
		return fail("error", &iac.FatalServiceError{Err: ErrBudgetExceeded}, "budget exceeded")
	}

	session := s.sessions.Open(unit.ID, SystemPrompt)
	defer session.Close()

	prompt, err := s.buildPrompt(unit)
	if err != nil {
		return fail("error", err, "prompt rendering failed")
	}

	log.Info("Generating module", "type", unit.Request.Key.TypeTag, "name", unit.Request.Key.NormalizedName, "format", format)
	reply, err := session.Send(ctx, prompt)
	if err != nil {
		err = iac.ClassifyServiceError(err)
		if iac.IsThrottle(err) {
			RecordThrottled(format)
			return fail("throttled", err, "generation throttled")
		}
		return fail("error", err, "LLM call failed")
	}

	files, err := s.extractFiles(reply, unit.Dir)
	if err != nil {
		RecordParseFailure(format)
		if derr := s.store.WriteDebug(ctx, unit.Dir, reply); derr != nil {
			log.Error(derr, "Failed to write debug artifact")
			err = errors.Join(err, derr)
		}
		log.Info("Reply could not be parsed", "bytes", len(reply), "error", err.Error())
		return fail("parse_error", err, "reply not parseable")
	}
	span.AddEvent("files_extracted", trace.WithAttributes(attribute.Int("files", len(files))))

	var conv repair.Conversation = session
	var meter *meteredConversation
	if s.repairConv != nil {
		meter = &meteredConversation{conv: s.repairConv}
		conv = meter
	}
	loop := repair.NewLoop(s.checker, repair.NewRequester(conv, format, s.repairCfg, log), s.repairCfg, log)
	res, loopErr := loop.Run(ctx, files)
	if res == nil {
		res = &repair.LoopResult{Files: files, Termination: repair.TerminationAborted}
	}

	set := &iac.ArtifactSet{
		Files:         res.Files,
		SourceRequest: unit.Request,
		Validation:    res.Validation,
		Iterations:    res.Iterations,
		Termination:   string(res.Termination),
		Unresolved:    res.Unresolved,
	}
	if loopErr != nil {
		set.Termination = string(repair.TerminationAborted)
		set.Validation = abortedValidation(res.Validation, loopErr)
	}
	set.InputTokens, set.OutputTokens = session.Usage()
	if meter != nil {
		in, out := meter.Usage()
		set.InputTokens += in
		set.OutputTokens += out
	}
	RecordTokens(format, set.InputTokens, set.OutputTokens)

	if s.costTracker != nil {
		cost := s.costTracker.Price(set.InputTokens, set.OutputTokens, s.modelName)
		set.CostUSD = cost.TotalCost
		RecordCost(format, cost.TotalCost)
		span.SetAttributes(attribute.Float64("synthesis.cost_usd", cost.TotalCost))
		log.V(1).Info("Synthesis cost tracked",
			"inputTokens", cost.InputTokens,
			"outputTokens", cost.OutputTokens,
			"totalCost", cost.TotalCost,
			"currency", cost.Currency)
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	var persistErr error
	if err := s.store.Persist(persistCtx, unit.Dir, set); err != nil {
		persistErr = fmt.Errorf("persist %s: %w", unit.Dir, err)
	}

	if loopErr != nil {
		status := "error"
		if iac.IsThrottle(loopErr) {
			RecordThrottled(format)
			status = "throttled"
		}
		log.Info("Repair loop aborted, partial module persisted",
			"iterations", set.Iterations, "files", len(set.Files), "persisted", persistErr == nil, "error", loopErr.Error())
		_, err := fail(status, errors.Join(loopErr, persistErr), "repair loop aborted")
		return set, err
	}
	if persistErr != nil {
		span.RecordError(persistErr)
		span.SetStatus(codes.Error, "persist failed")
		RecordGeneration(format, "error", time.Since(startTime).Seconds())
		return set, persistErr
	}

	duration := time.Since(startTime).Seconds()
	RecordGeneration(format, string(set.Validation.Status), duration)
	span.SetAttributes(
		attribute.String("synthesis.status", string(set.Validation.Status)),
		attribute.String("synthesis.termination", set.Termination),
		attribute.Int("synthesis.iterations", set.Iterations),
		attribute.Int64("synthesis.input_tokens", set.InputTokens),
		attribute.Int64("synthesis.output_tokens", set.OutputTokens),
	)
	if set.Validation.Status == iac.StatusFail {
		span.SetStatus(codes.Error, "validation failed")
	} else {
		span.SetStatus(codes.Ok, "module generated")
	}

	log.Info("Module generated",
		"status", set.Validation.Status,
		"termination", set.Termination,
		"iterations", set.Iterations,
		"files", len(set.Files),
		"errors", set.Validation.ErrorCount(),
		"warnings", set.Validation.WarningCount(),
		"duration", duration)
	return set, nil
}

// abortedValidation marks a set whose repair loop did not finish as failed.
func abortedValidation(last iac.ValidationResult, err error) iac.ValidationResult {
	issues := append([]iac.ValidationIssue(nil), last.Issues...)
	issues = append(issues, iac.ValidationIssue{
		File:     iac.UnknownFile,
		Severity: iac.SeverityError,
		Category: "repair_aborted",
		Message:  err.Error(),
	})
	return iac.NewValidationResult(issues)
}

func (s *ModuleSynthesizer) buildPrompt(unit iac.Unit) (string, error) {
	data := promptData{
		Format:     s.format.Name(),
		Type:       unit.Request.Key.TypeTag,
		Name:       unit.Request.Key.NormalizedName,
		Extensions: s.format.Extensions(),
	}
	if len(unit.Request.Context) > 0 {
		ctxYAML, err := yaml.Marshal(unit.Request.Context)
		if err != nil {
			return "", fmt.Errorf("render request context: %w", err)
		}
		data.Context = string(ctxYAML)
	}

	var buf bytes.Buffer
	if err := modulePrompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}

// extractFiles reduces a reply to a file map relative to the unit directory. An empty reply or an
// empty file set is a parse error for the unit.
func (s *ModuleSynthesizer) extractFiles(reply, dir string) (map[string]string, error) {
	res, err := extract.ExtractFiles(reply)
	if err != nil {
		return nil, err
	}
	if res.Empty || len(res.Files) == 0 {
		return nil, &extract.ParseError{Raw: reply, Reason: "reply contains no files"}
	}
	files, err := extract.NormalizePaths(res.Files, ModulesRoot, dir)
	if err != nil {
		return nil, &extract.ParseError{Raw: reply, Reason: err.Error()}
	}
	return files, nil
}

// meteredConversation counts the tokens one unit spends on a shared
// conversation.
type meteredConversation struct {
	conv   repair.Conversation
	input  atomic.Int64
	output atomic.Int64
}

func (m *meteredConversation) Send(ctx context.Context, prompt string) (string, error) {
	m.input.Add(EstimateTokens(prompt))
	reply, err := m.conv.Send(ctx, prompt)
	if err == nil {
		m.output.Add(EstimateTokens(reply))
	}
	return reply, err
}

func (m *meteredConversation) Usage() (input, output int64) {
	return m.input.Load(), m.output.Load()
}
