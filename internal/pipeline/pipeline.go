// Package pipeline wires the six core stages — Delta Extractor (C1),
// Coupling Enforcer (C2), Feasibility Analyzer (C3), Plan Builder (C4),
// Stack Executor (C5), and Verifier (C6) — plus the classifier's initial
// ownership proposal into the single linear run the rest of the system
// drives through the CLI. It owns the PARTITIONING -> PLANNING ->
// EXECUTING -> DONE state machine, the cooperative CANCELED path, progress
// publication, session snapshotting, and metrics recording.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/newpr-stacker/engine/internal/classifier"
	"github.com/newpr-stacker/engine/internal/coupling"
	"github.com/newpr-stacker/engine/internal/delta"
	"github.com/newpr-stacker/engine/internal/feasibility"
	"github.com/newpr-stacker/engine/internal/logfields"
	"github.com/newpr-stacker/engine/internal/metrics"
	"github.com/newpr-stacker/engine/internal/objstore"
	"github.com/newpr-stacker/engine/internal/planbuilder"
	"github.com/newpr-stacker/engine/internal/progress"
	"github.com/newpr-stacker/engine/internal/session"
	"github.com/newpr-stacker/engine/internal/stackerr"
	"github.com/newpr-stacker/engine/internal/stackexec"
	"github.com/newpr-stacker/engine/internal/stackmodel"
	"github.com/newpr-stacker/engine/internal/verify"
)

// Engine wires the stage implementations together. All fields are
// required except Sessions and Progress, which may be nil so a caller that
// only wants the deterministic core can construct an Engine without
// standing up the ambient stack. Recorder is always called; New sets it to
// a NoopRecorder.
type Engine struct {
	Delta       *delta.Extractor
	Coupling    *coupling.Enforcer
	Feasibility *feasibility.Analyzer
	Planner     *planbuilder.Builder
	Executor    *stackexec.Executor
	Verifier    *verify.Verifier
	Classifier  *classifier.Resolver

	Recorder metrics.Recorder
	Sessions *session.Store
	Progress *progress.Bus
}

// New builds an Engine over a single object-store handle, using the
// default coupling sets and a fresh feasibility analyzer for each stage.
// cls may be nil, in which case every path falls back to fallbackGroup
// with a warning (useful for local dry runs without a classifier
// endpoint configured).
func New(store objstore.Handle, cls classifier.Classifier, fallbackGroup string) *Engine {
	return &Engine{
		Delta:       delta.New(store),
		Coupling:    coupling.New(),
		Feasibility: feasibility.New(),
		Planner:     planbuilder.New(store),
		Executor:    stackexec.New(store),
		Verifier:    verify.New(store),
		Classifier:  classifier.New(cls, fallbackGroup),
		Recorder:    metrics.NoopRecorder{},
	}
}

// RunInput bundles everything one invocation of Run needs that is not
// already captured by the Engine's wiring.
type RunInput struct {
	RunID      string
	SessionID  string
	Base       string
	Head       string
	PRNumber   int
	SourceSlug string
	Author     objstore.Identity
	Committer  objstore.Identity

	// Candidates are the user- or classifier-declared groups offered as
	// classification targets. ExplicitDeps on each candidate become C3's
	// declared-dependency edges.
	Candidates []stackmodel.Group

	// FileSummaries optionally enriches the classifier request with a
	// short per-path description (e.g. a diff summary); safe to leave
	// nil.
	FileSummaries []classifier.FileSummary
}

// Outcome is Run's terminal result: the materialized stack plus the
// warnings accumulated along the way (classification fallback, coupling
// set gaps, dropped declared-only cycle edges). A non-nil error means the
// run did not reach DONE; Phase on the returned Outcome still records how
// far it got.
type Outcome struct {
	Phase       stackmodel.Phase
	Ownership   stackmodel.Ownership
	Feasibility *feasibility.Result
	Plan        *planbuilder.StackPlan
	Result      stackmodel.StackResult
	Verify      verify.Report
	Warnings    []string
}

// Plan drives the pipeline through C1-C4 only (partitioning and planning)
// without materializing or verifying anything, for a dry-run preview of
// what Run would do.
func (e *Engine) Plan(ctx context.Context, in RunInput) (Outcome, error) {
	start := time.Now()
	out := Outcome{Phase: stackmodel.PhasePartitioning}

	_, ownership, feas, plan, err := e.partitionAndPlan(ctx, in, &out, start)
	if err != nil {
		return out, err
	}
	out.Ownership = ownership
	out.Feasibility = &feas
	out.Plan = &plan

	out.Phase = stackmodel.PhaseDone
	e.Recorder.ObserveRunDuration(time.Since(start))
	e.Recorder.IncRunOutcome(outcomeLabel(out.Warnings))
	e.publish(ctx, in, stackmodel.PhaseDone, "plan complete")
	e.snapshot(ctx, in, out, "", start)
	return out, nil
}

// Run drives one pass of the pipeline to completion, failure, or
// cancellation, publishing progress events and session snapshots at every
// phase transition.
func (e *Engine) Run(ctx context.Context, in RunInput) (Outcome, error) {
	start := time.Now()
	out := Outcome{Phase: stackmodel.PhasePartitioning}

	slog.Info("stack run starting", logfields.RunID(in.RunID), slog.String("base", in.Base), slog.String("head", in.Head))

	deltas, ownership, feas, plan, err := e.partitionAndPlan(ctx, in, &out, start)
	if err != nil {
		return out, err
	}
	out.Ownership = ownership
	out.Feasibility = &feas
	out.Plan = &plan

	if err := e.checkCanceled(ctx); err != nil {
		return e.cancel(ctx, in, out, err, start)
	}

	e.enterPhase(ctx, in, stackmodel.PhaseExecuting, "materializing stack", &out, start)

	e.Executor.Recorder = e.Recorder
	stageStart := time.Now()
	result, err := e.Executor.Execute(ctx, in.Base, in.Head, plan, deltas, ownership, stackexec.Options{
		RunID:      in.RunID,
		PRNumber:   in.PRNumber,
		SourceSlug: in.SourceSlug,
		Author:     in.Author,
		Committer:  in.Committer,
	})
	e.Recorder.ObserveStageDuration("execute", time.Since(stageStart))
	if err != nil {
		e.Recorder.IncStageResult("execute", metrics.ResultFatal)
		if stackerr.Is(err, stackerr.KindCanceled) {
			return e.cancel(ctx, in, out, err, start)
		}
		return e.fail(ctx, in, out, err, start)
	}
	e.Recorder.IncStageResult("execute", metrics.ResultSuccess)
	out.Result = result

	report, err := e.Verifier.Verify(ctx, in.Base, in.Head, result, ownership)
	if err != nil {
		if stackerr.Is(err, stackerr.KindCanceled) {
			return e.cancel(ctx, in, out, err, start)
		}
		return e.fail(ctx, in, out, err, start)
	}
	out.Verify = report
	out.Warnings = append(out.Warnings, report.Warnings...)
	if !report.Verified {
		verr := stackerr.New(stackerr.KindVerificationFailed, "stack failed verification").
			WithContext("errors", report.Errors)
		return e.fail(ctx, in, out, verr, start)
	}
	out.Result.Verified = true

	out.Phase = stackmodel.PhaseDone
	e.Recorder.ObserveRunDuration(time.Since(start))
	e.Recorder.IncRunOutcome(outcomeLabel(out.Warnings))
	e.publish(ctx, in, stackmodel.PhaseDone, "stack run complete")
	e.snapshot(ctx, in, out, "", start)

	slog.Info("stack run done", logfields.RunID(in.RunID), slog.Int("groups", len(result.GroupCommits)), slog.Int("warnings", len(out.Warnings)))
	return out, nil
}

// partitionAndPlan runs C1 (delta extraction), classification, C2
// (coupling), C3 (feasibility), and C4 (plan build) — the portion of the
// pipeline shared by Plan and Run. On any failure it calls fail/cancel
// itself and returns that error; the caller should return immediately.
func (e *Engine) partitionAndPlan(ctx context.Context, in RunInput, out *Outcome, start time.Time) ([]stackmodel.Delta, stackmodel.Ownership, feasibility.Result, planbuilder.StackPlan, error) {
	e.enterPhase(ctx, in, stackmodel.PhasePartitioning, "extracting commit deltas", out, start)

	deltas, err := e.Delta.Extract(ctx, in.Base, in.Head)
	if err != nil {
		_, ferr := e.fail(ctx, in, *out, err, start)
		return nil, nil, feasibility.Result{}, planbuilder.StackPlan{}, ferr
	}
	if err := delta.Validate(deltas); err != nil {
		_, ferr := e.fail(ctx, in, *out, err, start)
		return nil, nil, feasibility.Result{}, planbuilder.StackPlan{}, ferr
	}

	if err := e.checkCanceled(ctx); err != nil {
		_, cerr := e.cancel(ctx, in, *out, err, start)
		return nil, nil, feasibility.Result{}, planbuilder.StackPlan{}, cerr
	}

	ownership, warnings, err := e.classify(ctx, in, deltas)
	if err != nil {
		_, ferr := e.fail(ctx, in, *out, err, start)
		return nil, nil, feasibility.Result{}, planbuilder.StackPlan{}, ferr
	}
	out.Warnings = append(out.Warnings, warnings...)

	changedPaths := delta.AllPaths(deltas)
	groupOrder := make([]string, 0, len(in.Candidates))
	declaredDeps := make(map[string][]string, len(in.Candidates))
	for _, c := range in.Candidates {
		groupOrder = append(groupOrder, c.ID)
		if len(c.ExplicitDeps) > 0 {
			declaredDeps[c.ID] = c.ExplicitDeps
		}
	}

	coupled := e.Coupling.Enforce(ownership, changedPaths, groupOrder)
	for _, mv := range coupled.Moves {
		setName := "coupling"
		for _, s := range e.Coupling.Sets {
			if s.Matches(mv.Path) {
				setName = s.Name
				break
			}
		}
		e.Recorder.IncForcedMove(setName)
		slog.Info("coupling forced move", logfields.Path(mv.Path), slog.String("from", mv.From), slog.String("to", mv.To))
	}
	out.Warnings = append(out.Warnings, coupled.Warnings...)
	ownership = coupled.Ownership

	if err := e.checkCanceled(ctx); err != nil {
		_, cerr := e.cancel(ctx, in, *out, err, start)
		return nil, nil, feasibility.Result{}, planbuilder.StackPlan{}, cerr
	}

	feas, err := e.Feasibility.Analyze(deltas, ownership, declaredDeps)
	if err != nil {
		e.Recorder.IncCycleDetected(stackerr.Is(err, stackerr.KindCycleDetected))
		_, ferr := e.fail(ctx, in, *out, err, start)
		return nil, nil, feasibility.Result{}, planbuilder.StackPlan{}, ferr
	}
	if len(feas.DroppedCycleEdges) > 0 {
		e.Recorder.IncCycleDetected(false)
		out.Warnings = append(out.Warnings, "declared-only dependency cycle detected; offending edges dropped")
	}
	e.Recorder.SetGroupCount(len(feas.OrderedGroupIDs))

	e.enterPhase(ctx, in, stackmodel.PhasePlanning, "building stack plan", out, start)

	plan, err := e.Planner.Build(ctx, in.Base, in.Head, deltas, ownership, feas.OrderedGroupIDs, feas.DependencyEdges)
	if err != nil {
		_, ferr := e.fail(ctx, in, *out, err, start)
		return nil, nil, feasibility.Result{}, planbuilder.StackPlan{}, ferr
	}
	applyCandidateMetadata(plan.Groups, in.Candidates)

	return deltas, ownership, feas, plan, nil
}

// applyCandidateMetadata fills each plan group's Kind and Description from
// the matching candidate, falling back to the classifier's fallback group
// or a coupling-forced group carrying no candidate declaration at all,
// which simply keeps the zero value.
func applyCandidateMetadata(groups []stackmodel.StackGroup, candidates []stackmodel.Group) {
	byID := make(map[string]stackmodel.Group, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}
	for i, g := range groups {
		if c, ok := byID[g.ID]; ok {
			groups[i].Kind = c.Kind
			groups[i].Description = c.Description
		}
	}
}

func outcomeLabel(warnings []string) metrics.OutcomeLabel {
	if len(warnings) > 0 {
		return metrics.OutcomeWarning
	}
	return metrics.OutcomeSuccess
}

// classify resolves the initial ownership map via the configured
// classifier, attributing any FileSummaries the caller supplied.
func (e *Engine) classify(ctx context.Context, in RunInput, deltas []stackmodel.Delta) (stackmodel.Ownership, []string, error) {
	messages := make([]string, 0, len(deltas))
	for _, d := range deltas {
		if d.Message != "" {
			messages = append(messages, d.Message)
		}
	}

	req := classifier.Request{
		Candidates:     in.Candidates,
		ChangedPaths:   delta.AllPaths(deltas),
		FileSummaries:  in.FileSummaries,
		CommitMessages: messages,
	}

	res, err := e.Classifier.Resolve(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if res.Warning != "" {
		slog.Warn("classification gap", logfields.RunID(in.RunID), slog.String("detail", res.Warning))
		return res.Ownership, []string{res.Warning}, nil
	}
	return res.Ownership, nil, nil
}

func (e *Engine) checkCanceled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return stackerr.Wrap(ctx.Err(), stackerr.KindCanceled, "run canceled")
	default:
		return nil
	}
}

func (e *Engine) enterPhase(ctx context.Context, in RunInput, phase stackmodel.Phase, message string, out *Outcome, startedAt time.Time) {
	out.Phase = phase
	slog.Info(message, logfields.RunID(in.RunID), logfields.Phase(string(phase)))
	e.publish(ctx, in, phase, message)
	e.snapshot(ctx, in, *out, "", startedAt)
}

func (e *Engine) publish(ctx context.Context, in RunInput, phase stackmodel.Phase, message string) {
	if e.Progress == nil {
		return
	}
	if err := e.Progress.Publish(ctx, progress.Event{
		ID:        in.RunID,
		Timestamp: time.Now(),
		Message:   message,
		Phase:     phase,
	}); err != nil {
		slog.Warn("progress publish dropped", logfields.RunID(in.RunID), slog.Any("error", err))
	}
}

func (e *Engine) snapshot(ctx context.Context, in RunInput, out Outcome, errMsg string, startedAt time.Time) {
	if e.Sessions == nil || in.SessionID == "" {
		return
	}

	status := session.StatusRunning
	var finishedAt *time.Time
	switch out.Phase {
	case stackmodel.PhaseDone:
		status = session.StatusDone
		now := time.Now()
		finishedAt = &now
	case stackmodel.PhaseError:
		status = session.StatusFailed
		now := time.Now()
		finishedAt = &now
	case stackmodel.PhaseCanceled:
		status = session.StatusCanceled
		now := time.Now()
		finishedAt = &now
	}

	var verifyResult *verify.Report
	if out.Phase == stackmodel.PhaseDone {
		verifyResult = &out.Verify
	}

	snap := session.StackStateSnapshot{
		SessionID:    in.SessionID,
		Status:       status,
		Phase:        out.Phase,
		Error:        errMsg,
		Ownership:    out.Ownership,
		Feasibility:  out.Feasibility,
		Plan:         out.Plan,
		ExecResult:   &out.Result,
		VerifyResult: verifyResult,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
	}
	if err := e.Sessions.Save(ctx, snap); err != nil {
		slog.Warn("session snapshot failed", logfields.RunID(in.RunID), slog.Any("error", err))
	}
}

func (e *Engine) fail(ctx context.Context, in RunInput, out Outcome, cause error, start time.Time) (Outcome, error) {
	out.Phase = stackmodel.PhaseError
	e.Recorder.ObserveRunDuration(time.Since(start))
	e.Recorder.IncRunOutcome(metrics.OutcomeFailed)
	slog.Error("stack run failed", logfields.RunID(in.RunID), slog.Any("error", cause))
	e.publish(ctx, in, stackmodel.PhaseError, "stack run failed: "+cause.Error())
	e.snapshot(ctx, in, out, cause.Error(), start)
	return out, cause
}

func (e *Engine) cancel(ctx context.Context, in RunInput, out Outcome, cause error, start time.Time) (Outcome, error) {
	out.Phase = stackmodel.PhaseCanceled
	e.Recorder.ObserveRunDuration(time.Since(start))
	e.Recorder.IncRunOutcome(metrics.OutcomeCanceled)
	slog.Warn("stack run canceled", logfields.RunID(in.RunID))
	e.publish(ctx, in, stackmodel.PhaseCanceled, "stack run canceled")
	e.snapshot(ctx, in, out, cause.Error(), start)
	return out, cause
}
