package metrics

import "time"

// OutcomeLabel categorizes a finished pipeline run.
type OutcomeLabel string

const (
	OutcomeSuccess  OutcomeLabel = "success"
	OutcomeWarning  OutcomeLabel = "warning"
	OutcomeFailed   OutcomeLabel = "failed"
	OutcomeCanceled OutcomeLabel = "canceled"
)

// ResultLabel categorizes a single stage's result.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultWarning  ResultLabel = "warning"
	ResultFatal    ResultLabel = "fatal"
	ResultCanceled ResultLabel = "canceled"
)

// Recorder defines observability hooks for the stacking pipeline.
// Implementations must be safe for nil receivers so NoopRecorder can be the
// default when metrics aren't configured.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveRunDuration(d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	IncRunOutcome(outcome OutcomeLabel)
	IncCycleDetected(fatal bool)
	IncForcedMove(setName string)
	IncRollback(stage string)
	IncRunRetry(stage string)
	IncRunRetryExhausted(stage string)
	SetGroupCount(n int)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveRunDuration(time.Duration)           {}
func (NoopRecorder) IncStageResult(string, ResultLabel)         {}
func (NoopRecorder) IncRunOutcome(OutcomeLabel)                 {}
func (NoopRecorder) IncCycleDetected(bool)                      {}
func (NoopRecorder) IncForcedMove(string)                       {}
func (NoopRecorder) IncRollback(string)                         {}
func (NoopRecorder) IncRunRetry(string)                         {}
func (NoopRecorder) IncRunRetryExhausted(string)                {}
func (NoopRecorder) SetGroupCount(int)                          {}
