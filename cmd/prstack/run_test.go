package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/newpr-stacker/engine/internal/classifier"
	"github.com/newpr-stacker/engine/internal/coupling"
	"github.com/newpr-stacker/engine/internal/delta"
	"github.com/newpr-stacker/engine/internal/feasibility"
	"github.com/newpr-stacker/engine/internal/metrics"
	"github.com/newpr-stacker/engine/internal/objstore"
	"github.com/newpr-stacker/engine/internal/pipeline"
	"github.com/newpr-stacker/engine/internal/planbuilder"
	"github.com/newpr-stacker/engine/internal/stackerr"
	"github.com/newpr-stacker/engine/internal/stackexec"
	"github.com/newpr-stacker/engine/internal/stackmodel"
	"github.com/newpr-stacker/engine/internal/testutil"
	"github.com/newpr-stacker/engine/internal/verify"
)

type fakeClassifier struct {
	resp classifier.Response
}

func (f fakeClassifier) Classify(context.Context, classifier.Request) (classifier.Response, error) {
	return f.resp, nil
}

// flakyStore wraps a real Handle and fails the first N calls to
// CommitRange with a retryable object-store error before delegating,
// simulating a transient failure the whole pipeline run should recover
// from without the caller changing anything about the input.
type flakyStore struct {
	objstore.Handle
	failuresLeft int
}

func (f *flakyStore) CommitRange(ctx context.Context, base, head string) ([]objstore.CommitMeta, error) {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, stackerr.New(stackerr.KindObjectStore, "simulated transient failure").AsRetryable()
	}
	return f.Handle.CommitRange(ctx, base, head)
}

func newFixtureRepo(t *testing.T) (store objstore.Handle, base, head string) {
	t.Helper()
	_, w, dir := testutil.SetupTestGitRepo(t)
	when := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	testutil.WriteFile(t, dir, "README.md", "readme\n")
	baseCommit := testutil.Commit(t, w, "base", when)

	testutil.WriteFile(t, dir, "auth.go", "package auth\n")
	headCommit := testutil.Commit(t, w, "add auth", when.Add(time.Hour))

	st, err := objstore.Open(dir, nil)
	require.NoError(t, err)
	return st, baseCommit, headCommit
}

func newEngine(store objstore.Handle) *pipeline.Engine {
	resp := classifier.Response{Ownership: map[string]string{"auth.go": "auth"}}
	return &pipeline.Engine{
		Delta:       delta.New(store),
		Coupling:    coupling.New(),
		Feasibility: feasibility.New(),
		Planner:     planbuilder.New(store),
		Executor:    stackexec.New(store),
		Verifier:    verify.New(store),
		Classifier:  classifier.New(fakeClassifier{resp: resp}, "unclassified"),
		Recorder:    metrics.NoopRecorder{},
	}
}

func runInput(base, head string) pipeline.RunInput {
	now := time.Now()
	return pipeline.RunInput{
		RunID:      "run-0001",
		SessionID:  "sess-0001",
		Base:       base,
		Head:       head,
		Author:     objstore.Identity{Name: "Bot", Email: "bot@example.com", When: now},
		Committer:  objstore.Identity{Name: "Bot", Email: "bot@example.com", When: now},
		Candidates: []stackmodel.Group{{ID: "auth", Kind: stackmodel.KindFeature}},
	}
}

func TestRunWithRetry_RecoversFromTransientObjectStoreError(t *testing.T) {
	store, base, head := newFixtureRepo(t)
	flaky := &flakyStore{Handle: store, failuresLeft: 2}
	eng := newEngine(flaky)

	out, err := runWithRetry(context.Background(), eng, runInput(base, head), 3)
	require.NoError(t, err)
	require.Equal(t, stackmodel.PhaseDone, out.Phase)
	require.Equal(t, 0, flaky.failuresLeft)
}

func TestRunWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	store, base, head := newFixtureRepo(t)
	flaky := &flakyStore{Handle: store, failuresLeft: 5}
	eng := newEngine(flaky)

	_, err := runWithRetry(context.Background(), eng, runInput(base, head), 2)
	require.Error(t, err)
	require.True(t, stackerr.Is(err, stackerr.KindObjectStore))
}

func TestRunWithRetry_ZeroRetriesFailsImmediately(t *testing.T) {
	store, base, head := newFixtureRepo(t)
	flaky := &flakyStore{Handle: store, failuresLeft: 1}
	eng := newEngine(flaky)

	_, err := runWithRetry(context.Background(), eng, runInput(base, head), 0)
	require.Error(t, err)
	require.True(t, stackerr.Is(err, stackerr.KindObjectStore))
	require.Equal(t, 0, flaky.failuresLeft)
}
