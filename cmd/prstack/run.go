package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/newpr-stacker/engine/internal/config"
	"github.com/newpr-stacker/engine/internal/objstore"
	"github.com/newpr-stacker/engine/internal/pipeline"
	"github.com/newpr-stacker/engine/internal/progress"
	"github.com/newpr-stacker/engine/internal/stackerr"
)

// RunCmd executes the full pipeline (C1-C6) over one commit range.
type RunCmd struct {
	Base string `arg:"" help:"Base ref (exclusive); branch, tag, HEAD, or commit hash"`
	Head string `arg:"" help:"Head ref (inclusive); branch, tag, HEAD, or commit hash"`

	PRNumber   int    `name:"pr" help:"PR number the resulting commits reference"`
	SourceSlug string `name:"source" help:"Slug identifying the originating PR/branch" default:"pr"`

	AuthorName     string `name:"author-name" default:"prstack"`
	AuthorEmail    string `name:"author-email" default:"prstack@localhost"`
	CommitterName  string `name:"committer-name" default:"prstack"`
	CommitterEmail string `name:"committer-email" default:"prstack@localhost"`

	SessionID  string `name:"session" help:"Session ID to persist state under (defaults to a generated UUID)"`
	MaxRetries int    `name:"max-retries" help:"Max whole-pipeline retries on a retryable object-store error" default:"2"`
}

func (r *RunCmd) Run(_ *Global, root *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	eng, store, cfg, cleanup, err := buildEngine(root.Config, root.MetricsAddr)
	if err != nil {
		return err
	}
	defer cleanup()

	baseHash, headHash, err := resolveRefs(ctx, store, r.Base, r.Head)
	if err != nil {
		return err
	}

	stopPrinting := streamProgress(eng)
	defer stopPrinting()

	sessionID := r.SessionID
	if sessionID == "" {
		sessionID = newRunID()
	}
	now := time.Now()

	in := pipeline.RunInput{
		RunID:      newRunID(),
		SessionID:  sessionID,
		Base:       baseHash,
		Head:       headHash,
		PRNumber:   r.PRNumber,
		SourceSlug: r.SourceSlug,
		Author:     objstore.Identity{Name: r.AuthorName, Email: r.AuthorEmail, When: now},
		Committer:  objstore.Identity{Name: r.CommitterName, Email: r.CommitterEmail, When: now},
		Candidates: config.ToStackModel(cfg.Groups),
	}

	out, err := runWithRetry(ctx, eng, in, r.MaxRetries)
	if err != nil {
		return err
	}

	fmt.Printf("stack %s: %d group(s), final tree %s\n", sessionID, len(out.Result.GroupCommits), out.Result.FinalTreeHash)
	for _, gc := range out.Result.GroupCommits {
		fmt.Printf("  %-24s %s  %s\n", gc.GroupID, gc.CommitHash, gc.BranchRef)
	}
	for _, w := range out.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	return nil
}

// runWithRetry retries the whole pipeline run on a retryable object-store
// error, per its documented "caller may retry the whole pipeline"
// contract; every other error kind is terminal on first occurrence.
func runWithRetry(ctx context.Context, eng *pipeline.Engine, in pipeline.RunInput, maxRetries int) (pipeline.Outcome, error) {
	var out pipeline.Outcome
	var err error
	for attempt := 0; ; attempt++ {
		out, err = eng.Run(ctx, in)
		if err == nil {
			return out, nil
		}

		var serr *stackerr.Error
		if se, ok := err.(*stackerr.Error); ok {
			serr = se
		}
		if serr == nil || serr.Kind != stackerr.KindObjectStore || !serr.Retryable || attempt >= maxRetries {
			if serr != nil && serr.Kind == stackerr.KindObjectStore && serr.Retryable {
				eng.Recorder.IncRunRetryExhausted("run")
			}
			return out, err
		}

		eng.Recorder.IncRunRetry("run")
		slog.Warn("retrying whole pipeline run after object-store error",
			slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
}

// streamProgress logs every progress event the engine publishes until the
// returned stop function is called.
func streamProgress(eng *pipeline.Engine) func() {
	if eng.Progress == nil {
		return func() {}
	}
	ch, unsubscribe := eng.Progress.Subscribe(16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			logProgress(evt)
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

func logProgress(evt progress.Event) {
	slog.Info(evt.Message, slog.String("phase", string(evt.Phase)), slog.String("run_id", evt.ID))
}
