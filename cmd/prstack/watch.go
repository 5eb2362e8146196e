package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/newpr-stacker/engine/internal/config"
	"github.com/newpr-stacker/engine/internal/objstore"
	"github.com/newpr-stacker/engine/internal/pipeline"
)

// WatchCmd polls Head on an interval and, whenever it has moved since the
// last successful run, triggers a full pipeline run from the previous
// head (or Base, the first time) to the new one.
type WatchCmd struct {
	Base  string        `arg:"" help:"Base ref for the very first run; branch, tag, HEAD, or commit hash"`
	Head  string        `arg:"" help:"Ref to poll for movement; typically a branch name or HEAD"`
	Every time.Duration `name:"every" help:"Poll interval" default:"1m"`

	SourceSlug string `name:"source" help:"Slug identifying the originating PR/branch" default:"pr"`
	MaxRetries int    `name:"max-retries" help:"Max whole-pipeline retries on a retryable object-store error" default:"2"`
}

func (w *WatchCmd) Run(_ *Global, root *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	eng, store, cfg, cleanup, err := buildEngine(root.Config, root.MetricsAddr)
	if err != nil {
		return err
	}
	defer cleanup()

	stopPrinting := streamProgress(eng)
	defer stopPrinting()

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var lastHead string

	poll := w.pollFunc(ctx, eng, store, cfg, &mu, &lastHead)

	if _, err := scheduler.NewJob(
		gocron.DurationJob(w.Every),
		gocron.NewTask(poll),
	); err != nil {
		return err
	}

	slog.Info("watch started", slog.String("head", w.Head), slog.Duration("every", w.Every))
	scheduler.Start()

	<-ctx.Done()
	return scheduler.Shutdown()
}

// pollFunc builds the per-tick closure: resolve Head, compare against the
// last materialized head, and run the pipeline across whatever moved.
func (w *WatchCmd) pollFunc(ctx context.Context, eng *pipeline.Engine, store objstore.Handle, cfg *config.EngineConfig, mu *sync.Mutex, lastHead *string) func() {
	return func() {
		mu.Lock()
		defer mu.Unlock()

		headHash, err := store.ResolveRef(ctx, w.Head)
		if err != nil {
			slog.Error("watch: resolve head failed", slog.Any("error", err))
			return
		}

		baseHash := *lastHead
		if baseHash == "" {
			baseHash, err = store.ResolveRef(ctx, w.Base)
			if err != nil {
				slog.Error("watch: resolve base failed", slog.Any("error", err))
				return
			}
		}
		if baseHash == headHash {
			return
		}

		now := time.Now()
		in := pipeline.RunInput{
			RunID:      newRunID(),
			SessionID:  newRunID(),
			Base:       baseHash,
			Head:       headHash,
			SourceSlug: w.SourceSlug,
			Author:     objstore.Identity{Name: "prstack-watch", Email: "prstack@localhost", When: now},
			Committer:  objstore.Identity{Name: "prstack-watch", Email: "prstack@localhost", When: now},
			Candidates: config.ToStackModel(cfg.Groups),
		}

		out, err := runWithRetry(ctx, eng, in, w.MaxRetries)
		if err != nil {
			slog.Error("watch: run failed", slog.Any("error", err))
			return
		}

		*lastHead = headHash
		slog.Info("watch: run complete", slog.Int("groups", len(out.Result.GroupCommits)), slog.String("head", headHash))
	}
}
