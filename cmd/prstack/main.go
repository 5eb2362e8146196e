// Command prstack runs the reactive PR stacking engine against a local
// git repository: it partitions a commit range into ownership groups,
// enforces coupling, checks feasibility, builds a dependency-ordered
// plan, materializes it as a branch stack, and verifies the result.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/newpr-stacker/engine/internal/classifier"
	"github.com/newpr-stacker/engine/internal/config"
	"github.com/newpr-stacker/engine/internal/metrics"
	"github.com/newpr-stacker/engine/internal/objstore"
	"github.com/newpr-stacker/engine/internal/pipeline"
	"github.com/newpr-stacker/engine/internal/progress"
	"github.com/newpr-stacker/engine/internal/session"
	"github.com/newpr-stacker/engine/internal/stackerr"
)

// Set at build time with: -ldflags "-X main.version=1.0.0"
var version = "dev"

// CLI is the root command definition and global flags.
type CLI struct {
	Config      string           `short:"c" help:"Engine configuration file path" default:"prstack.yaml"`
	Verbose     bool             `short:"v" help:"Enable verbose logging"`
	MetricsAddr string           `name:"metrics-addr" help:"If set, serve Prometheus metrics on this address (e.g. :9090) for the duration of the command"`
	Version     kong.VersionFlag `name:"version" help:"Show version and exit"`

	Run    RunCmd    `cmd:"" help:"Partition, plan, execute, and verify a stack for one commit range"`
	Plan   PlanCmd   `cmd:"" help:"Dry-run partitioning and planning only (no materialization)"`
	Verify VerifyCmd `cmd:"" help:"Re-verify a previously executed stack against head"`
	Watch  WatchCmd  `cmd:"" help:"Poll the repository's head on an interval and run the pipeline on change"`
}

// Global carries state shared across subcommands.
type Global struct {
	Logger *slog.Logger
}

// AfterApply runs after flag parsing; sets up the default logger.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

func main() {
	cli := &CLI{}
	parser := kong.Parse(cli,
		kong.Description("prstack: reactively partitions, plans, and materializes a stack of dependency-ordered PR branches from a commit range."),
		kong.Vars{"version": version},
	)

	logger := slog.Default()
	globals := &Global{Logger: logger}

	if err := parser.Run(globals, cli); err != nil {
		handleCLIError(cli.Verbose, err)
	}
}

// handleCLIError prints a structured error's Kind and message (plus the
// wrapped cause in verbose mode) and exits non-zero; any other error is
// printed as-is. Mirrors the teacher's CLI error adapter without reaching
// for its internal, non-reusable type.
func handleCLIError(verbose bool, err error) {
	var serr *stackerr.Error
	if se, ok := err.(*stackerr.Error); ok {
		serr = se
	}
	if serr == nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "error [%s]: %s\n", serr.Kind, serr.Message)
	if verbose && serr.Cause != nil {
		fmt.Fprintf(os.Stderr, "  caused by: %v\n", serr.Cause)
	}
	if len(serr.Context) > 0 {
		for k, v := range serr.Context {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", k, v)
		}
	}
	os.Exit(1)
}

// buildEngine loads configuration, opens the object store, and wires an
// Engine the way every subcommand below needs it. The returned cleanup
// must be called once the subcommand is done; it stops any metrics
// server started for the duration of the command.
func buildEngine(cfgPath, metricsAddr string) (*pipeline.Engine, objstore.Handle, *config.EngineConfig, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, func() {}, fmt.Errorf("load config: %w", err)
	}

	store, err := objstore.Open(cfg.RepoPath, cfg.Retry.ToObjstore())
	if err != nil {
		return nil, nil, nil, func() {}, fmt.Errorf("open repository: %w", err)
	}

	var cls classifier.Classifier
	if cfg.Classifier.Endpoint != "" {
		timeout := 30 * time.Second
		if d, err := time.ParseDuration(cfg.Classifier.Timeout); err == nil && d > 0 {
			timeout = d
		}
		cls = &classifier.HTTPClassifier{
			Endpoint: cfg.Classifier.Endpoint,
			APIKey:   cfg.Classifier.APIKey,
			Timeout:  timeout,
		}
	}

	eng := pipeline.New(store, cls, cfg.FallbackGroup)

	reg := prom.NewRegistry()
	eng.Recorder = metrics.NewPrometheusRecorder(reg)

	sessions, err := session.Open(cfg.SessionDir)
	if err != nil {
		return nil, nil, nil, func() {}, fmt.Errorf("open session store: %w", err)
	}
	eng.Sessions = sessions
	eng.Progress = progress.NewBus()

	cleanup := func() {}
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		cleanup = func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
	}

	return eng, store, cfg, cleanup, nil
}

// resolveRefs turns human-friendly base/head expressions into the literal
// commit hashes the pipeline expects.
func resolveRefs(ctx context.Context, store objstore.Handle, base, head string) (string, string, error) {
	baseHash, err := store.ResolveRef(ctx, base)
	if err != nil {
		return "", "", fmt.Errorf("resolve base %q: %w", base, err)
	}
	headHash, err := store.ResolveRef(ctx, head)
	if err != nil {
		return "", "", fmt.Errorf("resolve head %q: %w", head, err)
	}
	return baseHash, headHash, nil
}

func newRunID() string { return uuid.NewString() }

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
