package main

import (
	"fmt"
	"time"

	"github.com/newpr-stacker/engine/internal/config"
	"github.com/newpr-stacker/engine/internal/objstore"
	"github.com/newpr-stacker/engine/internal/pipeline"
)

// PlanCmd drives C1-C4 only, printing the proposed stack without creating
// commits or branch references; planning does write each group's expected
// tree object to the object store.
type PlanCmd struct {
	Base string `arg:"" help:"Base ref (exclusive); branch, tag, HEAD, or commit hash"`
	Head string `arg:"" help:"Head ref (inclusive); branch, tag, HEAD, or commit hash"`

	SessionID string `name:"session" help:"Session ID to persist state under (defaults to a generated UUID)"`
}

func (p *PlanCmd) Run(_ *Global, root *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	eng, store, cfg, cleanup, err := buildEngine(root.Config, root.MetricsAddr)
	if err != nil {
		return err
	}
	defer cleanup()

	baseHash, headHash, err := resolveRefs(ctx, store, p.Base, p.Head)
	if err != nil {
		return err
	}

	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = newRunID()
	}

	in := pipeline.RunInput{
		RunID:      newRunID(),
		SessionID:  sessionID,
		Base:       baseHash,
		Head:       headHash,
		Author:     objstore.Identity{When: time.Now()},
		Committer:  objstore.Identity{When: time.Now()},
		Candidates: config.ToStackModel(cfg.Groups),
	}

	out, err := eng.Plan(ctx, in)
	if err != nil {
		return err
	}

	fmt.Printf("plan %s: %d group(s)\n", sessionID, len(out.Plan.Groups))
	for _, g := range out.Plan.Groups {
		fmt.Printf("  %-24s kind=%-10s deps=%v files=%d\n", g.ID, g.Kind, g.Deps, len(g.Files))
	}
	for _, w := range out.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	return nil
}
