package main

import (
	"fmt"

	"github.com/newpr-stacker/engine/internal/stackerr"
)

// VerifyCmd re-runs C6 against a previously executed session's stack
// result, without re-executing anything — useful after head has moved to
// confirm a previously materialized stack is still byte-identical.
type VerifyCmd struct {
	Session string `arg:"" help:"Session ID to re-verify"`
	Base    string `arg:"" help:"Base ref (exclusive); branch, tag, HEAD, or commit hash"`
	Head    string `arg:"" help:"Head ref (inclusive); branch, tag, HEAD, or commit hash"`
}

func (v *VerifyCmd) Run(_ *Global, root *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	eng, store, _, cleanup, err := buildEngine(root.Config, root.MetricsAddr)
	if err != nil {
		return err
	}
	defer cleanup()

	baseHash, headHash, err := resolveRefs(ctx, store, v.Base, v.Head)
	if err != nil {
		return err
	}

	snap, err := eng.Sessions.Load(ctx, v.Session)
	if err != nil {
		return fmt.Errorf("load session %q: %w", v.Session, err)
	}
	if snap.ExecResult == nil {
		return stackerr.New(stackerr.KindPlanMismatch, "session has no recorded stack result to verify").
			WithContext("session", v.Session)
	}

	report, err := eng.Verifier.Verify(ctx, baseHash, headHash, *snap.ExecResult, snap.Ownership)
	if err != nil {
		return err
	}

	fmt.Printf("verify %s: verified=%t\n", v.Session, report.Verified)
	for _, e := range report.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	for _, w := range report.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	if !report.Verified {
		return stackerr.New(stackerr.KindVerificationFailed, "stack failed re-verification").
			WithContext("errors", report.Errors)
	}
	return nil
}
