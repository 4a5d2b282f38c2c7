package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"organ_dispatch/internal/progress"
)

const defaultTailBytes = 256 * 1024

func hintsCmd() *cobra.Command {
	var (
		maxHints int
		follow   bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "hints <job.log>",
		Short: "Decode a worker log into progress hints",
		Long: `Decode the tail of a worker log (claude, codex, gemini or opencode stream
output) into tool-use hints, the current file and recent successes.

Examples:
  dispatchctl hints data/logs/3f2a9c.log
  dispatchctl hints data/logs/3f2a9c.log --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			raw, err := progress.ReadTail(path, defaultTailBytes)
			if err != nil {
				return fmt.Errorf("read log: %w", err)
			}
			out := cmd.OutOrStdout()
			if err := printProgress(out, progress.BuildHints(raw, maxHints), asJSON); err != nil {
				return err
			}
			if !follow {
				return nil
			}
			return followHints(cmd.Context(), out, path, maxHints, asJSON)
		},
	}
	cmd.Flags().IntVar(&maxHints, "max", progress.DefaultMaxHints, "maximum hints to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep watching the log")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
	return cmd
}

func followHints(ctx context.Context, out io.Writer, path string, maxHints int, asJSON bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve log path: %w", err)
	}
	jobID := progress.JobIDFromLogPath(abs)
	updates := make(chan progress.Progress, 1)
	tailer, err := progress.NewTailer(progress.TailerConfig{
		Dir:      filepath.Dir(abs),
		MaxHints: maxHints,
	}, func(id string, p progress.Progress) {
		if id != jobID {
			return
		}
		select {
		case updates <- p:
		default:
			// Keep only the newest snapshot.
			select {
			case <-updates:
			default:
			}
			updates <- p
		}
	})
	if err != nil {
		return err
	}
	go tailer.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-updates:
			fmt.Fprintln(out, color.HiBlackString(strings.Repeat("─", 60)))
			if err := printProgress(out, p, asJSON); err != nil {
				return err
			}
		}
	}
}

func printProgress(out io.Writer, p progress.Progress, asJSON bool) error {
	if asJSON {
		return writeJSON(out, p)
	}
	if p.CurrentFile != nil {
		fmt.Fprintf(out, "%s %s\n", color.CyanString("current file:"), *p.CurrentFile)
	}
	if len(p.Hints) == 0 {
		fmt.Fprintln(out, color.HiBlackString("no tool activity"))
	}
	for _, h := range p.Hints {
		fmt.Fprintf(out, "%s %-10s %s\n", phaseLabel(h.Phase), h.Tool, h.Summary)
	}
	if len(p.OKItems) > 0 {
		fmt.Fprintln(out, color.CyanString("recent ok:"))
		for _, item := range p.OKItems {
			fmt.Fprintf(out, "  %s %s\n", color.GreenString("✓"), item)
		}
	}
	return nil
}

func phaseLabel(phase progress.Phase) string {
	switch phase {
	case progress.PhaseOK:
		return color.GreenString("%-5s", phase)
	case progress.PhaseError:
		return color.RedString("%-5s", phase)
	default:
		return color.YellowString("%-5s", phase)
	}
}
