package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"coderag/internal/index"
	"coderag/internal/tui"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	flagProject string
	flagForce   bool
	flagPlain   bool
	flagJSON    bool
)

var indexCmd = &cobra.Command{
	Use:   "index <path>",
	Short: "Index a codebase for search",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		req := index.Request{Path: args[0], Project: flagProject, Force: flagForce}

		var sum *index.Summary
		if flagPlain || flagJSON || !isatty.IsTerminal(os.Stdout.Fd()) {
			sum, err = runPlainIndex(cmd, a, req)
		} else {
			sum, err = tui.RunIndex(a.orch, req)
		}
		if sum == nil {
			return err
		}

		if flagJSON {
			if encErr := writeJSON(sum); encErr != nil {
				return encErr
			}
		} else {
			printSummary(sum)
		}
		if err != nil {
			return err
		}
		return sum.Err()
	},
}

// runPlainIndex runs the index with line-based progress on stderr. Interrupts
// cancel the run after the current file.
func runPlainIndex(cmd *cobra.Command, a *app, req index.Request) (*index.Summary, error) {
	ctx := cmd.Context()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if a.orch.Cancel() {
				fmt.Fprintln(os.Stderr, "\nStopping after the current file...")
			}
		case <-done:
		}
	}()

	go reportProgress(a.orch, done)
	// Interrupts go through Cancel so the summary records a clean stop.
	return a.orch.Run(context.WithoutCancel(ctx), req)
}

func reportProgress(o *index.Orchestrator, done <-chan struct{}) {
	if flagJSON {
		return
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			job := o.Snapshot()
			if job.Version == last || !job.Active() || job.Total == 0 {
				continue
			}
			last = job.Version
			fmt.Fprintf(os.Stderr, "  %s %d/%d files (%d%%)\n", job.Stage, job.Current, job.Total, job.Percent())
		}
	}
}

func printSummary(sum *index.Summary) {
	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow, color.Bold).SprintFunc()
	red := color.New(color.FgRed, color.Bold).SprintFunc()

	switch sum.Status {
	case index.StatusCompleted:
		fmt.Printf("%s indexed %s in %s\n", green("✓"), sum.Project, sum.Duration.Round(time.Millisecond))
	case index.StatusCancelled:
		fmt.Printf("%s cancelled indexing %s; files already indexed are kept\n", yellow("⚠"), sum.Project)
	default:
		fmt.Printf("%s indexing %s failed: %s\n", red("✗"), sum.Project, sum.Error)
	}
	fmt.Printf("  Files:   %d total, %d indexed (%d unchanged), %d skipped\n",
		sum.FilesTotal, sum.FilesIndexed, sum.FilesUnchanged, sum.FilesSkipped)
	fmt.Printf("  Chunks:  %d embedded, %d pruned, %d in project\n",
		sum.ChunksEmbedded, sum.ChunksPruned, sum.ProjectChunks)
	for _, f := range sum.Failures {
		fmt.Printf("  %s %s: %s\n", yellow("skipped"), f.Path, f.Error)
	}
}

func init() {
	indexCmd.Flags().StringVarP(&flagProject, "project", "p", "", "project name (default: directory name)")
	indexCmd.Flags().BoolVarP(&flagForce, "force", "f", false, "discard the existing index of the project first")
	indexCmd.Flags().BoolVar(&flagPlain, "plain", false, "print line-based progress instead of the progress screen")
	indexCmd.Flags().BoolVar(&flagJSON, "json", false, "print the run summary as JSON")
	rootCmd.AddCommand(indexCmd)
}
