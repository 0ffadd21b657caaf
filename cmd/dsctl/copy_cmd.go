package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/helm-datasets/pkg/transfer"
)

// runCopyCmd implements `dsctl copy SRC_URI DEST_BASE_URI`.
func runCopyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("copy", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		resume  bool
		workers int
	)
	cmd.BoolVar(&resume, "resume", false, "Resume an interrupted copy instead of starting a new one")
	cmd.IntVar(&workers, "workers", 0, "Items copied in parallel (default: config)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 2 {
		_, _ = fmt.Fprintln(stderr, "Usage: dsctl copy [--resume] [--workers N] SRC_URI DEST_BASE_URI")
		return 2
	}
	src, destBase := cmd.Arg(0), cmd.Arg(1)

	return withApp(stderr, src, func(ctx context.Context, a *app) error {
		c := a.copier()
		if workers > 0 {
			c.Workers = workers
		}
		var (
			res *transfer.Result
			err error
		)
		if resume {
			res, err = c.CopyResume(ctx, src, destBase)
		} else {
			res, err = c.Copy(ctx, src, destBase)
		}
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, res.URI)
		_, _ = fmt.Fprintf(stderr, "copied %d, skipped %d, repaired %d\n",
			len(res.Copied), len(res.Skipped), len(res.Repaired))
		return nil
	})
}
