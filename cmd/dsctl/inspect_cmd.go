package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/helm-datasets/pkg/admin"
	"github.com/Mindburn-Labs/helm-datasets/pkg/dataset"
)

// runLsCmd implements `dsctl ls URI`: one line per item, sorted by
// identifier.
func runLsCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: dsctl ls URI")
		return 2
	}
	uri := args[0]

	return withApp(stderr, uri, func(ctx context.Context, a *app) error {
		ds, err := dataset.FromURI(ctx, uri, a.datasetOptions()...)
		if err != nil {
			return err
		}
		defer ds.Close()
		for _, id := range ds.Identifiers() {
			props, err := ds.ItemProperties(id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "%s\t%s\t%d\n", id, props.Relpath, props.SizeInBytes)
		}
		return nil
	})
}

// runShowCmd implements `dsctl show URI`, printing the admin record of a
// dataset or proto-dataset.
func runShowCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: dsctl show URI")
		return 2
	}
	uri := args[0]

	return withApp(stderr, uri, func(ctx context.Context, a *app) error {
		var m admin.Metadata
		ds, err := dataset.FromURI(ctx, uri, a.datasetOptions()...)
		if err == nil {
			defer ds.Close()
			m = ds.AdminMetadata()
		} else {
			proto, perr := dataset.ProtoDatasetFromURI(ctx, uri, a.datasetOptions()...)
			if perr != nil {
				return err
			}
			defer proto.Close()
			m = proto.AdminMetadata()
		}
		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, string(data))
		return nil
	})
}

// runVerifyCmd implements `dsctl verify URI`.
//
// Exit codes:
//
//	0 = every item matches the manifest
//	1 = verification failed
//	2 = usage error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: dsctl verify [--json] URI")
		return 2
	}
	uri := cmd.Arg(0)

	var report *dataset.VerifyReport
	code := withApp(stderr, uri, func(ctx context.Context, a *app) error {
		ds, err := dataset.FromURI(ctx, uri, a.datasetOptions()...)
		if err != nil {
			return err
		}
		defer ds.Close()
		report, err = ds.Verify(ctx)
		return err
	})
	if code != 0 {
		return code
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.OK() {
		_, _ = fmt.Fprintf(stdout, "%s✅ %s verified%s\n", ColorGreen, uri, ColorReset)
	} else {
		_, _ = fmt.Fprintf(stdout, "%s❌ %s failed verification%s\n", ColorRed, uri, ColorReset)
		for _, rel := range report.Missing {
			_, _ = fmt.Fprintf(stdout, "  missing:    %s\n", rel)
		}
		for _, rel := range report.Mismatched {
			_, _ = fmt.Fprintf(stdout, "  mismatched: %s\n", rel)
		}
		for _, rel := range report.Unexpected {
			_, _ = fmt.Fprintf(stdout, "  unexpected: %s\n", rel)
		}
	}

	if !report.OK() {
		return 1
	}
	return 0
}
