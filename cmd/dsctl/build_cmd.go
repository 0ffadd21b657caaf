package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/helm-datasets/pkg/admin"
	"github.com/Mindburn-Labs/helm-datasets/pkg/dataset"
)

// runCreateCmd implements `dsctl create NAME`. It prints the new URI.
func runCreateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("create", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var base, creator string
	cmd.StringVar(&base, "base", ".", "Base URI the dataset is created under")
	cmd.StringVar(&creator, "creator", "", "Creator username (default: config or OS user)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: dsctl create [--base URI] [--creator NAME] NAME")
		return 2
	}

	return withApp(stderr, base, func(ctx context.Context, a *app) error {
		if creator == "" {
			creator = a.cfg.CreatorUsername
		}
		m, err := admin.Generate(cmd.Arg(0), creator)
		if err != nil {
			return err
		}
		proto, err := dataset.GenerateProtoDataset(ctx, m, base, a.datasetOptions()...)
		if err != nil {
			return err
		}
		defer proto.Close()
		if err := proto.Create(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, proto.URI())
		return nil
	})
}

// runAddCmd implements `dsctl add item` and `dsctl add metadata`.
func runAddCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: dsctl add <item|metadata> ...")
		return 2
	}
	switch args[0] {
	case "item":
		return runAddItem(args[1:], stdout, stderr)
	case "metadata":
		return runAddMetadata(args[1:], stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown add subcommand: %s\n", args[0])
		return 2
	}
}

func runAddItem(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 || len(args) > 3 {
		_, _ = fmt.Fprintln(stderr, "Usage: dsctl add item URI FPATH [RELPATH]")
		return 2
	}
	uri, fpath := args[0], args[1]
	relpath := filepath.Base(fpath)
	if len(args) == 3 {
		relpath = args[2]
	}

	return withApp(stderr, uri, func(ctx context.Context, a *app) error {
		proto, err := dataset.ProtoDatasetFromURI(ctx, uri, a.datasetOptions()...)
		if err != nil {
			return err
		}
		defer proto.Close()
		props, err := proto.PutItem(ctx, fpath, relpath)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "%s\t%d\t%s\n", props.Relpath, props.SizeInBytes, props.Hash)
		return nil
	})
}

func runAddMetadata(args []string, stderr io.Writer) int {
	if len(args) != 4 {
		_, _ = fmt.Fprintln(stderr, "Usage: dsctl add metadata URI RELPATH KEY VALUE")
		return 2
	}
	uri, relpath, key := args[0], args[1], args[2]
	value := parseScalar(args[3])

	return withApp(stderr, uri, func(ctx context.Context, a *app) error {
		proto, err := dataset.ProtoDatasetFromURI(ctx, uri, a.datasetOptions()...)
		if err != nil {
			return err
		}
		defer proto.Close()
		return proto.AddItemMetadata(ctx, relpath, key, value)
	})
}

// parseScalar reads s as a JSON value when it is one (numbers, true, false,
// null, quoted strings) and as a plain string otherwise.
func parseScalar(s string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return v
}

// runReadmeCmd implements `dsctl readme URI FILE`.
func runReadmeCmd(args []string, _, stderr io.Writer) int {
	if len(args) != 2 {
		_, _ = fmt.Fprintln(stderr, "Usage: dsctl readme URI FILE")
		return 2
	}
	uri := args[0]
	content, err := os.ReadFile(args[1])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	return withApp(stderr, uri, func(ctx context.Context, a *app) error {
		proto, err := dataset.ProtoDatasetFromURI(ctx, uri, a.datasetOptions()...)
		if err != nil {
			return err
		}
		defer proto.Close()
		return proto.PutReadme(ctx, string(content))
	})
}

// runFreezeCmd implements `dsctl freeze URI`.
func runFreezeCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: dsctl freeze URI")
		return 2
	}
	uri := args[0]

	return withApp(stderr, uri, func(ctx context.Context, a *app) error {
		proto, err := dataset.ProtoDatasetFromURI(ctx, uri, a.datasetOptions()...)
		if err != nil {
			return err
		}
		defer proto.Close()
		ds, err := proto.Freeze(ctx)
		if err != nil {
			return err
		}
		defer ds.Close()
		_, _ = fmt.Fprintf(stdout, "%s frozen with %d item(s)\n", ds.URI(), len(ds.Identifiers()))
		return nil
	})
}
