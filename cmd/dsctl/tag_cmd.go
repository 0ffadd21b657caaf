package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-datasets/pkg/dataset"
	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
)

// tagger is the tag surface shared by proto and frozen datasets.
type tagger interface {
	PutTag(ctx context.Context, tag string) error
	DeleteTag(ctx context.Context, tag string) error
	GetTags(ctx context.Context) ([]string, error)
	Close() error
}

// openTagger opens uri as a frozen dataset, or as a proto-dataset if it has
// not been frozen yet.
func openTagger(ctx context.Context, a *app, uri string) (tagger, error) {
	ds, err := dataset.FromURI(ctx, uri, a.datasetOptions()...)
	if err == nil {
		return ds, nil
	}
	if !errors.Is(err, errorir.ErrType) {
		return nil, err
	}
	proto, err := dataset.ProtoDatasetFromURI(ctx, uri, a.datasetOptions()...)
	if err != nil {
		return nil, err
	}
	return proto, nil
}

// runTagCmd implements `dsctl tag put|delete|ls|import`.
func runTagCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		_, _ = fmt.Fprintln(stderr, "Usage: dsctl tag <put|delete|ls|import> URI [TAG|FILE]")
		return 2
	}
	sub, uri := args[0], args[1]

	var run func(ctx context.Context, t tagger) error
	switch sub {
	case "put", "delete":
		if len(args) != 3 {
			_, _ = fmt.Fprintf(stderr, "Usage: dsctl tag %s URI TAG\n", sub)
			return 2
		}
		tag := args[2]
		run = func(ctx context.Context, t tagger) error {
			if sub == "put" {
				return t.PutTag(ctx, tag)
			}
			return t.DeleteTag(ctx, tag)
		}
	case "ls":
		run = func(ctx context.Context, t tagger) error {
			tags, err := t.GetTags(ctx)
			if err != nil {
				return err
			}
			for _, tag := range tags {
				_, _ = fmt.Fprintln(stdout, tag)
			}
			return nil
		}
	case "import":
		if len(args) != 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: dsctl tag import URI FILE.yaml")
			return 2
		}
		tags, err := readTagFile(args[2])
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		run = func(ctx context.Context, t tagger) error {
			for _, v := range tags {
				tag, err := dataset.ValidateTag(v)
				if err != nil {
					return err
				}
				if err := t.PutTag(ctx, tag); err != nil {
					return err
				}
			}
			return nil
		}
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown tag subcommand: %s\n", sub)
		return 2
	}

	return withApp(stderr, uri, func(ctx context.Context, a *app) error {
		t, err := openTagger(ctx, a, uri)
		if err != nil {
			return err
		}
		defer t.Close()
		return run(ctx, t)
	})
}

// readTagFile reads a YAML list of tags. Entries keep their YAML type so a
// non-string tag is rejected rather than silently converted.
func readTagFile(path string) ([]any, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, err
	}
	var tags []any
	if err := yaml.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return tags, nil
}
