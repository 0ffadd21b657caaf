package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Mindburn-Labs/helm-datasets/pkg/storagebroker"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = operation failed
//	2 = usage error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "create":
		return runCreateCmd(args[2:], stdout, stderr)
	case "add":
		return runAddCmd(args[2:], stdout, stderr)
	case "readme":
		return runReadmeCmd(args[2:], stdout, stderr)
	case "freeze":
		return runFreezeCmd(args[2:], stdout, stderr)
	case "copy":
		return runCopyCmd(args[2:], stdout, stderr)
	case "tag":
		return runTagCmd(args[2:], stdout, stderr)
	case "ls":
		return runLsCmd(args[2:], stdout, stderr)
	case "show":
		return runShowCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		printBackends(stdout, helpRegistry())
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sdsctl%s\n", ColorBold, ColorReset)
	fmt.Fprintf(w, "%sPackage files into immutable, content-identified datasets.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  dsctl <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "BUILD")
	printCommand(w, "create", "Create a proto-dataset (--base, --creator) NAME")
	printCommand(w, "add item", "Stage a file: URI FPATH [RELPATH]")
	printCommand(w, "add metadata", "Stage item metadata: URI RELPATH KEY VALUE")
	printCommand(w, "readme", "Set the README from a file: URI FILE")
	printCommand(w, "freeze", "Freeze a proto-dataset: URI")

	printSection(w, "TRANSFER")
	printCommand(w, "copy", "Copy a dataset: SRC_URI DEST_BASE_URI (--resume)")

	printSection(w, "INSPECT")
	printCommand(w, "ls", "List items: URI")
	printCommand(w, "show", "Print the admin record as JSON: URI")
	printCommand(w, "verify", "Re-hash every item against the manifest: URI (--json)")
	printCommand(w, "tag", "Manage tags: put|delete|ls|import")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

// helpRegistry is the registry a real invocation would see, falling back to
// the no-config defaults when the environment cannot be loaded.
func helpRegistry() *storagebroker.Registry {
	ctx := context.Background()
	a, err := newApp(ctx, io.Discard)
	if err != nil {
		return storagebroker.Default()
	}
	defer a.close(ctx)
	return a.registry
}

func printBackends(w io.Writer, reg *storagebroker.Registry) {
	printSection(w, "BACKENDS")
	fmt.Fprintf(w, "  %s\n", strings.Join(reg.Schemes(), ", "))
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-13s%s %s\n", ColorGreen, name, ColorReset, desc)
}
