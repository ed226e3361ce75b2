package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "publish":
		return runPublish(args[1:])
	case "work":
		return runWork(args[1:])
	case "export":
		return runExport(args[1:])
	case "serve":
		return runServe(args[1:])
	case "run":
		return runAll(args[1:])
	case "validate":
		return runValidate(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "mailthread CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  mailthread <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health    Verify store and queue connectivity")
	fmt.Fprintln(os.Stderr, "  publish   Publish every .txt document of a directory as a task")
	fmt.Fprintln(os.Stderr, "  work      Consume tasks and record canonical thread chains")
	fmt.Fprintln(os.Stderr, "  export    Write canonical_threads.txt and hierarchical_structure.txt")
	fmt.Fprintln(os.Stderr, "  serve     Serve the reports and a read-only JSON API")
	fmt.Fprintln(os.Stderr, "  run       Publish, work until drained, then export")
	fmt.Fprintln(os.Stderr, "  validate  Validate task payload JSON files against the schema")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"mailthread <command> -h\" for command-specific flags.")
}
