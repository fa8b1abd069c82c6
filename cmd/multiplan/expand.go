package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/artpar/multiplan/internal/core/plan"
	"github.com/artpar/multiplan/internal/shell/expansion"
)

// runExpand implements "multiplan expand": read one plan, expand it, write
// the result.
func runExpand(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("expand", flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("in", "-", "Plan file to read, - for stdin")
	out := fs.String("out", "-", "File to write the expanded plan to, - for stdout")
	format := fs.String("format", "", "Input format: json or yaml (detected when empty)")
	outputFormat := fs.String("output-format", "", "Output format: json or yaml (defaults to the input format)")
	maxInstances := fs.Int("max-instances", plan.DefaultMaxInstances, "Fail when the plan expands to more nodes than this, 0 for no limit")
	logLevel := fs.String("log-level", "warn", "Log level for diagnostics on stderr")
	if err := fs.Parse(args); err != nil {
		return ExitConfigError
	}

	logger := newLogger(stderr, *logLevel, "text")

	data, err := readInput(*in, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "failed to read plan: %v\n", err)
		return ExitIOError
	}

	inFormat := plan.DetectFormat(*in, data)
	if *format != "" {
		if inFormat, err = plan.ParseFormat(*format); err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return ExitConfigError
		}
	}
	outFormat := inFormat
	if *outputFormat != "" {
		if outFormat, err = plan.ParseFormat(*outputFormat); err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return ExitConfigError
		}
	}

	expander := plan.NewExpander(plan.WithLogger(logger), plan.WithMaxInstances(*maxInstances))
	svc := expansion.NewService(nil, expander, logger)

	result, err := svc.ExpandPayload(context.Background(), data, inFormat, outFormat)
	if err != nil {
		fmt.Fprintf(stderr, "expansion failed: %v\n", err)
		return ExitPlanError
	}

	if err := writeOutput(*out, stdout, result.Output); err != nil {
		fmt.Fprintf(stderr, "failed to write plan: %v\n", err)
		return ExitIOError
	}

	logger.Info("plan expanded",
		"nodes", result.NodeCount,
		"instances", result.InstanceCount,
	)
	return ExitSuccess
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" || path == "" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, stdout io.Writer, data []byte) error {
	if path == "-" || path == "" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
