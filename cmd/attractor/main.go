package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/danshapiro/kilroy/internal/attractor/dot"
	"github.com/danshapiro/kilroy/internal/attractor/engine"
)

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		attractorRun(os.Args[2:])
	case "resume":
		attractorResume(os.Args[2:])
	case "status":
		attractorStatus(os.Args[2:])
	case "stop":
		attractorStop(os.Args[2:])
	case "validate", "lint":
		attractorValidate(os.Args[2:])
	case "ingest":
		attractorIngest(os.Args[2:])
	case "serve":
		attractorServe(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  attractor run --graph <file.dot> --config <run.yaml> [--run-id <id>] [--logs-root <dir>]")
	fmt.Fprintln(os.Stderr, "  attractor resume --graph <file.dot> --config <run.yaml> --logs-root <dir>")
	fmt.Fprintln(os.Stderr, "  attractor status [--logs-root <dir> | --latest] [--json] [--follow|-f] [--raw] [--watch] [--interval <sec>]")
	fmt.Fprintln(os.Stderr, "  attractor stop --logs-root <dir> [--grace-ms <ms>] [--force]")
	fmt.Fprintln(os.Stderr, "  attractor validate <pattern.dot | glob pattern>...")
	fmt.Fprintln(os.Stderr, "  attractor lint <pattern.dot | glob pattern>...")
	fmt.Fprintln(os.Stderr, "  attractor ingest [--output <file.dot>] [--model <model>] [--skill <skill.md>] [--repo <path>] [--max-turns <n>] <requirements>")
	fmt.Fprintln(os.Stderr, "  attractor serve [--addr <host:port>]")
}

func attractorRun(args []string) {
	var graphPath, configPath, runID, logsRoot string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--graph":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--graph requires a value")
				os.Exit(1)
			}
			graphPath = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run-id requires a value")
				os.Exit(1)
			}
			runID = args[i]
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--logs-root requires a value")
				os.Exit(1)
			}
			logsRoot = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if graphPath == "" || configPath == "" {
		usage()
		os.Exit(1)
	}

	dotSource, err := os.ReadFile(graphPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := engine.LoadRunConfigFile(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if logsRoot != "" {
		cfg.LogsRoot = logsRoot
	}

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	res, err := engine.RunWithConfig(ctx, dotSource, cfg, runID, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printResult(res)
	if res.FinalStatus != "success" {
		os.Exit(1)
	}
}

func attractorResume(args []string) {
	var graphPath, configPath, logsRoot string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--graph":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--graph requires a value")
				os.Exit(1)
			}
			graphPath = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--logs-root requires a value")
				os.Exit(1)
			}
			logsRoot = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if graphPath == "" || configPath == "" || logsRoot == "" {
		usage()
		os.Exit(1)
	}

	dotSource, err := os.ReadFile(graphPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := engine.LoadRunConfigFile(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	res, err := engine.Resume(ctx, dotSource, cfg, logsRoot, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printResult(res)
	if res.FinalStatus != "success" {
		os.Exit(1)
	}
}

func printResult(res *engine.Result) {
	fmt.Printf("run_id=%s\nlogs_root=%s\nstatus=%s\n", res.RunID, res.LogsRoot, res.FinalStatus)
	if res.FailedNodeID != "" {
		fmt.Printf("failed_node_id=%s\nfailure_reason=%s\n", res.FailedNodeID, res.FailureReason)
	}
	if res.GitCommitSHA != "" {
		fmt.Printf("git_commit_sha=%s\n", res.GitCommitSHA)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
}

// attractorValidate lints every .dot file matched by the given doublestar
// glob patterns (or literal paths) and reports diagnostics per file.
func attractorValidate(args []string) {
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	var files []string
	for _, pattern := range args {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", pattern, err)
			os.Exit(1)
		}
		if len(matches) == 0 {
			if _, err := os.Stat(pattern); err == nil {
				matches = []string{pattern}
			}
		}
		files = append(files, matches...)
	}

	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no pipeline files matched")
		os.Exit(1)
	}

	exitCode := 0
	for _, path := range files {
		dotSource, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			exitCode = 1
			continue
		}
		g, err := dot.Parse(dotSource)
		if err != nil {
			fmt.Printf("%s: parse error: %v\n", path, err)
			exitCode = 1
			continue
		}
		diags, err := engine.Prepare(g, nil)
		for _, d := range diags {
			fmt.Printf("%s: %s %s: %s\n", path, d.Severity, d.Rule, d.Message)
		}
		if err != nil {
			exitCode = 1
			continue
		}
		if len(diags) == 0 {
			fmt.Printf("%s: ok\n", path)
		}
	}
	os.Exit(exitCode)
}
