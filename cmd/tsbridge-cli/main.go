// Package main provides the entry point for the tsbridge CLI tool.
// The CLI checks worker configuration and mints subscription ids.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/janovincze/tsbridge/internal/cdc/emitter"
	"github.com/janovincze/tsbridge/internal/cdc/source"
	"github.com/janovincze/tsbridge/internal/cdc/source/naming"
	"github.com/janovincze/tsbridge/internal/config"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		printUsage(out)
		return nil
	}

	cmd := args[0]
	switch cmd {
	case "version", "-v", "--version":
		fmt.Fprintf(out, "tsbridge version %s\n", version)
	case "help", "-h", "--help":
		printUsage(out)
	case "validate":
		return cmdValidate(out)
	case "id":
		return cmdID(out)
	case "emitters":
		fmt.Fprintln(out, strings.Join(emitter.Types(), "\n"))
	default:
		printUsage(out)
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `tsbridge CLI - time-series subscription bridge

Usage:
  tsbridge <command>

Commands:
  version     Show version information
  validate    Load and check the worker configuration
  id          Mint a subscription id
  emitters    List the available emitter types
  help        Show this help message

Configuration is read from TSBRIDGE_* environment variables and the file
named by TSBRIDGE_SUBSCRIPTION_FILE.`)
}

func cmdValidate(out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sub, err := source.Parse(cfg.Subscription)
	if err != nil {
		return fmt.Errorf("invalid subscription: %w", err)
	}

	known := false
	for _, t := range emitter.Types() {
		if t == cfg.Emitter.Type {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown emitter type %q (available: %s)", cfg.Emitter.Type, strings.Join(emitter.Types(), ", "))
	}

	fmt.Fprintf(out, "Configuration OK\n")
	fmt.Fprintf(out, "----------------\n")
	fmt.Fprintf(out, "Endpoint:     %s\n", sub.RedactedEndpoint())
	fmt.Fprintf(out, "Target:       %s\n", sub.Target().Path())
	fmt.Fprintf(out, "Mode:         %s\n", sub.Mode)
	fmt.Fprintf(out, "Restart:      %t\n", sub.Restart)
	fmt.Fprintf(out, "Poll timeout: %s\n", sub.PollTimeout)
	fmt.Fprintf(out, "Emitter:      %s\n", cfg.Emitter.Type)
	return nil
}

func cmdID(out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ids, err := naming.NewSnowflake(cfg.Naming.DatacenterID, cfg.Naming.WorkerID)
	if err != nil {
		return err
	}
	id, err := naming.NewNamer(cfg.Naming.Prefix, ids).Next()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, id)
	return nil
}
