package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

var apiEndpoint = defaultAPIEndpoint() // overridden via AGRICHAIN_API_URL or --api

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "generate-key":
		return runGenerateKey(args[1:], stdout, stderr)
	case "listing":
		return runListingCommand(args[1:], stdout, stderr)
	case "sync":
		return runSyncCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func defaultAPIEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("AGRICHAIN_API_URL")); v != "" {
		return v
	}
	return "http://localhost:7090"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--api" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --api")
			}
			apiEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--api=") {
			apiEndpoint = strings.TrimPrefix(arg, "--api=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func usage() string {
	return strings.TrimSpace(`Usage:
  agrichain-cli [--api URL] <command> [flags]

Commands:
  generate-key  Create an operator keystore file
  listing       Create, buy and query produce listings
  sync          Trigger reconciliation or inspect mirror status`)
}
