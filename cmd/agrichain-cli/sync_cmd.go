package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

func runSyncCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, syncUsage())
		return 1
	}
	var (
		method string
		path   string
	)
	switch args[0] {
	case "trigger":
		method, path = http.MethodPost, "/sync"
	case "resync":
		method, path = http.MethodPost, "/sync/resync"
	case "status":
		method, path = http.MethodGet, "/sync/status"
	default:
		fmt.Fprintf(stderr, "Unknown sync subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, syncUsage())
		return 1
	}
	if len(args) > 1 {
		return printError(stderr, "unexpected positional arguments")
	}
	result, apiErr, err := apiCall(method, path, nil)
	return handleAPIResult(stdout, stderr, result, apiErr, err)
}

func syncUsage() string {
	return strings.TrimSpace(`Usage:
  agrichain-cli sync <trigger|resync|status>`)
}
