// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

// runHealthcheckCLI probes a running daemon's /healthz endpoint. Used as
// a container healthcheck so images need no curl.
func runHealthcheckCLI(args []string) int {
	fs := flag.NewFlagSet("healthcheck", flag.ExitOnError)
	addr := fs.String("addr", "localhost:8090", "host:port of the daemon")
	timeout := fs.Duration("timeout", 5*time.Second, "check timeout")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "parse healthcheck flags: %v\n", err)
		return 1
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(fmt.Sprintf("http://%s/healthz", *addr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "healthcheck failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Println("ok")
	return 0
}
