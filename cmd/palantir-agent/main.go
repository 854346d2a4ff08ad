// Palantir-agent is the desktop tunnel client: it keeps an authenticated
// WebSocket open to the broker and proxies tunneled requests to a local
// HTTP service.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	tunnel "github.com/eugener/palantir/internal"
)

var version = "dev"

// Exit codes: 0 success, 1 generic failure, 2 configuration error,
// 3 authentication error, 4 network error.
func main() {
	configPath := flag.String("config", "configs/palantir-agent.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("palantir-agent", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var te *tunnel.Error
	if !errors.As(err, &te) {
		return 1
	}
	switch te.Category() {
	case tunnel.CategoryConfiguration:
		return 2
	case tunnel.CategoryAuth:
		return 3
	case tunnel.CategoryNetwork:
		return 4
	default:
		return 1
	}
}
