// Palantir is a multi-tenant HTTP-over-WebSocket tunnel broker: it forwards
// public HTTP requests over persistent agent connections to services on the
// user's own machine.
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
	configPath := flag.String("config", "configs/palantir.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("palantir", version)
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
