package main

// ============================================================================
// beatdrop entry point: all logic lives in internal/cli
//
//   go run ./cmd/beatdrop run --metronome
//   go build -ldflags "-X main.version=1.2.0" -o bin/beatdrop ./cmd/beatdrop
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/beatdrop/internal/cli"
)

// version is injected at build time
var version = ""

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if version != "" {
		rootCmd.Version = version
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
