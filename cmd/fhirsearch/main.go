// Package main provides the entry point for the fhirsearch CLI.
package main

import (
	"os"

	"github.com/hcai-dev/fhirsearch/cmd/fhirsearch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
