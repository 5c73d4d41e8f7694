package main

import (
	"os"

	"github.com/benmeehan/telemetry-ingest/cmd/ingest/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
