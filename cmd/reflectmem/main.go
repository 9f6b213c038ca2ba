// Package main is the entry point of the reflectmem CLI.
//
// Usage:
//
//	reflectmem [flags] <command> [subcommand] [args]
//
// Commands:
//
//	add       - Ingest a memory item
//	search    - Hybrid search over a tenant/project
//	reflect   - Run the reflection pipeline
//	decay     - Run the importance and edge decay cycle
//	snapshot  - Create, list and restore graph snapshots
//	jobs      - Show maintenance job descriptors
package main

import (
	"fmt"
	"os"

	"github.com/oceanbase/reflective-memory-go/cmd/reflectmem/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
