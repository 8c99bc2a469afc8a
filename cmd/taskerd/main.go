// Command taskerd is the Tasker engine binary: serve runs the HTTP API plus
// the background coordinator/reenqueue loops, migrate applies pending
// Postgres migrations, and handlers list enumerates the registered handler
// classes. Subcommand layout is adapted from the teacher's single-binary
// services/orchestrator/main.go, split into one cobra command per file the
// way a multi-command CLI in this corpus (cklxx-elephant.ai's cmd/) does it.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
