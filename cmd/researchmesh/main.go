// Command researchmesh runs multi-agent research sessions from a
// configuration file.
package main

import (
	"fmt"
	"os"

	"github.com/hupe1980/researchmesh/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
