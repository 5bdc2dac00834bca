// Command recurctl previews, validates and exports recurring payment rules
// and runs maintenance against the engine's store.
package main

import (
	"os"

	"github.com/warp/recurrence-engine/cli"
)

func main() {
	// cobra prints the error; usage output is silenced.
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
