// Command pacebot runs the paced conversational bot.
package main

import (
	"fmt"
	"os"

	"github.com/jholhewres/pacebot/cmd/pacebot/commands"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
