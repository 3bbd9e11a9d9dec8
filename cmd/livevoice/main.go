// Command livevoice is a terminal voice chat with a Gemini Live model.
//
// Usage:
//
//	livevoice [flags] <command>
//
// Commands:
//
//	run       - start the console voice chat (default)
//	devices   - list audio devices
//	config    - validate or scaffold a configuration file
//	version   - print the build version
package main

import (
	"fmt"
	"os"

	"github.com/MrWong99/livevoice/cmd/livevoice/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "livevoice:", err)
		os.Exit(1)
	}
}
