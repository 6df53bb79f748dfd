// Command fabric is the coordination fabric's CLI entry point: the
// Bus and Filesystem surfaces plus the Hub/Worker/Pane Bridge process
// commands, per spec §6.
package main

import "github.com/codex-teams/fabric/internal/cmd"

func main() {
	cmd.Execute()
}
