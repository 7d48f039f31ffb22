// Command leviathanctl is the operator CLI that maps one-to-one onto
// the control-plane API (spec §6.5).
package main

import (
	"os"

	"github.com/leviathan-agent/leviathan/internal/cli"
)

func main() {
	err := cli.Execute()
	os.Exit(cli.ExitCodeFor(err))
}
