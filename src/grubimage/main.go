// grubimage builds kernel projects into bootable disk images.
// It is installed as cargo-grubimage to also serve as a cargo subcommand.
package main

import (
	"os"

	"github.com/bitswalk/grubimage/src/grubimage/core"
)

func main() {
	os.Exit(core.Execute(os.Args))
}
