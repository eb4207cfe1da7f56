package main

import (
	"os"

	"github.com/corekeeper/ckcore/cmd/ckcore/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
