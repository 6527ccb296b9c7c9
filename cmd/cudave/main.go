package main

import (
	"os"

	"github.com/xupit3r/cudave/cmd/cudave/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
