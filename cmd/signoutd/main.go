package main

import (
	"os"

	"signout/cmd/signoutd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
