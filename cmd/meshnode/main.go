package main

import (
	"os"

	"github.com/ZentaChain/zentalk-mesh/cmd/meshnode/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
