package main

import (
	"fmt"
	"os"

	"github.com/smnsjas/go-winrmexec/cmd/winrm-exec/commands"
)

// Set via -ldflags at build time.
var version = "dev"

func main() {
	commands.Version = version
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
