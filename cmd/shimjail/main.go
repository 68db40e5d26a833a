package main

import (
	"fmt"
	"os"

	"github.com/coder/shimjail/cli"
)

// version is stamped by the release build:
// -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	cmd := cli.NewCommand(version)

	err := cmd.Invoke().WithOS().Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
