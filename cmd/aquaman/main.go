package main

import (
	"os"

	"github.com/majorcontext/aquaman/cmd/aquaman/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
