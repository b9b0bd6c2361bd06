package main

import (
	"fmt"
	"os"

	"github.com/m68k-tools/m68kdap/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
