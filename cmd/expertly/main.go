// Command expertly is the terminal client for the expertly backend.
package main

import (
	"fmt"
	"os"

	"github.com/pliu/expertly/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
