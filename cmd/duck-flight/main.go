// Package main is the entry point for the duck-flight CLI binary.
package main

import (
	"os"

	cli "duck-flight/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
