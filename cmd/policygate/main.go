package main

import (
	"os"

	"github.com/aporthq/mcp-policy-gate-go/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
