// Package main is the operator CLI: ask questions, build and inspect index
// snapshots, serve MCP over stdio.
package main

import (
	"os"

	"github.com/kirillkom/hybrid-rag/cmd/ragctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
