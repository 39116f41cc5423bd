// Package main is the entry point for the mux engine application.
package main

import (
	"os"

	"github.com/deflax/muxengine/cmd/muxengine/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
