package main

import "github.com/mcdonaldj/epack/internal/cli"

// version is set via ldflags at build time: -ldflags "-X main.version=x.y.z"
var version = "dev"

func main() {
	// No args launches the TUI; "epack worker" serves the worker backend.
	cli.New(version).Run()
}
