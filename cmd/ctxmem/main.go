package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/fang"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if tryExternalCommand(ctx) {
		return
	}

	rootCmd := NewRootCmd(version)
	if err := fang.Execute(ctx, rootCmd); err != nil {
		os.Exit(1)
	}
}

func tryExternalCommand(ctx context.Context) bool {
	if len(os.Args) < 2 {
		return false
	}

	cmd := os.Args[1]
	if cmd == "" || cmd[0] == '-' {
		return false
	}
	if isBuiltin(cmd) {
		return false
	}

	p, err := lookupPlugin(cmd)
	if err != nil {
		return false
	}

	if err := p.run(ctx, os.Args[2:], version); err != nil {
		fmt.Fprintf(os.Stderr, "ctxmem %s: %v\n", cmd, err)
		os.Exit(1)
	}

	return true
}

func isBuiltin(name string) bool {
	for _, c := range NewRootCmd(version).Commands() {
		if c.Name() == name || c.HasAlias(name) {
			return true
		}
	}
	return false
}
