// Package main is the entry point for the Only1MCP aggregating proxy.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/doublegate/Only1MCP-sub001/cmd/vmcp/app"
	"github.com/doublegate/Only1MCP-sub001/pkg/logger"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/server"
)

func main() {
	logger.Initialize()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("fatal panic: %v", r)
			os.Exit(3)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("error executing command: %v", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a top-level command error to the exit code table (spec
// §6 "Exit codes"): 1 fatal startup error (config invalid, bind failed),
// 2 shutdown timeout (drain exceeded deadline).
func exitCodeFor(err error) int {
	if errors.Is(err, server.ErrDrainTimeout) {
		return 2
	}
	return 1
}
