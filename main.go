/*
This is an example of application that will use the
engine package to test things out
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spaghettifunk/vesta/engine"
	"github.com/spaghettifunk/vesta/engine/config"
	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/testbed"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "vesta.toml", "path to the engine configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		core.LogFatal("failed to load configuration: %s", err)
	}
	core.SetLogLevel(cfg.Engine.LogLevel)

	tb := testbed.NewTestGame()

	e, err := engine.New(cfg, tb.Game)
	if err != nil {
		core.LogFatal("failed to create the engine: %s", err)
	}
	if err := e.Initialize(); err != nil {
		_ = e.Shutdown(context.Background())
		core.LogFatal("failed to initialize the engine: %s", err)
	}

	// cancel the run loop on system calls
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	runErr := e.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		core.LogError("shutdown: %s", err)
	}
	if runErr != nil {
		core.LogError("run: %s", runErr)
		stop()
		cancel()
		os.Exit(1)
	}
}
