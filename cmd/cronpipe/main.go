package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cronpipe/internal/app"
	"cronpipe/internal/config"
)

const stopTimeout = 30 * time.Second

func main() {
	var (
		cfgPath string
		o       config.Overrides
	)
	flag.StringVar(&cfgPath, "config", "", "path to config file (json or yaml)")
	flag.StringVar(&o.Pipelines, "pipelines", "", "directory holding one sub-directory per pipeline")
	flag.IntVar(&o.Refresh, "refresh", 0, "catalog refresh interval in seconds")
	flag.StringVar(&o.LogLevel, "log", "", "log level (trace, debug, info, warn, error)")
	flag.StringVar(&o.StateDir, "state", "", "state store location (default <pipelines>/.state)")
	flag.Parse()

	badRefresh := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "refresh" && o.Refresh <= 0 {
			badRefresh = true
		}
	})
	if badRefresh {
		fmt.Fprintln(os.Stderr, "fatal: -refresh must be a positive number of seconds")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, o)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatal
		}
	}

	sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
	defer scancel()
	_ = a.Stop(sctx, reason)

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
