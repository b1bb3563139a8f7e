package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/drovermedia/drover/internal"
	"github.com/drovermedia/drover/pkg/logger"
)

var log = logger.Get("Main")

// main() is the entry point to the program: load the user configuration,
// construct the coordinator, and run it until interrupted.
func main() {
	configPath := flag.String("config", "drover.yaml", "path to the YAML configuration file")
	logLevel := flag.Int("log-level", 0, "minimum logging verbosity (0=verbose .. 3=error)")
	flag.Parse()

	logger.SetMinLoggingLevel(*logLevel)

	config := internal.DroverConfig{}
	if err := config.LoadFromFile(*configPath); err != nil {
		log.Fatalf("Failed to load configuration: %v\n", err)
	}

	drover, err := internal.New(config)
	if err != nil {
		log.Fatalf("Failed to initialise Drover - %v\n", err.Error())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := drover.Run(ctx); err != nil {
		log.Fatalf("Drover stopped with error: %v\n", err)
	}
}
