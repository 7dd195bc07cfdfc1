// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/accel_producer/internal/app"
	"github.com/relabs-tech/accel_producer/internal/config"
	"github.com/relabs-tech/accel_producer/internal/logging"
)

func main() {
	configPath := flag.String("config", "accel_config.txt", "path to the configuration file")
	flag.Parse()

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

	logger, err := logging.New("producer", cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting MPU6500 accelerometer producer")
	if err := app.RunAccelProducer(ctx, cfg, logger); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}
