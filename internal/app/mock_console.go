// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/accel_producer/internal/config"
	"github.com/relabs-tech/accel_producer/internal/imu"
	"github.com/relabs-tech/accel_producer/internal/sensors"
)

// consoleSink prints samples, one line each.
type consoleSink struct {
	out io.Writer
}

func (c *consoleSink) Name() string { return "console" }

func (c *consoleSink) Handle(s imu.AccelSample) error {
	_, err := fmt.Fprintln(c.out, formatConsoleLine(s))
	return err
}

// RunMockConsole runs the driver and producer against a simulated bus and
// prints every sample until ctx is done.
func RunMockConsole(ctx context.Context, cfg *config.Config, clk clock.Clock, out io.Writer, log *zap.SugaredLogger) error {
	if clk == nil {
		clk = clock.New()
	}
	bus := sensors.NewSimBus(cfg.I2CAddr, clk)
	dev, err := newDevice(ctx, bus, cfg, clk, log)
	if err != nil {
		return err
	}
	prod := sensors.NewProducer(dev, producerOpts(cfg, clk, log))
	disp := NewDispatcher(dev.Queue(), clk, log, &consoleSink{out: out})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return prod.Run(gctx) })
	g.Go(func() error { return disp.Run(gctx) })
	err = g.Wait()

	closeErr := dev.Close(context.Background())
	if errors.Is(closeErr, sensors.ErrClosed) {
		closeErr = nil
	}
	return multierr.Append(err, closeErr)
}
