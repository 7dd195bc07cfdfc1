// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/accel_producer/internal/config"
	"github.com/relabs-tech/accel_producer/internal/sensors"
)

// openBus returns the configured I2C bus, or a simulated one when
// USE_SIM_BUS is set.
func openBus(cfg *config.Config, clk clock.Clock) (i2c.Bus, error) {
	if cfg.UseSimBus {
		return sensors.NewSimBus(cfg.I2CAddr, clk), nil
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph: %w", err)
	}
	bus, err := i2creg.Open(cfg.I2CBus)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %q: %w", cfg.I2CBus, err)
	}
	return bus, nil
}

// newDevice initializes the accelerometer and applies ACCEL_RANGE.
func newDevice(ctx context.Context, bus i2c.Bus, cfg *config.Config, clk clock.Clock, log *zap.SugaredLogger) (*sensors.MPU6500, error) {
	dev, err := sensors.NewMPU6500(bus, &sensors.Opts{
		Addr:             cfg.I2CAddr,
		BusSpeed:         physic.Frequency(cfg.I2CSpeedKHz) * physic.KiloHertz,
		ReadTimeout:      cfg.ReadTimeout(),
		QueueCapacity:    cfg.QueueCapacity,
		ComputeMagnitude: cfg.ComputeMagnitude,
		LaxInit:          cfg.LaxInit,
		ExpectedWhoAmI:   cfg.ExpectedWhoAmI,
		Clock:            clk,
		Logger:           log,
	})
	if err != nil {
		return nil, err
	}
	scale, err := sensors.AccelScaleFromIndex(cfg.AccelRange)
	if err != nil {
		return nil, err
	}
	if scale != dev.Scale() {
		if err := dev.SetScale(ctx, scale); err != nil {
			return nil, multierr.Append(err, dev.Close(ctx))
		}
	}
	return dev, nil
}

func producerOpts(cfg *config.Config, clk clock.Clock, log *zap.SugaredLogger) *sensors.ProducerOpts {
	return &sensors.ProducerOpts{
		Period:         cfg.SamplePeriod(),
		TelemetryEvery: uint64(cfg.TelemetryEvery),
		Clock:          clk,
		Logger:         log,
	}
}

// RunAccelProducer samples the accelerometer at SAMPLE_PERIOD_MS and fans
// samples out to the enabled consumers until ctx is done.
func RunAccelProducer(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (err error) {
	clk := clock.New()

	bus, err := openBus(cfg, clk)
	if err != nil {
		return err
	}
	if c, ok := bus.(io.Closer); ok {
		defer func() { err = multierr.Append(err, c.Close()) }()
	}

	dev, err := newDevice(ctx, bus, cfg, clk, log)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := dev.Close(context.Background())
		if !errors.Is(closeErr, sensors.ErrClosed) {
			err = multierr.Append(err, closeErr)
		}
	}()

	prod := sensors.NewProducer(dev, producerOpts(cfg, clk, log))
	latest := &LatestSample{}
	sinks := []Sink{latest}

	if cfg.MQTTBroker != "" {
		client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDProducer)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		log.Infof("accel: connected to MQTT broker at %s", cfg.MQTTBroker)
		sinks = append(sinks, newMQTTSink(client, cfg.TopicAccel))
		if err := subscribeCommands(ctx, client, cfg, dev, log); err != nil {
			return err
		}
	}

	var hub *Hub
	if cfg.WebServerPort > 0 {
		hub = NewHub(log)
		sinks = append(sinks, hub)
	}

	if cfg.SerialForwardPort != "" {
		port, openErr := openSerialPort(cfg.SerialForwardPort, cfg.SerialForwardBaud)
		if openErr != nil {
			return openErr
		}
		defer func() { err = multierr.Append(err, port.Close()) }()
		log.Infof("accel: serial forwarder on %s at %d baud", cfg.SerialForwardPort, cfg.SerialForwardBaud)
		sinks = append(sinks, &serialSink{w: port})
	}

	disp := NewDispatcher(dev.Queue(), clk, log, sinks...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return prod.Run(gctx) })
	g.Go(func() error { return disp.Run(gctx) })

	if hub != nil {
		web := &webServer{
			dev:    dev,
			latest: latest,
			hub:    hub,
			stats: func() statsResponse {
				return statsResponse{ProducerStats: prod.Stats(), QueueLen: dev.Queue().Len(), QueueCap: dev.Queue().Cap()}
			},
			log: log,
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.WebServerPort),
			Handler:           web.routes(webAssets()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error { return serveHTTP(gctx, srv, log) })
	}

	if cfg.DisplayEnabled {
		panel, err := openDisplay(dev.SharedBus())
		if err != nil {
			// The sensor keeps running without the display.
			log.Warnf("display: %v", err)
		} else {
			interval := time.Duration(cfg.DisplayUpdateInterval) * time.Millisecond
			g.Go(func() error { return RunDisplay(gctx, panel, latest, interval, clk, log) })
		}
	}

	err = g.Wait()
	log.Infof("accel: stopped, %+v", prod.Stats())
	return err
}

func subscribeCommands(ctx context.Context, client mqtt.Client, cfg *config.Config, dev ScaleSetter, log *zap.SugaredLogger) error {
	if cfg.TopicAccelScale == "" {
		return nil
	}
	return subscribeScaleCommands(ctx, client, cfg.TopicAccelScale, dev, log)
}
