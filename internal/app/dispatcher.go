// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/relabs-tech/accel_producer/internal/imu"
	"github.com/relabs-tech/accel_producer/internal/sensors"
)

// Sink consumes samples drained from the producer queue.
type Sink interface {
	Name() string
	Handle(s imu.AccelSample) error
}

// sinkWarnInterval limits how often a failing sink is logged.
const sinkWarnInterval = 5 * time.Second

// Dispatcher drains a SampleQueue and hands every sample to each sink in
// order. A failing sink does not stop the others.
type Dispatcher struct {
	queue *sensors.SampleQueue
	sinks []Sink
	clock clock.Clock
	log   *zap.SugaredLogger

	lastWarn map[string]time.Time
}

func NewDispatcher(q *sensors.SampleQueue, clk clock.Clock, log *zap.SugaredLogger, sinks ...Sink) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		queue:    q,
		sinks:    sinks,
		clock:    clk,
		log:      log,
		lastWarn: make(map[string]time.Time),
	}
}

// Run blocks until ctx is done. It returns nil on cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		s, err := d.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		d.dispatch(s)
	}
}

func (d *Dispatcher) dispatch(s imu.AccelSample) {
	for _, sink := range d.sinks {
		if err := sink.Handle(s); err != nil {
			d.warn(sink.Name(), err)
		}
	}
}

func (d *Dispatcher) warn(name string, err error) {
	now := d.clock.Now()
	if last, ok := d.lastWarn[name]; ok && now.Sub(last) < sinkWarnInterval {
		return
	}
	d.lastWarn[name] = now
	d.log.Warnf("dispatcher: %s: %v", name, err)
}

// LatestSample keeps the most recent sample for request/response readers.
type LatestSample struct {
	mu   sync.RWMutex
	s    imu.AccelSample
	have bool
}

func (l *LatestSample) Name() string { return "latest" }

func (l *LatestSample) Handle(s imu.AccelSample) error {
	l.mu.Lock()
	l.s = s
	l.have = true
	l.mu.Unlock()
	return nil
}

// Get returns the latest sample and whether one has been seen yet.
func (l *LatestSample) Get() (imu.AccelSample, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.s, l.have
}
