// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	DefaultPeriod         = 10 * time.Millisecond
	DefaultTelemetryEvery = 100
)

// ErrProducerRunning is returned by Run when the producer is already running.
var ErrProducerRunning = errors.New("mpu6500: producer already running")

type ProducerOpts struct {
	Period time.Duration

	// TelemetryEvery logs the axis values on the 1st, (N+1)th, (2N+1)th...
	// successful cycle. Zero disables the snapshot.
	TelemetryEvery uint64

	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

var DefaultProducerOpts = ProducerOpts{
	Period:         DefaultPeriod,
	TelemetryEvery: DefaultTelemetryEvery,
}

// ProducerStats counts producer cycles since start.
type ProducerStats struct {
	Cycles    uint64 `json:"cycles"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"` // queue full
	Failed    uint64 `json:"failed"`  // read errors and guard timeouts
}

// Producer reads the device once per period and offers each sample to the
// device queue.
type Producer struct {
	dev   *MPU6500
	opts  ProducerOpts
	clock clock.Clock
	log   *zap.SugaredLogger

	running   atomic.Bool
	cycles    atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	successes uint64 // owned by the Run goroutine
}

func NewProducer(dev *MPU6500, opts *ProducerOpts) *Producer {
	o := DefaultProducerOpts
	if opts != nil {
		o = *opts
	}
	if o.Period <= 0 {
		o.Period = DefaultPeriod
	}
	if o.Clock == nil {
		o.Clock = dev.clock
	}
	if o.Logger == nil {
		o.Logger = dev.log
	}
	return &Producer{dev: dev, opts: o, clock: o.Clock, log: o.Logger}
}

// Run executes acquisition cycles until ctx is done. Wake times are anchored
// to the start time: cycle n is scheduled at start + n*Period regardless of
// how long earlier cycles took. Returns nil on cancellation.
func (p *Producer) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrProducerRunning
	}
	defer p.running.Store(false)

	p.log.Infof("mpu6500: producer started, period %s", p.opts.Period)
	sched := newSchedule(p.clock.Now(), p.opts.Period)
	for {
		p.cycle(ctx)

		wait := sched.advance(p.clock.Now())
		if wait == 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		t := p.clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			p.log.Infof("mpu6500: producer stopped after %d cycles", p.cycles.Load())
			return nil
		case <-t.C:
		}
	}
}

func (p *Producer) cycle(ctx context.Context) {
	seq := p.cycles.Inc()

	s, err := p.dev.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.failed.Inc()
		p.log.Warnf("mpu6500: read error: %v", err)
		return
	}
	s.Seq = seq

	if p.dev.Queue().Offer(s) {
		p.published.Inc()
	} else {
		p.dropped.Inc()
	}

	if p.opts.TelemetryEvery > 0 && p.successes%p.opts.TelemetryEvery == 0 {
		p.log.Infof("mpu6500: acceleration: X=%.3f, Y=%.3f, Z=%.3f [g]", s.XG, s.YG, s.ZG)
	}
	p.successes++
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		Cycles:    p.cycles.Load(),
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
	}
}

// schedule tracks absolute wake deadlines for a fixed period loop.
type schedule struct {
	next   time.Time
	period time.Duration
}

func newSchedule(start time.Time, period time.Duration) *schedule {
	return &schedule{next: start, period: period}
}

// advance moves the deadline one period forward and returns the wait from
// now. A deadline already passed yields zero, and the following deadlines
// stay on the start-anchored grid.
func (s *schedule) advance(now time.Time) time.Duration {
	s.next = s.next.Add(s.period)
	if d := s.next.Sub(now); d > 0 {
		return d
	}
	return 0
}
