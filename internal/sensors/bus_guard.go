// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// unbounded waits for the guard without a deadline.
const unbounded time.Duration = -1

// busGuard gives one caller at a time exclusive use of the I2C bus.
// Acquisition is bounded by a timeout measured on the injected clock.
type busGuard struct {
	sem   *semaphore.Weighted
	clock clock.Clock
}

func newBusGuard(clk clock.Clock) *busGuard {
	return &busGuard{sem: semaphore.NewWeighted(1), clock: clk}
}

// acquire blocks until the bus is free, timeout elapses or ctx is done.
// A negative timeout waits indefinitely.
func (g *busGuard) acquire(ctx context.Context, timeout time.Duration) bool {
	if timeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = g.clock.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return g.sem.Acquire(ctx, 1) == nil
}

func (g *busGuard) release() {
	g.sem.Release(1)
}

// do runs fn while holding the guard. The guard is released on every path out of fn.
func (g *busGuard) do(ctx context.Context, timeout time.Duration, fn func() error) error {
	if !g.acquire(ctx, timeout) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrBusTimeout
	}
	defer g.release()
	return fn()
}

// guardedBus is an i2c.Bus whose transactions hold the guard, so other
// devices on the same wire never interleave with the accelerometer.
type guardedBus struct {
	bus   i2c.Bus
	guard *busGuard
}

func (b *guardedBus) String() string {
	return b.bus.String()
}

func (b *guardedBus) Tx(addr uint16, w, r []byte) error {
	return b.guard.do(context.Background(), unbounded, func() error {
		return b.bus.Tx(addr, w, r)
	})
}

func (b *guardedBus) SetSpeed(f physic.Frequency) error {
	return b.guard.do(context.Background(), unbounded, func() error {
		return b.bus.SetSpeed(f)
	})
}

var _ i2c.Bus = (*guardedBus)(nil)
