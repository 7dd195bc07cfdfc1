// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// SimBus is an in-memory I2C bus with a single simulated MPU6500 on it.
// The device powers up asleep and generates smooth changing acceleration
// (1g on Z plus slow oscillation on X and Y) once woken.
type SimBus struct {
	mu    sync.Mutex
	addr  uint16
	regs  [128]byte
	ptr   byte
	speed physic.Frequency

	clock clock.Clock
	start time.Time
	txs   int
}

func NewSimBus(addr uint16, clk clock.Clock) *SimBus {
	if clk == nil {
		clk = clock.New()
	}
	b := &SimBus{addr: addr, clock: clk, start: clk.Now()}
	b.powerOn()
	return b
}

// powerOn loads the power-on register values. Called with mu held or before
// the bus is shared.
func (b *SimBus) powerOn() {
	b.regs = [len(b.regs)]byte{}
	b.regs[RegPwrMgmt1] = pwrSleep
	b.regs[RegWhoAmI] = WhoAmIMPU6500
}

func (b *SimBus) String() string { return "sim-i2c" }

func (b *SimBus) SetSpeed(f physic.Frequency) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.speed = f
	return nil
}

// Tx writes w starting at the register addressed by w[0] and reads r from the
// current register pointer. Both auto-increment.
func (b *SimBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txs++
	if addr != b.addr {
		return fmt.Errorf("sim-i2c: no device at 0x%02X", addr)
	}
	if len(w) > 0 {
		b.ptr = w[0] & 0x7F
		for i, v := range w[1:] {
			reg := byte((int(b.ptr) + i) & 0x7F)
			if reg == RegPwrMgmt1 && v&pwrDeviceReset != 0 {
				b.powerOn()
				continue
			}
			b.regs[reg] = v
		}
	}
	if len(r) > 0 {
		b.sample()
		for i := range r {
			r[i] = b.regs[(int(b.ptr)+i)&0x7F]
		}
	}
	return nil
}

// Register returns the current content of reg.
func (b *SimBus) Register(reg byte) byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[reg&0x7F]
}

// Speed returns the last frequency set on the bus.
func (b *SimBus) Speed() physic.Frequency {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speed
}

// Transactions returns the number of Tx calls served.
func (b *SimBus) Transactions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txs
}

// sample refreshes the output registers. Called with mu held.
func (b *SimBus) sample() {
	var gx, gy, gz float64
	if b.regs[RegPwrMgmt1]&pwrSleep == 0 {
		t := b.clock.Since(b.start).Seconds()
		gx = 0.2 * math.Sin(t)
		gy = 0.1 * math.Cos(t*0.7)
		gz = 1.0
	}
	div := float64(AccelScale(b.regs[RegAccelConfig] & accelFSSelMask).Divisor())
	for i, g := range []float64{gx, gy, gz} {
		raw := uint16(toRaw(g * div))
		b.regs[int(RegAccelXoutH)+2*i] = byte(raw >> 8)
		b.regs[int(RegAccelXoutH)+2*i+1] = byte(raw)
	}
}

func toRaw(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

var _ i2c.Bus = (*SimBus)(nil)
