// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	"github.com/relabs-tech/accel_producer/internal/imu"
)

const (
	DefaultReadTimeout = 100 * time.Millisecond
	DefaultBusSpeed    = 400 * physic.KiloHertz
)

var (
	// ErrBusTimeout is returned when the bus guard could not be acquired in time.
	// No bus transaction was issued.
	ErrBusTimeout = errors.New("mpu6500: bus guard timeout")
	// ErrInit wraps failures during device initialization.
	ErrInit = errors.New("mpu6500: init failed")
	// ErrClosed is returned by operations on a closed device.
	ErrClosed = errors.New("mpu6500: device closed")
)

// Opts holds the configuration options.
type Opts struct {
	Addr        uint16
	BusSpeed    physic.Frequency
	ReadTimeout time.Duration

	QueueCapacity int

	// ComputeMagnitude fills AccelSample.Magnitude on every read.
	ComputeMagnitude bool

	// LaxInit logs wake/configure write failures instead of failing
	// construction. The device may then be left asleep or at an unknown scale.
	LaxInit bool

	// ExpectedWhoAmI, when non zero, makes init read WHO_AM_I and compare.
	ExpectedWhoAmI byte

	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Addr:          DefaultAddr,
	BusSpeed:      DefaultBusSpeed,
	ReadTimeout:   DefaultReadTimeout,
	QueueCapacity: DefaultQueueCapacity,
}

func (o *Opts) withDefaults() Opts {
	out := DefaultOpts
	if o != nil {
		out = *o
	}
	if out.Addr == 0 {
		out.Addr = DefaultAddr
	}
	if out.BusSpeed == 0 {
		out.BusSpeed = DefaultBusSpeed
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	if out.QueueCapacity <= 0 {
		out.QueueCapacity = DefaultQueueCapacity
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop().Sugar()
	}
	return out
}

// MPU6500 is a handle to an InvenSense MPU6500 accelerometer on an I2C bus.
//
// All register traffic goes through a bus guard. The handle also owns the
// sample queue filled by Producer.
type MPU6500 struct {
	bus   i2c.Bus
	dev   i2c.Dev
	opts  Opts
	clock clock.Clock
	log   *zap.SugaredLogger

	guard *busGuard
	queue *SampleQueue

	scale  atomic.Uint32 // AccelScale
	closed atomic.Bool
}

// NewMPU6500 initializes the device: bus speed, wake (PWR_MGMT_1=0) and
// ±2g (ACCEL_CONFIG=0). The guard is held for the whole sequence.
func NewMPU6500(bus i2c.Bus, opts *Opts) (*MPU6500, error) {
	o := opts.withDefaults()
	d := &MPU6500{
		bus:   bus,
		dev:   i2c.Dev{Bus: bus, Addr: o.Addr},
		opts:  o,
		clock: o.Clock,
		log:   o.Logger,
		guard: newBusGuard(o.Clock),
		queue: NewSampleQueue(o.QueueCapacity),
	}
	d.scale.Store(uint32(Scale2G))

	// Many host adapters take their speed from the device tree only.
	if err := bus.SetSpeed(o.BusSpeed); err != nil {
		d.log.Warnf("mpu6500: cannot set bus %s to %s: %v", bus, o.BusSpeed, err)
	}
	if p, ok := bus.(i2c.Pins); ok {
		d.log.Debugf("mpu6500: bus %s SCL=%s SDA=%s", bus, p.SCL(), p.SDA())
	}

	if err := d.guard.do(context.Background(), unbounded, d.init); err != nil {
		return nil, err
	}
	d.log.Infof("mpu6500: initialized at 0x%02X on %s (%s)", o.Addr, bus, d.Scale())
	return d, nil
}

// init must run with the guard held.
func (d *MPU6500) init() error {
	if d.opts.ExpectedWhoAmI != 0 {
		id, err := d.readReg(RegWhoAmI)
		if err != nil {
			return fmt.Errorf("%w: read WHO_AM_I: %w", ErrInit, err)
		}
		if id != d.opts.ExpectedWhoAmI {
			return fmt.Errorf("%w: WHO_AM_I 0x%02X, expected 0x%02X", ErrInit, id, d.opts.ExpectedWhoAmI)
		}
	}

	var errs error
	if err := d.writeReg(RegPwrMgmt1, pwrWake); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("wake: %w", err))
	}
	if err := d.writeReg(RegAccelConfig, byte(Scale2G)); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("configure %s: %w", Scale2G, err))
	}
	if errs == nil {
		return nil
	}
	if d.opts.LaxInit {
		for _, err := range multierr.Errors(errs) {
			d.log.Warnf("mpu6500: init: %v", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInit, errs)
}

// Read performs one acceleration acquisition.
//
// The guard wait is bounded by Opts.ReadTimeout; on timeout ErrBusTimeout is
// returned and no transaction is issued. The divisor is captured under the
// guard so a concurrent SetScale cannot mix scales within one sample.
func (d *MPU6500) Read(ctx context.Context) (imu.AccelSample, error) {
	if d.closed.Load() {
		return imu.AccelSample{}, ErrClosed
	}

	var (
		buf   [accelBlockLen]byte
		scale AccelScale
		at    time.Time
	)
	err := d.guard.do(ctx, d.opts.ReadTimeout, func() error {
		if err := d.readBlock(RegAccelXoutH, buf[:]); err != nil {
			return err
		}
		scale = d.Scale()
		at = d.clock.Now()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrBusTimeout) {
			return imu.AccelSample{}, err
		}
		return imu.AccelSample{}, fmt.Errorf("mpu6500: read accel: %w", err)
	}
	return d.convert(buf, scale, at), nil
}

func (d *MPU6500) convert(buf [accelBlockLen]byte, scale AccelScale, at time.Time) imu.AccelSample {
	ax, ay, az := decodeAccel(buf)
	div := scale.Divisor()
	s := imu.AccelSample{
		Time:  at,
		Ax:    ax,
		Ay:    ay,
		Az:    az,
		XG:    RawToG(ax, div),
		YG:    RawToG(ay, div),
		ZG:    RawToG(az, div),
		Scale: scale.String(),
	}
	if d.opts.ComputeMagnitude {
		s.Magnitude = Magnitude(s.XG, s.YG, s.ZG)
	}
	return s
}

// decodeAccel combines high and low bytes into signed 16-bit values.
func decodeAccel(b [accelBlockLen]byte) (x, y, z int16) {
	return int16(binary.BigEndian.Uint16(b[0:2])),
		int16(binary.BigEndian.Uint16(b[2:4])),
		int16(binary.BigEndian.Uint16(b[4:6]))
}

// SetScale writes ACCEL_FS_SEL. The divisor used by Read only changes when
// the write succeeds. Waits for the guard without a deadline.
func (d *MPU6500) SetScale(ctx context.Context, s AccelScale) error {
	if !s.Valid() {
		return fmt.Errorf("mpu6500: invalid accel scale 0x%02X", byte(s))
	}
	if d.closed.Load() {
		return ErrClosed
	}
	return d.guard.do(ctx, unbounded, func() error {
		if err := d.writeReg(RegAccelConfig, byte(s)); err != nil {
			return fmt.Errorf("mpu6500: set scale %s: %w", s, err)
		}
		d.scale.Store(uint32(s))
		d.log.Infof("mpu6500: accel scale set to %s", s)
		return nil
	})
}

// Scale returns the scale last written successfully.
func (d *MPU6500) Scale() AccelScale {
	return AccelScale(d.scale.Load())
}

// Queue returns the sample queue filled by the producer.
func (d *MPU6500) Queue() *SampleQueue {
	return d.queue
}

// ReadRegister reads one register, bounded by the read timeout.
func (d *MPU6500) ReadRegister(ctx context.Context, reg byte) (byte, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	var v byte
	err := d.guard.do(ctx, d.opts.ReadTimeout, func() error {
		var err error
		v, err = d.readReg(reg)
		return err
	})
	return v, err
}

// WriteRegister writes one register, bounded by the read timeout.
// The conversion divisor follows the device: an ACCEL_CONFIG write stores its
// FS_SEL bits whatever the self-test bits are, and a PWR_MGMT_1 write with
// DEVICE_RESET set returns it to ±2g.
func (d *MPU6500) WriteRegister(ctx context.Context, reg, value byte) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.guard.do(ctx, d.opts.ReadTimeout, func() error {
		if err := d.writeReg(reg, value); err != nil {
			return err
		}
		switch {
		case reg == RegAccelConfig:
			s := AccelScale(value & accelFSSelMask)
			d.scale.Store(uint32(s))
			d.log.Infof("mpu6500: accel scale set to %s", s)
		case reg == RegPwrMgmt1 && value&pwrDeviceReset != 0:
			d.scale.Store(uint32(Scale2G))
			d.log.Warnf("mpu6500: device reset, accel scale back to %s", Scale2G)
		}
		return nil
	})
}

// SharedBus returns a view of the bus for other peripherals on the same wire.
// Their transactions wait for the guard like the accelerometer's own.
func (d *MPU6500) SharedBus() i2c.Bus {
	return &guardedBus{bus: d.bus, guard: d.guard}
}

// Close puts the device to sleep. Further calls return ErrClosed.
func (d *MPU6500) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return d.guard.do(ctx, unbounded, func() error {
		if err := d.writeReg(RegPwrMgmt1, pwrSleep); err != nil {
			return fmt.Errorf("mpu6500: sleep: %w", err)
		}
		return nil
	})
}

func (d *MPU6500) String() string {
	return fmt.Sprintf("MPU6500{%s, addr=0x%02X, scale=%s}", d.bus, d.opts.Addr, d.Scale())
}

// Register access. Callers hold the guard.

func (d *MPU6500) writeReg(reg, value byte) error {
	return d.dev.Tx([]byte{reg, value}, nil)
}

func (d *MPU6500) readReg(reg byte) (byte, error) {
	var v [1]byte
	if err := d.readBlock(reg, v[:]); err != nil {
		return 0, err
	}
	return v[0], nil
}

// readBlock writes the register address and reads len(buf) consecutive bytes
// in one write-then-read transaction (repeated start, no stop in between).
func (d *MPU6500) readBlock(reg byte, buf []byte) error {
	if err := d.dev.Tx([]byte{reg}, buf); err != nil {
		return fmt.Errorf("read 0x%02X: %w", reg, err)
	}
	return nil
}
