// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2ctest"

	"github.com/relabs-tech/accel_producer/internal/imu"
)

// initOps is the transaction sequence of a default initialization.
var initOps = []i2ctest.IO{
	{Addr: 0x68, W: []byte{0x6B, 0x00}},
	{Addr: 0x68, W: []byte{0x1C, 0x00}},
}

func playback(ops ...i2ctest.IO) *i2ctest.Playback {
	return &i2ctest.Playback{Ops: append(append([]i2ctest.IO{}, initOps...), ops...), DontPanic: true}
}

var ignoreTime = cmpopts.IgnoreFields(imu.AccelSample{}, "Time")

func TestNewMPU6500_init(t *testing.T) {
	bus := playback()
	d, err := NewMPU6500(bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if got := d.Scale(); got != Scale2G {
		t.Errorf("Scale() = %s", got)
	}
	if got := d.Queue(); got == nil || got.Cap() != DefaultQueueCapacity || got.Len() != 0 {
		t.Errorf("Queue() = %v", got)
	}
	if s := d.String(); s != "MPU6500{playback, addr=0x68, scale=±2g}" {
		t.Errorf("String() = %q", s)
	}
}

func TestNewMPU6500_whoAmI(t *testing.T) {
	opts := DefaultOpts
	opts.ExpectedWhoAmI = WhoAmIMPU6500

	bus := &i2ctest.Playback{Ops: append([]i2ctest.IO{{Addr: 0x68, W: []byte{0x75}, R: []byte{0x70}}}, initOps...), DontPanic: true}
	if _, err := NewMPU6500(bus, &opts); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}

	bus = &i2ctest.Playback{Ops: []i2ctest.IO{{Addr: 0x68, W: []byte{0x75}, R: []byte{0x71}}}, DontPanic: true}
	if _, err := NewMPU6500(bus, &opts); !errors.Is(err, ErrInit) {
		t.Fatalf("expected ErrInit, got %v", err)
	}
}

func TestNewMPU6500_alternateAddr(t *testing.T) {
	opts := DefaultOpts
	opts.Addr = AlternateAddr
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{
		{Addr: 0x69, W: []byte{0x6B, 0x00}},
		{Addr: 0x69, W: []byte{0x1C, 0x00}},
		{Addr: 0x69, W: []byte{0x3B}, R: make([]byte, 6)},
	}, DontPanic: true}
	d, err := NewMPU6500(bus, &opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Read(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewMPU6500_strictInit(t *testing.T) {
	bus := &faultyBus{Bus: NewSimBus(DefaultAddr, nil), failWrite: map[byte]error{RegPwrMgmt1: errNack}}
	_, err := NewMPU6500(bus, nil)
	if !errors.Is(err, ErrInit) || !errors.Is(err, errNack) {
		t.Fatalf("expected ErrInit wrapping errNack, got %v", err)
	}
}

func TestNewMPU6500_laxInit(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sim := NewSimBus(DefaultAddr, nil)
	bus := &faultyBus{Bus: sim, failWrite: map[byte]error{RegPwrMgmt1: errNack}}

	opts := DefaultOpts
	opts.LaxInit = true
	opts.Logger = zap.New(core).Sugar()
	if _, err := NewMPU6500(bus, &opts); err != nil {
		t.Fatal(err)
	}
	if logs.FilterMessageSnippet("wake").Len() != 1 {
		t.Errorf("expected one wake warning, got %v", logs.All())
	}
	if got := sim.Register(RegPwrMgmt1); got != pwrSleep {
		t.Errorf("device should still be asleep, PWR_MGMT_1=0x%02X", got)
	}
}

func TestMPU6500_Read(t *testing.T) {
	// ±2g: raw (4096, 0, -8192) -> (0.25, 0, -0.5).
	bus := playback(i2ctest.IO{Addr: 0x68, W: []byte{0x3B}, R: []byte{0x10, 0x00, 0x00, 0x00, 0xE0, 0x00}})
	d, err := NewMPU6500(bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := d.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := imu.AccelSample{Ax: 4096, Ay: 0, Az: -8192, XG: 0.25, YG: 0, ZG: -0.5, Scale: "±2g"}
	if diff := cmp.Diff(want, got, ignoreTime); diff != "" {
		t.Fatalf("Read() mismatch (-want +got):\n%s", diff)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if d.Queue().Len() != 0 {
		t.Fatal("Read() must not publish to the queue")
	}
}

func TestMPU6500_SetScale(t *testing.T) {
	bus := playback(
		i2ctest.IO{Addr: 0x68, W: []byte{0x3B}, R: []byte{0x20, 0x00, 0x00, 0x00, 0x00, 0x00}},
		i2ctest.IO{Addr: 0x68, W: []byte{0x1C, 0x10}},
		i2ctest.IO{Addr: 0x68, W: []byte{0x3B}, R: []byte{0x20, 0x00, 0x00, 0x00, 0x00, 0x00}},
	)
	d, err := NewMPU6500(bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	before, err := d.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if before.XG != 0.5 {
		t.Fatalf("±2g: XG = %v", before.XG)
	}

	if err := d.SetScale(context.Background(), Scale8G); err != nil {
		t.Fatal(err)
	}
	if d.Scale() != Scale8G {
		t.Fatalf("Scale() = %s", d.Scale())
	}
	after, err := d.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if after.XG != 2.0 || after.Scale != "±8g" {
		t.Fatalf("±8g: got %+v", after)
	}
	if before.XG != 0.5 || before.Scale != "±2g" {
		t.Fatalf("earlier sample changed: %+v", before)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMPU6500_SetScale_writeFailure(t *testing.T) {
	bus := &faultyBus{Bus: NewSimBus(DefaultAddr, nil)}
	d, err := NewMPU6500(bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	bus.setWriteFault(RegAccelConfig, errNack)
	if err := d.SetScale(context.Background(), Scale16G); !errors.Is(err, errNack) {
		t.Fatalf("SetScale() = %v", err)
	}
	if d.Scale() != Scale2G {
		t.Fatalf("divisor changed after a failed write: %s", d.Scale())
	}
	if err := d.SetScale(context.Background(), AccelScale(0x01)); err == nil {
		t.Fatal("invalid scale accepted")
	}
}

func TestMPU6500_Read_transportFailure(t *testing.T) {
	bus := &faultyBus{Bus: NewSimBus(DefaultAddr, nil)}
	d, err := NewMPU6500(bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	bus.setReadFault(errNack)
	if _, err := d.Read(context.Background()); !errors.Is(err, errNack) {
		t.Fatalf("Read() = %v", err)
	}
	bus.setReadFault(nil)
	// The guard was released on the failure path.
	if _, err := d.Read(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestMPU6500_Read_guardTimeout(t *testing.T) {
	sim := NewSimBus(DefaultAddr, nil)
	opts := DefaultOpts
	opts.ReadTimeout = 20 * time.Millisecond
	d, err := NewMPU6500(sim, &opts)
	if err != nil {
		t.Fatal(err)
	}

	if !d.guard.acquire(context.Background(), unbounded) {
		t.Fatal("cannot take the guard")
	}
	txs := sim.Transactions()
	start := time.Now()
	if _, err := d.Read(context.Background()); !errors.Is(err, ErrBusTimeout) {
		t.Fatalf("Read() = %v, want ErrBusTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < opts.ReadTimeout {
		t.Errorf("Read() gave up after %s", elapsed)
	}
	if got := sim.Transactions(); got != txs {
		t.Fatalf("%d transactions issued while the guard was held", got-txs)
	}
	d.guard.release()

	if _, err := d.Read(context.Background()); err != nil {
		t.Fatalf("Read() after release = %v", err)
	}
}

func TestMPU6500_Read_mockClockTimeout(t *testing.T) {
	clk := clock.NewMock()
	opts := DefaultOpts
	opts.Clock = clk
	d, err := NewMPU6500(NewSimBus(DefaultAddr, clk), &opts)
	if err != nil {
		t.Fatal(err)
	}
	d.guard.acquire(context.Background(), unbounded)
	defer d.guard.release()

	done := make(chan error, 1)
	go func() {
		_, err := d.Read(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("Read() returned before the timeout: %v", err)
	case <-time.After(10 * time.Millisecond):
	}
	clk.Add(DefaultReadTimeout)
	select {
	case err := <-done:
		if !errors.Is(err, ErrBusTimeout) {
			t.Fatalf("Read() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read() did not time out")
	}
}

func TestMPU6500_Read_canceled(t *testing.T) {
	d, err := NewMPU6500(NewSimBus(DefaultAddr, nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	d.guard.acquire(context.Background(), unbounded)
	defer d.guard.release()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Read(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Read() = %v", err)
	}
}

func TestMPU6500_Read_magnitude(t *testing.T) {
	opts := DefaultOpts
	opts.ComputeMagnitude = true
	bus := playback(i2ctest.IO{Addr: 0x68, W: []byte{0x3B}, R: []byte{0x30, 0x00, 0x40, 0x00, 0x00, 0x00}})
	d, err := NewMPU6500(bus, &opts)
	if err != nil {
		t.Fatal(err)
	}
	s, err := d.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.XG != 0.75 || s.YG != 1 || s.Magnitude != 1.25 {
		t.Fatalf("got %+v", s)
	}
}

func TestMPU6500_exclusiveAccess(t *testing.T) {
	bus := &exclusiveBus{Bus: NewSimBus(DefaultAddr, nil)}
	d, err := NewMPU6500(bus, nil)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if g == 0 && i%5 == 0 {
					if err := d.SetScale(context.Background(), AccelScale(byte(i/5%4)<<3)); err != nil {
						errs <- err
						return
					}
					continue
				}
				if _, err := d.Read(context.Background()); err != nil {
					errs <- err
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if got := bus.maxInFlight(); got != 1 {
		t.Fatalf("%d concurrent transactions observed", got)
	}
}

func TestMPU6500_registers(t *testing.T) {
	sim := NewSimBus(DefaultAddr, nil)
	d, err := NewMPU6500(sim, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id, err := d.ReadRegister(ctx, RegWhoAmI)
	if err != nil || id != WhoAmIMPU6500 {
		t.Fatalf("ReadRegister(WHO_AM_I) = 0x%02X, %v", id, err)
	}
	if err := d.WriteRegister(ctx, RegAccelConfig2, 0x05); err != nil {
		t.Fatal(err)
	}
	if got := sim.Register(RegAccelConfig2); got != 0x05 {
		t.Fatalf("ACCEL_CONFIG2 = 0x%02X", got)
	}
	// ACCEL_CONFIG writes keep the driver's divisor in sync.
	if err := d.WriteRegister(ctx, RegAccelConfig, byte(Scale16G)); err != nil {
		t.Fatal(err)
	}
	if d.Scale() != Scale16G {
		t.Fatalf("Scale() = %s", d.Scale())
	}
}

func TestMPU6500_WriteRegister_accelConfigSelfTest(t *testing.T) {
	sim := NewSimBus(DefaultAddr, clock.NewMock())
	d, err := NewMPU6500(sim, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	// XA_ST|YA_ST|ZA_ST with FS_SEL=±4g.
	if err := d.WriteRegister(ctx, RegAccelConfig, 0xE8); err != nil {
		t.Fatal(err)
	}
	if got := sim.Register(RegAccelConfig); got != 0xE8 {
		t.Fatalf("ACCEL_CONFIG = 0x%02X", got)
	}
	if d.Scale() != Scale4G {
		t.Fatalf("Scale() = %s, want %s", d.Scale(), Scale4G)
	}
	s, err := d.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Az != 8192 || s.ZG != 1 || s.Scale != "±4g" {
		t.Fatalf("Read() = %+v", s)
	}
}

func TestMPU6500_WriteRegister_deviceReset(t *testing.T) {
	sim := NewSimBus(DefaultAddr, clock.NewMock())
	d, err := NewMPU6500(sim, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := d.SetScale(ctx, Scale8G); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteRegister(ctx, RegPwrMgmt1, 0x80); err != nil {
		t.Fatal(err)
	}
	if d.Scale() != Scale2G {
		t.Fatalf("Scale() after reset = %s, want %s", d.Scale(), Scale2G)
	}
	if got := sim.Register(RegAccelConfig); got != 0x00 {
		t.Fatalf("ACCEL_CONFIG after reset = 0x%02X", got)
	}
	if err := d.WriteRegister(ctx, RegPwrMgmt1, pwrWake); err != nil {
		t.Fatal(err)
	}
	s, err := d.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Az != 16384 || s.ZG != 1 || s.Scale != "±2g" {
		t.Fatalf("Read() = %+v", s)
	}
}

func TestMPU6500_WriteRegister_failureKeepsScale(t *testing.T) {
	bus := &faultyBus{Bus: NewSimBus(DefaultAddr, nil)}
	d, err := NewMPU6500(bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	bus.setWriteFault(RegAccelConfig, errNack)
	if err := d.WriteRegister(context.Background(), RegAccelConfig, 0xF8); !errors.Is(err, errNack) {
		t.Fatalf("WriteRegister() = %v", err)
	}
	if d.Scale() != Scale2G {
		t.Fatalf("divisor changed after a failed write: %s", d.Scale())
	}
}

func TestMPU6500_SharedBus(t *testing.T) {
	sim := NewSimBus(DefaultAddr, nil)
	d, err := NewMPU6500(sim, nil)
	if err != nil {
		t.Fatal(err)
	}
	shared := d.SharedBus()
	if shared.String() != "sim-i2c" {
		t.Fatalf("String() = %q", shared.String())
	}

	d.guard.acquire(context.Background(), unbounded)
	done := make(chan error, 1)
	go func() {
		var id [1]byte
		done <- shared.Tx(DefaultAddr, []byte{RegWhoAmI}, id[:])
	}()
	select {
	case err := <-done:
		t.Fatalf("shared Tx ran while the guard was held: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	d.guard.release()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

// pagedBus parks every transaction to the display address until released,
// like an SSD1306 page write in flight.
type pagedBus struct {
	i2c.Bus
	inTx    chan struct{}
	proceed chan struct{}
}

func (p *pagedBus) Tx(addr uint16, w, r []byte) error {
	if addr != 0x3C {
		return p.Bus.Tx(addr, w, r)
	}
	p.inTx <- struct{}{}
	<-p.proceed
	return nil
}

func TestMPU6500_SharedBus_readBetweenPages(t *testing.T) {
	bus := &pagedBus{Bus: NewSimBus(DefaultAddr, nil), inTx: make(chan struct{}), proceed: make(chan struct{})}
	d, err := NewMPU6500(bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	shared := d.SharedBus()

	const pages = 8
	frameDone := make(chan error, 1)
	go func() {
		for page := 0; page < pages; page++ {
			if err := shared.Tx(0x3C, []byte{0x40, byte(page)}, nil); err != nil {
				frameDone <- err
				return
			}
		}
		frameDone <- nil
	}()

	<-bus.inTx
	readDone := make(chan error, 1)
	go func() {
		_, err := d.Read(context.Background())
		readDone <- err
	}()
	select {
	case err := <-readDone:
		t.Fatalf("Read ran during a page write: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	bus.proceed <- struct{}{}

	// The read is queued ahead of the next page.
	select {
	case err := <-readDone:
		if err != nil {
			t.Fatalf("Read() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read waited for the whole frame")
	}
	for page := 1; page < pages; page++ {
		<-bus.inTx
		bus.proceed <- struct{}{}
	}
	if err := <-frameDone; err != nil {
		t.Fatal(err)
	}
}

func TestMPU6500_Close(t *testing.T) {
	sim := NewSimBus(DefaultAddr, nil)
	d, err := NewMPU6500(sim, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := sim.Register(RegPwrMgmt1); got != pwrWake {
		t.Fatalf("PWR_MGMT_1 after init = 0x%02X", got)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := sim.Register(RegPwrMgmt1); got != pwrSleep {
		t.Fatalf("PWR_MGMT_1 after Close = 0x%02X", got)
	}
	if err := d.Close(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close() = %v", err)
	}
	if _, err := d.Read(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Read() after Close = %v", err)
	}
	if err := d.SetScale(context.Background(), Scale4G); !errors.Is(err, ErrClosed) {
		t.Fatalf("SetScale() after Close = %v", err)
	}
}

//

var errNack = errors.New("i2c: nack")

// faultyBus injects transport errors into an underlying bus.
type faultyBus struct {
	i2c.Bus
	mu        sync.Mutex
	failWrite map[byte]error // keyed by register
	failRead  error
}

func (f *faultyBus) setWriteFault(reg byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite == nil {
		f.failWrite = map[byte]error{}
	}
	f.failWrite[reg] = err
}

func (f *faultyBus) setReadFault(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRead = err
}

func (f *faultyBus) Tx(addr uint16, w, r []byte) error {
	f.mu.Lock()
	var err error
	switch {
	case len(r) > 0:
		err = f.failRead
	case len(w) > 1:
		err = f.failWrite[w[0]]
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Bus.Tx(addr, w, r)
}

// exclusiveBus records the maximum number of overlapping transactions.
type exclusiveBus struct {
	i2c.Bus
	mu       sync.Mutex
	inFlight int
	max      int
}

func (e *exclusiveBus) Tx(addr uint16, w, r []byte) error {
	e.mu.Lock()
	e.inFlight++
	if e.inFlight > e.max {
		e.max = e.inFlight
	}
	e.mu.Unlock()

	time.Sleep(100 * time.Microsecond)
	err := e.Bus.Tx(addr, w, r)

	e.mu.Lock()
	e.inFlight--
	e.mu.Unlock()
	return err
}

func (e *exclusiveBus) maxInFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.max
}
