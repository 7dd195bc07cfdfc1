// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"

	"github.com/relabs-tech/accel_producer/internal/imu"
)

// panel is the drawing surface of an ssd1306.Dev.
type panel interface {
	Bounds() image.Rectangle
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
}

// openDisplay initializes the SSD1306 at its fixed address on bus. Pass the
// driver's SharedBus so display traffic is serialized with sensor reads.
// The guard is held per transaction and a frame is sent one page at a time,
// so a sensor read waits behind at most one page write (about 3 ms at 400 kHz).
func openDisplay(bus i2c.Bus) (*ssd1306.Dev, error) {
	opts := ssd1306.DefaultOpts
	dev, err := ssd1306.NewI2C(bus, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize display: %w", err)
	}
	return dev, nil
}

// RunDisplay redraws the latest sample every interval until ctx is done.
func RunDisplay(ctx context.Context, dev panel, latest *LatestSample, interval time.Duration, clk clock.Clock, log *zap.SugaredLogger) error {
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	if err := showSplash(dev); err != nil {
		log.Warnf("display: error showing splash: %v", err)
	}

	log.Infof("display: starting update loop, every %s", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		s, ok := latest.Get()
		if err := dev.Draw(dev.Bounds(), renderAccel(s, ok), image.Point{}); err != nil {
			log.Warnf("display: error updating display: %v", err)
		}
	}
}

func newFrame() (*image1bit.VerticalLSB, *font.Drawer) {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, 128, 64))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	return img, drawer
}

func renderAccel(s imu.AccelSample, haveData bool) *image1bit.VerticalLSB {
	img, drawer := newFrame()

	if !haveData {
		drawer.Dot = fixed.P(0, 26)
		drawer.DrawString("ACCEL")
		drawer.Dot = fixed.P(0, 39)
		drawer.DrawString("Waiting...")
		return img
	}

	drawer.Dot = fixed.P(0, 13)
	drawer.DrawString(fmt.Sprintf("X:%7.3f g", s.XG))
	drawer.Dot = fixed.P(0, 26)
	drawer.DrawString(fmt.Sprintf("Y:%7.3f g", s.YG))
	drawer.Dot = fixed.P(0, 39)
	drawer.DrawString(fmt.Sprintf("Z:%7.3f g", s.ZG))
	drawer.Dot = fixed.P(0, 52)
	drawer.DrawString(fmt.Sprintf("+/-%sg #%d", rangeLabel(s), s.Seq))
	return img
}

func showSplash(dev panel) error {
	img, drawer := newFrame()

	drawer.Dot = fixed.P(10, 26)
	drawer.DrawString("Accel Pi")

	drawer.Dot = fixed.P(5, 43)
	drawer.DrawString("MPU6500")

	return dev.Draw(dev.Bounds(), img, image.Point{})
}
