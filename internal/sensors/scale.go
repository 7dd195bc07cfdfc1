// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"
	"math"
)

// AccelScale is the ACCEL_FS_SEL bit pattern written to ACCEL_CONFIG.
type AccelScale byte

const (
	Scale2G  AccelScale = 0x00 // ±2g  | 16384 LSB/g
	Scale4G  AccelScale = 0x08 // ±4g  |  8192 LSB/g
	Scale8G  AccelScale = 0x10 // ±8g  |  4096 LSB/g
	Scale16G AccelScale = 0x18 // ±16g |  2048 LSB/g

	accelFSSelMask byte = 0x18
)

// Divisor returns the LSB per g for the scale.
// Unknown patterns fall back to the ±2g divisor.
func (s AccelScale) Divisor() float32 {
	switch s {
	case Scale4G:
		return 8192
	case Scale8G:
		return 4096
	case Scale16G:
		return 2048
	default:
		return 16384
	}
}

// RangeG returns the full scale range in g (2, 4, 8 or 16).
func (s AccelScale) RangeG() int {
	switch s {
	case Scale4G:
		return 4
	case Scale8G:
		return 8
	case Scale16G:
		return 16
	default:
		return 2
	}
}

// Valid reports whether s is one of the four enumerated settings.
func (s AccelScale) Valid() bool {
	switch s {
	case Scale2G, Scale4G, Scale8G, Scale16G:
		return true
	}
	return false
}

func (s AccelScale) String() string {
	if !s.Valid() {
		return fmt.Sprintf("AccelScale(0x%02X)", byte(s))
	}
	return fmt.Sprintf("±%dg", s.RangeG())
}

// AccelScaleFromIndex maps the configuration index 0-3 (0=±2g, 1=±4g, 2=±8g,
// 3=±16g) to a scale.
func AccelScaleFromIndex(i int) (AccelScale, error) {
	if i < 0 || i > 3 {
		return Scale2G, fmt.Errorf("accel range index must be 0-3 (0=±2g, 1=±4g, 2=±8g, 3=±16g), got %d", i)
	}
	return AccelScale(byte(i) << 3), nil
}

// AccelScaleFromRange maps a full scale range in g (2, 4, 8, 16) to a scale.
func AccelScaleFromRange(g int) (AccelScale, error) {
	switch g {
	case 2:
		return Scale2G, nil
	case 4:
		return Scale4G, nil
	case 8:
		return Scale8G, nil
	case 16:
		return Scale16G, nil
	}
	return Scale2G, fmt.Errorf("accel range must be 2, 4, 8 or 16 g, got %d", g)
}

// RawToG converts a raw reading to g units.
func RawToG(raw int16, divisor float32) float32 {
	return float32(raw) / divisor
}

// Magnitude returns the length of the acceleration vector.
func Magnitude(x, y, z float32) float32 {
	return float32(math.Sqrt(float64(x*x + y*y + z*z)))
}
