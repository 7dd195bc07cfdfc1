// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"fmt"
	"time"
)

// AccelSample represents a single accelerometer acquisition.
// It is a value type: every read produces a fresh one and the queue stores copies.
type AccelSample struct {
	Seq  uint64    `json:"seq"`  // producer cycle, 0 for one-shot reads
	Time time.Time `json:"time"` // acquisition time

	Ax int16 `json:"ax"` // raw, two's complement
	Ay int16 `json:"ay"`
	Az int16 `json:"az"`

	XG float32 `json:"x_g"` // g units, converted with the divisor active at read time
	YG float32 `json:"y_g"`
	ZG float32 `json:"z_g"`

	// Magnitude is only filled when the driver has magnitude computation enabled.
	Magnitude float32 `json:"magnitude,omitempty"`
	Scale     string  `json:"scale"` // "±2g", "±4g", ...
}

func (s AccelSample) String() string {
	return fmt.Sprintf("X=%.3f, Y=%.3f, Z=%.3f [g]", s.XG, s.YG, s.ZG)
}
