// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"

	"github.com/relabs-tech/accel_producer/internal/imu"
)

// DefaultQueueCapacity is the number of samples buffered between the producer
// and its consumers.
const DefaultQueueCapacity = 10

// SampleQueue is a bounded FIFO of accelerometer samples.
// Offer never blocks: when the queue is full the new sample is dropped and the
// queued ones are kept.
type SampleQueue struct {
	ch chan imu.AccelSample
}

func NewSampleQueue(capacity int) *SampleQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &SampleQueue{ch: make(chan imu.AccelSample, capacity)}
}

// Offer enqueues s and reports whether it was accepted.
func (q *SampleQueue) Offer(s imu.AccelSample) bool {
	select {
	case q.ch <- s:
		return true
	default:
		return false
	}
}

// Receive waits for the oldest sample or for ctx to be done.
func (q *SampleQueue) Receive(ctx context.Context) (imu.AccelSample, error) {
	select {
	case s := <-q.ch:
		return s, nil
	case <-ctx.Done():
		return imu.AccelSample{}, ctx.Err()
	}
}

// TryReceive returns the oldest sample without waiting.
func (q *SampleQueue) TryReceive() (imu.AccelSample, bool) {
	select {
	case s := <-q.ch:
		return s, true
	default:
		return imu.AccelSample{}, false
	}
}

// C exposes the receive side for select loops.
func (q *SampleQueue) C() <-chan imu.AccelSample { return q.ch }

func (q *SampleQueue) Len() int { return len(q.ch) }
func (q *SampleQueue) Cap() int { return cap(q.ch) }
