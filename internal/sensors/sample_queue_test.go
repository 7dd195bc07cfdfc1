// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relabs-tech/accel_producer/internal/imu"
)

func TestSampleQueue_dropOnFull(t *testing.T) {
	q := NewSampleQueue(DefaultQueueCapacity)
	for i := 1; i <= 10; i++ {
		if !q.Offer(imu.AccelSample{Seq: uint64(i)}) {
			t.Fatalf("offer #%d rejected", i)
		}
	}
	if q.Offer(imu.AccelSample{Seq: 11}) {
		t.Fatal("offer #11 accepted on a full queue")
	}
	if q.Len() != 10 || q.Cap() != 10 {
		t.Fatalf("Len()=%d Cap()=%d", q.Len(), q.Cap())
	}
	for i := 1; i <= 10; i++ {
		s, ok := q.TryReceive()
		if !ok {
			t.Fatalf("#%d: queue empty", i)
		}
		if s.Seq != uint64(i) {
			t.Fatalf("#%d: got seq %d", i, s.Seq)
		}
	}
	if _, ok := q.TryReceive(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestSampleQueue_defaultCapacity(t *testing.T) {
	if got := NewSampleQueue(0).Cap(); got != DefaultQueueCapacity {
		t.Fatalf("Cap() = %d", got)
	}
}

func TestSampleQueue_Receive(t *testing.T) {
	q := NewSampleQueue(2)
	go func() {
		time.Sleep(5 * time.Millisecond)
		q.Offer(imu.AccelSample{Seq: 7})
	}()
	s, err := q.Receive(context.Background())
	if err != nil || s.Seq != 7 {
		t.Fatalf("Receive() = %+v, %v", s, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Receive(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Receive() on canceled ctx = %v", err)
	}
}
