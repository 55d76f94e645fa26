// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core

import (
	"context"
	"time"

	"github.com/juju/clock"
)

// NewTime creates a new time service
func NewTime(cfg TimeConfiguration, clk clock.Clock) *Time {
	var frame time.Duration
	if cfg.FramesPerSecond > 0 {
		frame = time.Second / time.Duration(cfg.FramesPerSecond)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Time{
		clock:         clk,
		fps:           cfg.FramesPerSecond,
		frameInterval: frame,
		pollInterval:  time.Duration(cfg.DataPollDelay) * time.Millisecond,
	}
}

// Time contains the clock and intervals driving render and data ticks
type Time struct {
	clock clock.Clock

	fps           int
	frameInterval time.Duration
	pollInterval  time.Duration
}

// Fps gets the set frames per second
func (t *Time) Fps() int {
	return t.fps
}

// Clock returns the clock ticks are measured with
func (t *Time) Clock() clock.Clock {
	return t.clock
}

// FrameInterval is the time between render ticks, zero when unlimited
func (t *Time) FrameInterval() time.Duration {
	return t.frameInterval
}

// PollInterval is the time between data ticks
func (t *Time) PollInterval() time.Duration {
	return t.pollInterval
}

// Frames calls frame once per frame interval until ctx is done or
// frame returns false.
func (t *Time) Frames(ctx context.Context, frame func() bool) {
	for {
		if !frame() {
			return
		}
		if t.frameInterval == 0 {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-t.clock.After(t.frameInterval):
		}
	}
}
