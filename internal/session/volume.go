package session

import (
	"sync"
	"time"
)

// DefaultVolumeInterval is the sampling period of a [VolumeMonitor] (20 Hz).
const DefaultVolumeInterval = 50 * time.Millisecond

// LevelSource reports an instantaneous loudness estimate. The capture handle
// satisfies it.
type LevelSource interface {
	Level() float64
}

// VolumeMonitor samples a [LevelSource] on a fixed interval and publishes the
// clamped level. It keeps no state across Start/Stop cycles.
type VolumeMonitor struct {
	src      LevelSource
	interval time.Duration
	publish  func(float64)

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewVolumeMonitor creates a monitor that calls publish with the level of src
// every interval. A non-positive interval selects [DefaultVolumeInterval].
func NewVolumeMonitor(src LevelSource, interval time.Duration, publish func(float64)) *VolumeMonitor {
	if interval <= 0 {
		interval = DefaultVolumeInterval
	}
	return &VolumeMonitor{src: src, interval: interval, publish: publish}
}

// Start begins sampling. Calling Start on a running monitor is a no-op.
func (v *VolumeMonitor) Start() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.running {
		return
	}
	v.running = true
	v.stop = make(chan struct{})
	v.done = make(chan struct{})
	go v.loop(v.stop, v.done)
}

// Stop halts sampling, waits for the sampling goroutine and publishes 0.
// Idempotent.
func (v *VolumeMonitor) Stop() {
	v.mu.Lock()
	if !v.running {
		v.mu.Unlock()
		return
	}
	v.running = false
	stop, done := v.stop, v.done
	v.mu.Unlock()

	close(stop)
	<-done
	v.publish(0)
}

func (v *VolumeMonitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(v.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			v.publish(clamp01(v.src.Level()))
		}
	}
}

func clamp01(x float64) float64 {
	switch {
	case x != x: // NaN
		return 0
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
