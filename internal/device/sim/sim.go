// Package sim provides simulated stages and a simulated photo-multiplier
// detector so the whole stack runs without hardware.
//
// The simulated detector sees a Gaussian spot over a flat background; its
// count rate depends on where the two simulated stages currently are.
package sim

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ionlab/pmtscan/internal/device"
	"github.com/ionlab/pmtscan/internal/errors"
)

// Params controls the simulation.
type Params struct {
	Seed uint64

	// Spot centre, peak count rate (counts per ms at the centre, above
	// background) and width.
	PeakX, PeakY float64
	PeakRate     float64
	Background   float64
	Sigma        float64

	// Speed is the stage velocity in position units per second.
	Speed float64

	// FaultRate is the probability that an acquisition loses samples.
	FaultRate float64

	// RealTime makes moves and acquisitions take wall-clock time.
	RealTime bool
}

// resolution is the encoder resolution reported by simulated stages.
const resolution = 1e-4

// Stage is a simulated motorized axis.
type Stage struct {
	name     string
	speed    float64
	realTime bool

	mu   sync.Mutex
	pos  float64
	open bool
}

// NewStage creates a stage parked at zero.
func NewStage(name string, speed float64, realTime bool) *Stage {
	if speed <= 0 {
		speed = 1
	}
	return &Stage{name: name, speed: speed, realTime: realTime}
}

// Open connects to the stage.
func (s *Stage) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

// Close disconnects from the stage. The position is kept.
func (s *Stage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

// MoveTo moves the stage. In real-time mode the call blocks for
// distance/speed and returns early with a DeviceFault when ctx expires
// first; the stage then reports wherever it got to.
func (s *Stage) MoveTo(ctx context.Context, pos float64) (float64, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return 0, s.unreachable()
	}
	from := s.pos
	s.mu.Unlock()

	if s.realTime {
		d := time.Duration(math.Abs(pos-from) / s.speed * float64(time.Second))
		if err := sleep(ctx, d); err != nil {
			return 0, errors.NewDeviceFault("move interrupted", err).WithDevice(s.name)
		}
	}

	realized := math.Round(pos/resolution) * resolution
	s.mu.Lock()
	s.pos = realized
	s.mu.Unlock()
	return realized, nil
}

// Position returns the current position.
func (s *Stage) Position(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, s.unreachable()
	}
	return s.pos, nil
}

func (s *Stage) current() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *Stage) unreachable() error {
	return errors.NewDeviceFault("stage not connected", errors.ErrDeviceUnreachable).WithDevice(s.name)
}

// PMT is a simulated counting detector.
type PMT struct {
	p   Params
	pos func() (float64, float64)

	mu   sync.Mutex
	rng  *rand.Rand
	open bool
}

// NewPMT creates a detector whose signal depends on pos.
func NewPMT(p Params, pos func() (x, y float64)) *PMT {
	return &PMT{
		p:   p,
		pos: pos,
		rng: rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15)),
	}
}

// Open opens the detector.
func (d *PMT) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	return nil
}

// Close closes the detector.
func (d *PMT) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

// Rate returns the expected count rate in counts per ms at (x, y).
func (d *PMT) Rate(x, y float64) float64 {
	r2 := (x-d.p.PeakX)*(x-d.p.PeakX) + (y-d.p.PeakY)*(y-d.p.PeakY)
	sigma := d.p.Sigma
	if sigma <= 0 {
		sigma = 1
	}
	return d.p.Background + d.p.PeakRate*math.Exp(-r2/(2*sigma*sigma))
}

// Samples returns repeats noisy counts, each integrated over ticks µs.
// With probability FaultRate some samples are lost.
func (d *PMT) Samples(ctx context.Context, ticks, repeats int) ([]float64, error) {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return nil, errors.NewDeviceFault("detector not connected", errors.ErrDeviceUnreachable).WithDevice("pmt")
	}
	d.mu.Unlock()

	if d.p.RealTime {
		if err := sleep(ctx, time.Duration(ticks*repeats)*time.Microsecond); err != nil {
			return nil, err
		}
	}

	x, y := d.pos()
	mean := d.Rate(x, y) * float64(ticks) / device.TicksPerMs

	d.mu.Lock()
	defer d.mu.Unlock()

	n := repeats
	if repeats > 1 && d.rng.Float64() < d.p.FaultRate {
		n = d.rng.IntN(repeats)
	}
	out := make([]float64, n)
	for i := range out {
		// Normal approximation of Poisson noise.
		v := mean + math.Sqrt(mean)*d.rng.NormFloat64()
		out[i] = math.Max(0, math.Round(v))
	}
	return out, nil
}

// NewRig builds a complete simulated rig.
func NewRig(p Params, opts ...device.RigOption) *device.Rig {
	x := NewStage("sim-x", p.Speed, p.RealTime)
	y := NewStage("sim-y", p.Speed, p.RealTime)
	pmt := NewPMT(p, func() (float64, float64) { return x.current(), y.current() })
	return device.NewRig(x, y, device.NewDetector(pmt), opts...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
