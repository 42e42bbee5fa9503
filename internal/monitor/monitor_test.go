package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionlab/pmtscan/internal/errors"
	"github.com/ionlab/pmtscan/internal/event"
	"github.com/ionlab/pmtscan/internal/scan"
	"github.com/ionlab/pmtscan/internal/testutil"
)

func TestWindow_EvictsOldest(t *testing.T) {
	w := NewWindow(3)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		w.Add(v)
	}
	assert.Equal(t, []float64{3, 4, 5}, w.Values())
	assert.Equal(t, 3, w.Len())

	mean, std := w.Stats()
	assert.InDelta(t, 4.0, mean, 1e-12)
	assert.InDelta(t, 1.0, std, 1e-12)
}

func TestWindow_Stats(t *testing.T) {
	w := NewWindow(0)
	mean, std := w.Stats()
	assert.Zero(t, mean)
	assert.Zero(t, std)

	w.Add(7)
	mean, std = w.Stats()
	assert.Equal(t, 7.0, mean)
	assert.Zero(t, std)
	assert.Equal(t, DefaultWindow, cap(w.values))
}

// scriptedProber returns readings from a script, then blocks until ctx ends.
type scriptedProber struct {
	mu     sync.Mutex
	script []probeResult
	calls  int
}

type probeResult struct {
	r   scan.Reading
	err error
}

func (p *scriptedProber) Probe(ctx context.Context, exposureMs float64, repeats int) (scan.Reading, error) {
	p.mu.Lock()
	p.calls++
	if len(p.script) > 0 {
		next := p.script[0]
		p.script = p.script[1:]
		p.mu.Unlock()
		return next.r, next.err
	}
	p.mu.Unlock()
	<-ctx.Done()
	return scan.NoData(), ctx.Err()
}

type collectingPublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *collectingPublisher) Publish(e event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *collectingPublisher) snapshot() []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Event(nil), p.events...)
}

func TestMonitor_RecordsSamples(t *testing.T) {
	prober := &scriptedProber{script: []probeResult{
		{r: scan.ValueOf(10)},
		{r: scan.ValueOf(20)},
		{err: errors.NewAcquisitionFault(50, 3)},
		{r: scan.ValueOf(30)},
	}}
	pub := &collectingPublisher{}
	m := New(prober, pub, 1, WithWindow(2))

	var mu sync.Mutex
	var samples []Sample
	m.OnSample(func(s Sample) {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()

	testutil.Eventually(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(samples) == 4
	}, "four samples")
	m.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 15.0, samples[1].Mean)
	assert.Error(t, samples[2].Err)
	assert.Equal(t, 2, samples[2].N, "failed probe leaves the window alone")
	assert.Equal(t, 25.0, samples[3].Mean)
	assert.Equal(t, []float64{20, 30}, m.Window())

	events := pub.snapshot()
	require.Len(t, events, 4)
	failed := events[2].(event.MonitorSampleEvent)
	assert.False(t, failed.Valid)
	assert.NotEmpty(t, failed.Err)
}

func TestMonitor_BacksOffWhileScanning(t *testing.T) {
	prober := &scriptedProber{script: []probeResult{
		{err: errors.ErrSessionActive},
		{r: scan.ValueOf(4)},
	}}
	m := New(prober, nil, 1)

	samples := make(chan Sample, 4)
	m.OnSample(func(s Sample) { samples <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	go m.Start(ctx)

	select {
	case s := <-samples:
		assert.Equal(t, scan.ValueOf(4), s.Count)
		assert.GreaterOrEqual(t, time.Since(start), busyBackoff)
	case <-time.After(2 * time.Second):
		t.Fatal("no sample after backoff")
	}
	assert.Empty(t, samples, "refused probe is not a sample")
}

func TestMonitor_ThroughController(t *testing.T) {
	dev := testutil.NewFakeDevice(func(x, y float64) float64 { return 42 })
	c := scan.NewController(dev)
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	m := New(c, c, 1, WithInterval(5*time.Millisecond))
	samples := make(chan Sample, 16)
	m.OnSample(func(s Sample) {
		select {
		case samples <- s:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	select {
	case s := <-samples:
		require.NoError(t, s.Err)
		assert.Equal(t, scan.ValueOf(42), s.Count)
	case <-time.After(2 * time.Second):
		t.Fatal("no sample from controller")
	}
	m.Stop()
	assert.Empty(t, dev.Moves())
}
