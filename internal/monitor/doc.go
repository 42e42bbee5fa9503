// Package monitor provides continuous detector readout between scans.
//
// A [Monitor] repeatedly probes the detector through the scan controller's
// worker, so it shares the single device handle with scans and never talks
// to hardware directly. The last N counts are kept in a [Window] whose mean
// and standard deviation are reported with every [Sample].
//
// # Usage
//
//	m := monitor.New(ctrl, ctrl, 1.0,
//	    monitor.WithWindow(50),
//	    monitor.WithInterval(200*time.Millisecond),
//	)
//	m.OnSample(func(s monitor.Sample) {
//	    fmt.Printf("%.1f (mean %.1f over %d)\n", s.Count.Value, s.Mean, s.N)
//	})
//	go m.Start(ctx)
//	defer m.Stop()
//
// While a scan is running the controller refuses probes; the monitor backs
// off and resumes once the scan has ended.
package monitor
