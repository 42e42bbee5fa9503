// Package event provides a pub-sub event bus and an ordered delivery queue
// for decoupled communication between the scan engine and its front ends.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub event dispatcher with thread-safe operations
//   - [Queue]: Non-blocking, lossless, ordered hand-off from producers to a [Bus]
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// Scan sessions:
//   - [ScanStartedEvent], [ScanResultEvent], [RowFlushedEvent]
//   - [ScanPausedEvent], [ScanResumedEvent]
//   - [ScanCompletedEvent], [ScanAbortedEvent]
//
// Maximum seek:
//   - [SeekStartedEvent]: refinement window planned
//   - [SeekSettledEvent]: stage parked on the refined maximum
//
// Infrastructure:
//   - [WorkerStateEvent], [PersistFailedEvent], [MonitorSampleEvent], [ConfigReloadedEvent]
//
// # Ordering
//
// The scan controller never calls [Bus.Publish] directly. It publishes into a
// [Queue], whose single delivery goroutine calls the bus. Handlers therefore
// observe events in exactly the order the controller produced them, and no
// handler ever runs on the worker goroutine that talks to the hardware.
//
// # Basic Usage
//
//	bus := event.NewBus(logger)
//	q := event.NewQueue(bus)
//	go q.Run(ctx)
//
//	bus.Subscribe(event.TypeScanResult, func(e event.Event) {
//	    r := e.(event.ScanResultEvent)
//	    fmt.Printf("%d/%d\n", r.Done, r.Total)
//	})
//
//	q.Publish(event.NewScanPausedEvent(id, 12))
package event
