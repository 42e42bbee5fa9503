// Package scan coordinates raster scans between a controller and a single
// hardware worker.
//
// # Main Types
//
//   - [Controller]: Public API used by front ends (Start, Pause, Resume, Stop, SeekMaximum)
//   - [Worker]: Sole owner of the device handle; executes one [Request] at a time
//   - [RequestChannel]: Single-slot hand-off carrying one request out and one result back
//   - [Session]: Grid, image and progress of one scan
//   - [Snapshot]: Copy of a session safe to share with other goroutines
//
// # Protocol
//
// The controller submits exactly one request, waits for its result, records
// it and only then decides on the next submission. Grid indices travel with
// every request, so a result is attributed to its cell without comparing
// positions. Pause withholds the next submission; Stop lets the in-flight
// request finish and schedules nothing further.
//
// # Maximum Seek
//
// When a coarse scan completes with auto-seek enabled, or when
// [Controller.SeekMaximum] is called, a refinement session is planned around
// the brightest cell at the coarse step size. After it completes the stage
// is moved to the brightest refined cell with a settle request. Seeking is
// one level deep.
//
// # Events
//
// The controller publishes [event.ScanResultEvent] and friends into an
// ordered queue. [Controller.OnResult] and [Controller.OnSessionComplete]
// subscribe to those events; callbacks never run on the worker goroutine.
package scan
