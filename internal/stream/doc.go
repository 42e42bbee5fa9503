// Package stream publishes scan progress to remote viewers over websocket.
//
// A Broadcaster subscribes to the controller's event bus and forwards every
// event as a JSON Message. New viewers first receive a snapshot of the
// current session so they can draw the image before incremental results
// arrive.
package stream
