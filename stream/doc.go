// Package stream defines the live lifecycle event stream of an engine run:
// the closed set of event shapes, strict parsing of events read back from
// untrusted sources, timeline validation against the state contract and the
// Sink implementations the engine writes to.
package stream
