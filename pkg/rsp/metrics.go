package rsp

import "time"

// Recorder receives the duration of every timed protocol operation.
// The demo binary plugs a Prometheus-backed implementation in here;
// entities default to NopRecorder.
//
// Implementations must be safe for concurrent use.
type Recorder interface {
	RecordDuration(operation string, d time.Duration)
}

// NopRecorder discards all measurements.
type NopRecorder struct{}

// RecordDuration implements Recorder.
func (NopRecorder) RecordDuration(string, time.Duration) {}

// record is used as `defer record(r, op, time.Now())` around timed
// operations.
func record(r Recorder, operation string, start time.Time) {
	r.RecordDuration(operation, time.Since(start))
}
