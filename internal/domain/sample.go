package domain

import "time"

// Quality is a driver-normalized quality code. Zero is good, following OPC UA status codes.
type Quality uint32

const (
	QualityGood      Quality = 0
	QualityUncertain Quality = 0x40000000
	QualityBad       Quality = 0x80000000
)

// Sample is a single observed tag value produced by a driver.
type Sample struct {
	TagID     int64
	Timestamp time.Time
	Value     any
	Quality   Quality
}

// Observation is what a driver hands to the fan-out: either a sample or an error.
type Observation struct {
	Sample Sample
	Err    error
}

// ReadResult is one element of a batched device read.
type ReadResult struct {
	TagID   int64
	Value   any
	Quality Quality
	Err     error
	// Pending marks a tag with no value available yet; it is skipped silently.
	Pending bool
}

// Point is the wire and storage form of a sample.
type Point struct {
	ConnectionID string    `json:"connection_id"`
	TagID        int64     `json:"tag_id"`
	TS           time.Time `json:"ts"`
	V            any       `json:"v"`
	Q            Quality   `json:"q"`
}

// PointFromSample stamps a sample with its owning connection.
func PointFromSample(connectionID string, s Sample) Point {
	return Point{
		ConnectionID: connectionID,
		TagID:        s.TagID,
		TS:           s.Timestamp.UTC(),
		V:            s.Value,
		Q:            s.Quality,
	}
}
