package util

import (
	"sync"

	"github.com/influxdata/influxdb-client-go/api/write"
)

// NopWriteAPI satisfies api.WriteAPI when no InfluxDB instance is configured.
type NopWriteAPI struct{}

func (NopWriteAPI) WriteRecord(line string)       {}
func (NopWriteAPI) WritePoint(point *write.Point) {}
func (NopWriteAPI) Flush()                        {}
func (NopWriteAPI) Close()                        {}
func (NopWriteAPI) Errors() <-chan error          { return nil }

// RecordingWriteAPI keeps every point in memory. Used by tests.
type RecordingWriteAPI struct {
	mu     sync.Mutex
	points []*write.Point
}

func (r *RecordingWriteAPI) WriteRecord(line string) {}

func (r *RecordingWriteAPI) WritePoint(point *write.Point) {
	r.mu.Lock()
	r.points = append(r.points, point)
	r.mu.Unlock()
}

func (r *RecordingWriteAPI) Flush()               {}
func (r *RecordingWriteAPI) Close()               {}
func (r *RecordingWriteAPI) Errors() <-chan error { return nil }

// Points returns a copy of the recorded points.
func (r *RecordingWriteAPI) Points() []*write.Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*write.Point(nil), r.points...)
}

// Measurements returns the measurement names of the recorded points, in order.
func (r *RecordingWriteAPI) Measurements() []string {
	points := r.Points()
	names := make([]string, len(points))
	for i, p := range points {
		names[i] = p.Name()
	}
	return names
}
