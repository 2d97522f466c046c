package output

import (
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/satlink/pkg/frame"
	"github.com/norasector/satlink/pkg/telemetry"
	"github.com/norasector/satlink/pkg/util"
)

// Metrics writes link statistics to InfluxDB.
type Metrics struct {
	writeAPI api.WriteAPI
}

func NewMetrics(writeAPI api.WriteAPI) *Metrics {
	if writeAPI == nil {
		writeAPI = util.NopWriteAPI{}
	}
	return &Metrics{writeAPI: writeAPI}
}

func (m *Metrics) Frame(f frame.Frame) {
	size := len(f.Data)
	if f.Kind == frame.KindText {
		size = len(f.Text)
	}
	m.writeAPI.WritePoint(influxdb2.NewPoint("link.frame",
		map[string]string{
			"kind": f.Kind.String(),
			"tag":  string(f.Tag),
		},
		map[string]interface{}{
			"bytes": size,
		}, time.Now()))
}

func (m *Metrics) Classifier(stats frame.Stats, buffered int, durationMicros int64) {
	m.writeAPI.WritePoint(influxdb2.NewPoint("link.classifier",
		map[string]string{},
		map[string]interface{}{
			"buffered":        buffered,
			"text":            stats.Text,
			"telemetry":       stats.Telemetry,
			"image_chunks":    stats.ImageChunks,
			"overflows":       stats.Overflows,
			"discarded_bytes": stats.DiscardedBytes,
			"skipped_bytes":   stats.SkippedBytes,
			"duration":        durationMicros,
		}, time.Now()))
}

func (m *Metrics) DecodeFailure(tag frame.Tag, frameBytes int) {
	m.writeAPI.WritePoint(influxdb2.NewPoint("telemetry.decode_failure",
		map[string]string{
			"tag": string(tag),
		},
		map[string]interface{}{
			"bytes": frameBytes,
		}, time.Now()))
}

func (m *Metrics) Record(rec telemetry.Record, ts time.Time) {
	fields := rec.Fields()
	// Influx fields are scalar; list valued fields are flattened.
	for key, value := range fields {
		if list, ok := value.([]interface{}); ok {
			delete(fields, key)
			for i, v := range list {
				fields[key+"_"+strconv.Itoa(i)] = v
			}
		}
	}
	m.writeAPI.WritePoint(influxdb2.NewPoint("telemetry.record",
		map[string]string{
			"tag": string(rec.Tag()),
		},
		fields, ts))
}

func (m *Metrics) Image(outcome string, total, received int) {
	m.writeAPI.WritePoint(influxdb2.NewPoint("image.chunk",
		map[string]string{
			"outcome": outcome,
			"total":   strconv.Itoa(total),
		},
		map[string]interface{}{
			"received": received,
		}, time.Now()))
}

func (m *Metrics) Retransmit(total, missing, commands, attempt int) {
	m.writeAPI.WritePoint(influxdb2.NewPoint("image.retransmit",
		map[string]string{
			"total": strconv.Itoa(total),
		},
		map[string]interface{}{
			"missing":  missing,
			"commands": commands,
			"attempt":  attempt,
		}, time.Now()))
}

func (m *Metrics) Orientation(roll, pitch, yaw float32) {
	m.writeAPI.WritePoint(influxdb2.NewPoint("adcs.orientation",
		map[string]string{},
		map[string]interface{}{
			"roll":  roll,
			"pitch": pitch,
			"yaw":   yaw,
		}, time.Now()))
}
