package telemetry

import (
	"fmt"

	"github.com/norasector/satlink/pkg/frame"
)

// Record is one decoded telemetry sample. The set of implementations is closed.
type Record interface {
	Tag() frame.Tag
	Fields() map[string]interface{}
}

// Vector is a 3-axis sample from the IMU (gyroscope, accelerometer,
// magnetometer, gravity or Euler angles depending on Kind).
type Vector struct {
	Kind    frame.Tag
	X, Y, Z float32
}

func (v Vector) Tag() frame.Tag { return v.Kind }

func (v Vector) Fields() map[string]interface{} {
	return map[string]interface{}{"x": v.X, "y": v.Y, "z": v.Z}
}

type Environment struct {
	Temperature float32
	Pressure    float32
	Humidity    float32
}

func (Environment) Tag() frame.Tag { return frame.TagEnvironment }

func (e Environment) Fields() map[string]interface{} {
	return map[string]interface{}{
		"temperature": e.Temperature,
		"pressure":    e.Pressure,
		"humidity":    e.Humidity,
	}
}

// OBCMetric is a single on-board computer gauge: RAM, disk or CPU usage.
type OBCMetric struct {
	Kind  frame.Tag
	Value float32
}

func (m OBCMetric) Tag() frame.Tag { return m.Kind }

func (m OBCMetric) Fields() map[string]interface{} {
	return map[string]interface{}{"value": m.Value}
}

// OBCListing is a text dump from the on-board computer: a directory listing or the process list.
type OBCListing struct {
	Kind frame.Tag
	Text string
}

func (l OBCListing) Tag() frame.Tag { return l.Kind }

func (l OBCListing) Fields() map[string]interface{} {
	return map[string]interface{}{"text": l.Text}
}

// Attitude is the ADCS solution. Roll, pitch and yaw are in degrees.
type Attitude struct {
	Roll, Pitch, Yaw float32
	Quaternion       [4]float32
}

func (Attitude) Tag() frame.Tag { return frame.TagAttitude }

func (a Attitude) Fields() map[string]interface{} {
	return map[string]interface{}{
		"roll":  a.Roll,
		"pitch": a.Pitch,
		"yaw":   a.Yaw,
		"qw":    a.Quaternion[0],
		"qx":    a.Quaternion[1],
		"qy":    a.Quaternion[2],
		"qz":    a.Quaternion[3],
	}
}

type PowerStatus struct {
	Channels [4]int32
	Voltage  float32
}

func (PowerStatus) Tag() frame.Tag { return frame.TagPower }

func (p PowerStatus) Fields() map[string]interface{} {
	return map[string]interface{}{
		"channel_0": p.Channels[0],
		"channel_1": p.Channels[1],
		"channel_2": p.Channels[2],
		"channel_3": p.Channels[3],
		"voltage":   p.Voltage,
	}
}

type SolarPanel struct {
	Voltage float32
	Current float32
}

type SolarArray struct {
	Panels [4]SolarPanel
}

func (SolarArray) Tag() frame.Tag { return frame.TagSolar }

func (s SolarArray) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, 2*len(s.Panels))
	for i, p := range s.Panels {
		fields[panelKey("voltage", i)] = p.Voltage
		fields[panelKey("current", i)] = p.Current
	}
	return fields
}

func panelKey(name string, i int) string {
	return fmt.Sprintf("panel_%d_%s", i, name)
}

type Hostname struct {
	Name string
}

func (Hostname) Tag() frame.Tag { return frame.TagHostname }

func (h Hostname) Fields() map[string]interface{} {
	return map[string]interface{}{"hostname": h.Name}
}

// PollSample is one 16-value block accumulated from POLL frames.
type PollSample struct {
	Values [PollValues]float32
}

func (PollSample) Tag() frame.Tag { return frame.TagPoll }

func (p PollSample) Fields() map[string]interface{} {
	values := make([]interface{}, len(p.Values))
	for i, v := range p.Values {
		values[i] = v
	}
	return map[string]interface{}{"values": values}
}

// RetransmitEcho is the satellite's acknowledgement of a RETRANSMIT command.
type RetransmitEcho struct {
	Text string
}

func (RetransmitEcho) Tag() frame.Tag { return frame.TagRetransmit }

func (r RetransmitEcho) Fields() map[string]interface{} {
	return map[string]interface{}{"text": r.Text}
}
