package output

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Orientation is the latest attitude solution, in degrees.
type Orientation struct {
	Roll      float32   `json:"roll"`
	Pitch     float32   `json:"pitch"`
	Yaw       float32   `json:"yaw"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrientationLog keeps the last attitude and logs each update.
type OrientationLog struct {
	mu     sync.RWMutex
	last   Orientation
	seen   bool
	logger zerolog.Logger
}

func NewOrientationLog(logger zerolog.Logger) *OrientationLog {
	return &OrientationLog{logger: logger}
}

func (o *OrientationLog) Orientation(roll, pitch, yaw float32) {
	o.mu.Lock()
	o.last = Orientation{Roll: roll, Pitch: pitch, Yaw: yaw, UpdatedAt: time.Now().UTC()}
	o.seen = true
	o.mu.Unlock()

	o.logger.Debug().
		Float32("roll", roll).
		Float32("pitch", pitch).
		Float32("yaw", yaw).
		Msg("orientation")
}

func (o *OrientationLog) Last() (Orientation, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last, o.seen
}

// Orientations notifies each sink in order.
type Orientations []OrientationSink

func (s Orientations) Orientation(roll, pitch, yaw float32) {
	for _, o := range s {
		o.Orientation(roll, pitch, yaw)
	}
}
