package image

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Reception is the in-progress state of one image transfer. Receptions are
// keyed by their declared chunk count; two images in flight with the same
// count share a reception because nothing on the wire tells them apart.
type Reception struct {
	ID           uuid.UUID
	Total        int
	Received     map[int]struct{}
	Chunks       map[int]string
	CreatedAt    time.Time
	LastActivity time.Time
	Attempts     int
	Filename     string
	// Failed is set once reconstruction was tried and rejected. The reception is
	// kept for inspection until it is discarded or a new chunk with the same
	// count arrives.
	Failed bool
}

func newReception(total int, filename string, now time.Time) *Reception {
	return &Reception{
		ID:           uuid.New(),
		Total:        total,
		Received:     make(map[int]struct{}, total),
		Chunks:       make(map[int]string, total),
		CreatedAt:    now,
		LastActivity: now,
		Filename:     filename,
	}
}

func (r *Reception) Has(index int) bool {
	_, ok := r.Received[index]
	return ok
}

func (r *Reception) Complete() bool {
	return len(r.Received) == r.Total
}

// Missing lists every index in [0, Total) that has not arrived, ascending.
func (r *Reception) Missing() []int {
	missing := make([]int, 0, r.Total-len(r.Received))
	for i := 0; i < r.Total; i++ {
		if !r.Has(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

func (r *Reception) store(c Chunk, now time.Time) {
	r.Received[c.Index] = struct{}{}
	r.Chunks[c.Index] = c.Payload
	r.LastActivity = now
}

// Status is a read-only snapshot of a reception for reporting.
type Status struct {
	ID           string    `json:"id"`
	Total        int       `json:"total"`
	Received     int       `json:"received"`
	Missing      []int     `json:"missing"`
	Attempts     int       `json:"attempts"`
	Filename     string    `json:"filename"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Failed       bool      `json:"failed"`
}

func (r *Reception) Status() Status {
	return Status{
		ID:           r.ID.String(),
		Total:        r.Total,
		Received:     len(r.Received),
		Missing:      r.Missing(),
		Attempts:     r.Attempts,
		Filename:     r.Filename,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
		Failed:       r.Failed,
	}
}

func sortedByTotal(rs []*Reception) {
	sort.Slice(rs, func(i, j int) bool {
		return rs[i].Total < rs[j].Total
	})
}
