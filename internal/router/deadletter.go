package router

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/remedy/internal/incident"
)

// Entry is one delivery that exhausted its retry budget.
type Entry struct {
	ID        string            `json:"id"`
	Target    string            `json:"target"`
	Incident  incident.Incident `json:"incident"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error"`
	FailedAt  time.Time         `json:"failed_at"`
}

// DeadLetter is the holding area for exhausted deliveries, pending manual
// replay.
type DeadLetter struct {
	mu      sync.Mutex
	entries []Entry
}

// NewDeadLetter initializes an empty holding area.
func NewDeadLetter() *DeadLetter {
	return &DeadLetter{}
}

func (d *DeadLetter) add(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, e)
}

// List returns a snapshot of held entries.
func (d *DeadLetter) List() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Take removes and returns all held entries, for replay.
func (d *DeadLetter) Take() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.entries
	d.entries = nil
	return out
}

// Len reports the number of held entries.
func (d *DeadLetter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
