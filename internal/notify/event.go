// Package notify broadcasts simulation lifecycle events to WebSocket clients.
package notify

import (
	"context"
	"time"

	"ultrasonic-sim/internal/models"
)

const (
	EventJobCreated      = "job_created"
	EventJobStateChanged = "job_state_changed"
)

// Event is the envelope written to every subscriber.
type Event struct {
	Name      string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// StateChange is the payload of job_state_changed.
type StateChange struct {
	ID    int64         `json:"id"`
	State models.Status `json:"state"`
}

// Publisher delivers events to subscribers. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// JobCreated carries the full snapshot of a new simulation.
func JobCreated(sim models.Simulation) Event {
	return Event{Name: EventJobCreated, Data: sim, Timestamp: time.Now().UTC()}
}

// JobStateChanged announces a status transition.
func JobStateChanged(id int64, state models.Status) Event {
	return Event{Name: EventJobStateChanged, Data: StateChange{ID: id, State: state}, Timestamp: time.Now().UTC()}
}
