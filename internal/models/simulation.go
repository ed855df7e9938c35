package models

import (
	"time"
)

// Status enumerates lifecycle states persisted in the simulation table.
type Status string

const (
	StatusNotStarted Status = "Not started"
	StatusRunning    Status = "Running"
	StatusFinished   Status = "Finished"
	StatusError      Status = "Error"
)

// SimulationParams are the inputs submitted by a client. They never change after creation.
type SimulationParams struct {
	SimName          string   `json:"sim_name"`
	NTransmitter     int      `json:"n_transmitter"`
	NReceiver        int      `json:"n_receiver"`
	EmittersPitch    float64  `json:"emitters_pitch"`
	ReceiversPitch   float64  `json:"receivers_pitch"`
	SensorDistance   float64  `json:"sensor_distance"`
	SensorEdgeMargin float64  `json:"sensor_edge_margin"`
	TypicalMeshSize  *float64 `json:"typical_mesh_size"`
	PlateThickness   float64  `json:"plate_thickness"`
	Porosity         float64  `json:"porosity"`
	Attenuation      int      `json:"attenuation"`
}

// PlateLength is the plate extent needed to fit both sensor arrays, the gap
// between them and an edge margin on each side.
func (p SimulationParams) PlateLength() float64 {
	return 2*p.SensorEdgeMargin +
		float64(p.NTransmitter)*p.EmittersPitch +
		p.SensorDistance +
		float64(p.NReceiver)*p.ReceiversPitch
}

// Simulation is a job row. The artifact content is never part of the JSON snapshot.
type Simulation struct {
	ID int64 `json:"id"`
	SimulationParams
	PlateLength  float64   `json:"plate_length"`
	Status       Status    `json:"p_status"`
	ResultStep01 *string   `json:"result_step_01,omitempty"`
	Time         *float64  `json:"time,omitempty"`
	HasArtifact  bool      `json:"has_artifact"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Result is what a finished run writes back in a single store call.
type Result struct {
	Filename string
	Status   Status
	Elapsed  float64
	Content  []byte
}

// Artifact is the stored solver output of a finished run.
type Artifact struct {
	Filename string
	Content  []byte
}
