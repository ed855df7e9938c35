package models

import "testing"

func TestPlateLength(t *testing.T) {
	p := SimulationParams{
		NTransmitter:     4,
		NReceiver:        4,
		EmittersPitch:    10,
		ReceiversPitch:   10,
		SensorDistance:   50,
		SensorEdgeMargin: 5,
		PlateThickness:   2,
		Porosity:         0.1,
	}
	if got := p.PlateLength(); got != 140 {
		t.Fatalf("plate length = %v, want 140", got)
	}

	p = SimulationParams{NTransmitter: 3, NReceiver: 2, EmittersPitch: 0.5, ReceiversPitch: 1.25, SensorDistance: 7.5, SensorEdgeMargin: 1}
	if got, want := p.PlateLength(), 2*1+3*0.5+7.5+2*1.25; got != want {
		t.Fatalf("plate length = %v, want %v", got, want)
	}
}
