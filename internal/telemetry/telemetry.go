// Package telemetry defines the per-tick snapshot consumed by the detector.
//
// Snapshot assembly (DX cluster feeds, satellite tracking, NOAA indices) is
// a collaborator concern; this package only fixes the shape of what a tick
// sees.
package telemetry

import (
	"context"
	"time"
)

// DxSpot is one spotted station from the DX cluster feed.
type DxSpot struct {
	Frequency float64 // MHz
	Callsign  string  // spotted callsign
	Spotter   string  // spotter callsign
	Mode      string  // FT8, CW, SSB, ...
	Time      time.Time
}

// Satellite is current tracking geometry for one satellite.
type Satellite struct {
	Name      string
	Elevation float64 // degrees above horizon
	Azimuth   float64 // degrees from north
	Range     float64 // km
}

// SpaceWeather carries the scalar space-weather indices for one tick.
type SpaceWeather struct {
	Kp       float64 // planetary K-index, 0-9
	Ap       float64 // average planetary A-index
	Flux     float64 // solar flux
	XrayFlux float64 // X-ray flux, upstream units (B/C/M/X banding)
}

// Snapshot is one tick's external world-state. It is read-only to the
// detector and discarded after the tick. A nil section means that category's
// telemetry was missing or malformed this tick; the detector skips the
// corresponding rules rather than aborting the pass.
type Snapshot struct {
	At           time.Time
	DxSpots      []DxSpot
	Satellites   []Satellite
	SpaceWeather *SpaceWeather
}

// Source supplies one snapshot per tick.
type Source interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (*Snapshot, error)

func (f SourceFunc) Snapshot(ctx context.Context) (*Snapshot, error) { return f(ctx) }
