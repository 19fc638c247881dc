package telemetry

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Simulator is a stand-in Source that produces plausible wandering
// telemetry. Useful for demos and for running the daemon without any
// upstream feeds wired in.
type Simulator struct {
	mu   sync.Mutex
	rng  *rand.Rand
	kp   float64
	flux float64
	ap   float64
	xray float64
	tick int
}

func NewSimulator(seed int64) *Simulator {
	return &Simulator{
		rng:  rand.New(rand.NewSource(seed)),
		kp:   2.0,
		flux: 120,
		ap:   10,
		xray: 3,
	}
}

func (s *Simulator) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++

	// Random walk with occasional storm onset.
	s.kp = clamp(s.kp+s.rng.Float64()*0.6-0.3, 0, 9)
	s.flux = clamp(s.flux+s.rng.Float64()*20-10, 60, 300)
	s.ap = clamp(s.ap+s.rng.Float64()*6-3, 0, 400)
	s.xray = clamp(s.xray*(0.8+s.rng.Float64()*0.5), 0.1, 2000)
	if s.rng.Float64() < 0.01 {
		s.kp = clamp(s.kp+3, 0, 9)
		s.ap += 250
	}

	snap := &Snapshot{
		At: time.Now(),
		SpaceWeather: &SpaceWeather{
			Kp:       s.kp,
			Ap:       s.ap,
			Flux:     s.flux,
			XrayFlux: s.xray,
		},
	}
	if s.rng.Float64() < 0.1 {
		snap.DxSpots = []DxSpot{{
			Frequency: []float64{14.074, 7.074, 3.573, 21.074}[s.rng.Intn(4)],
			Callsign:  simCalls[s.rng.Intn(len(simCalls))],
			Spotter:   "SIMNET",
			Mode:      []string{"FT8", "CW", "SSB"}[s.rng.Intn(3)],
			Time:      time.Now(),
		}}
	}
	if s.tick%12 == 0 {
		snap.Satellites = []Satellite{{
			Name:      "ISS",
			Elevation: float64(s.rng.Intn(70)),
			Azimuth:   float64(s.rng.Intn(360)),
			Range:     400 + float64(s.rng.Intn(1600)),
		}}
	}
	return snap, nil
}

var simCalls = []string{"W1AW", "G0XYZ", "JA1ABC", "VK3DEF", "ZL2GHI", "PY5JKL"}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
