// Package detect evaluates telemetry snapshots against configured thresholds
// and emits alert events. Detection is pure per tick: no I/O, no locking,
// bounded time regardless of sink health.
package detect

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
	"github.com/dpaschal/HamClock-sub000/internal/telemetry"
)

// Config holds the detection thresholds and watch-lists, already clamped by
// the config loader.
type Config struct {
	BaseDuration time.Duration

	DxEnabled    bool
	WatchedBands []float64
	WatchedModes []string
	MinFrequency *float64
	MaxFrequency *float64

	SatelliteEnabled   bool
	ElevationThreshold float64
	WatchedSatellites  []string
	CountdownEnabled   bool

	SpaceWeatherEnabled bool
	KpAlertThreshold    float64
	KpSpikeThreshold    float64
	XrayAlertClasses    []string
	CmeEnabled          bool
}

// bandTolerance is the inclusive frequency distance (MHz) for a watched-band
// match.
const bandTolerance = 0.01

// cmeDeltaBaseline is the flux/AP delta above which a CME signature fires.
const cmeDeltaBaseline = 200.0

// State is the last-seen telemetry needed for delta and edge detection.
// It is owned by the single detection loop and never shared.
type State struct {
	lastKp        float64
	lastFlux      float64
	lastAp        float64
	lastXrayClass string

	// primed flips true after the first tick that carried space weather;
	// delta rules (Kp spike, CME) need a real baseline, not the zero value.
	primed bool

	lastElevations map[string]float64

	seenDxCalls []string
	seenDxSet   map[string]struct{}
}

func NewState() *State {
	return &State{
		lastElevations: map[string]float64{},
		seenDxSet:      map[string]struct{}{},
	}
}

type Detector struct {
	cfg Config
}

func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Detect compares the snapshot against st and returns zero or more events,
// then updates st for the next tick. A nil snapshot section skips that
// category's rules without aborting the pass.
func (d *Detector) Detect(snap *telemetry.Snapshot, st *State) []alert.Event {
	if snap == nil || st == nil {
		return nil
	}
	now := snap.At
	if now.IsZero() {
		now = time.Now()
	}

	var out []alert.Event
	if d.cfg.DxEnabled && snap.DxSpots != nil {
		out = append(out, d.checkDx(snap.DxSpots, st, now)...)
	}
	if d.cfg.SatelliteEnabled && snap.Satellites != nil {
		out = append(out, d.checkSatellites(snap.Satellites, st, now)...)
	}
	if d.cfg.SpaceWeatherEnabled && snap.SpaceWeather != nil {
		out = append(out, d.checkSpaceWeather(snap.SpaceWeather, st, now)...)
	}
	return out
}

// ---- DX spots ----

func (d *Detector) checkDx(spots []telemetry.DxSpot, st *State, now time.Time) []alert.Event {
	var out []alert.Event
	for _, spot := range spots {
		if _, seen := st.seenDxSet[spot.Callsign]; seen {
			continue
		}
		if !d.dxMatches(spot) {
			continue
		}

		msg := fmt.Sprintf("NEW DX: %.3f MHz %s %s by %s", spot.Frequency, spot.Mode, spot.Callsign, spot.Spotter)
		out = append(out, alert.New(alert.CategoryDxSpot, alert.SeverityNotice, msg, spot.Callsign, now, d.cfg.BaseDuration))
		st.rememberDx(spot.Callsign)
	}
	return out
}

func (d *Detector) dxMatches(spot telemetry.DxSpot) bool {
	watchedBand := false
	for _, f := range d.cfg.WatchedBands {
		if math.Abs(spot.Frequency-f) <= bandTolerance {
			watchedBand = true
			break
		}
	}
	watchedMode := false
	for _, m := range d.cfg.WatchedModes {
		if strings.Contains(strings.ToUpper(spot.Mode), strings.ToUpper(m)) {
			watchedMode = true
			break
		}
	}
	if !watchedBand && !watchedMode {
		return false
	}

	// Optional inclusive frequency range filter, ANDed in.
	if d.cfg.MinFrequency != nil && spot.Frequency < *d.cfg.MinFrequency {
		return false
	}
	if d.cfg.MaxFrequency != nil && spot.Frequency > *d.cfg.MaxFrequency {
		return false
	}
	return true
}

// rememberDx records a callsign so repeats don't re-alert, trimming the list
// so it can't grow unbounded across a long session.
func (st *State) rememberDx(callsign string) {
	st.seenDxCalls = append(st.seenDxCalls, callsign)
	st.seenDxSet[callsign] = struct{}{}
	if len(st.seenDxCalls) > 100 {
		for _, c := range st.seenDxCalls[:50] {
			delete(st.seenDxSet, c)
		}
		st.seenDxCalls = append([]string(nil), st.seenDxCalls[50:]...)
	}
}

// ---- Satellite passes ----

func (d *Detector) checkSatellites(sats []telemetry.Satellite, st *State, now time.Time) []alert.Event {
	var out []alert.Event
	for _, sat := range sats {
		if !d.satelliteWatched(sat.Name) {
			continue
		}

		prev := st.lastElevations[sat.Name]
		st.lastElevations[sat.Name] = sat.Elevation

		// Rising edge only: alert when the elevation crosses the threshold
		// from below. Threshold equality counts as above (inclusive lower
		// bound, applied consistently across all categories).
		if sat.Elevation < d.cfg.ElevationThreshold || prev >= d.cfg.ElevationThreshold {
			continue
		}

		var msg string
		if d.cfg.CountdownEnabled {
			// Linear approximation: ~10 degrees of climb per minute.
			minutes := math.Max((90-sat.Elevation)/10, 1)
			msg = fmt.Sprintf("%s PASS: El %.0f° Az %.0f° (%.0f min to peak)", sat.Name, sat.Elevation, sat.Azimuth, minutes)
		} else {
			msg = fmt.Sprintf("%s PASS: El %.0f° Az %.0f° (%dkm)", sat.Name, sat.Elevation, sat.Azimuth, int(sat.Range))
		}
		out = append(out, alert.New(alert.CategorySatellitePass, alert.SeverityNotice, msg, sat.Name, now, d.cfg.BaseDuration))
	}
	return out
}

func (d *Detector) satelliteWatched(name string) bool {
	if len(d.cfg.WatchedSatellites) == 0 {
		return true
	}
	for _, w := range d.cfg.WatchedSatellites {
		if strings.Contains(strings.ToUpper(name), strings.ToUpper(w)) {
			return true
		}
	}
	return false
}

// ---- Space weather ----

func (d *Detector) checkSpaceWeather(sw *telemetry.SpaceWeather, st *State, now time.Time) []alert.Event {
	var out []alert.Event

	if st.primed {
		if e, ok := d.checkKpSpike(sw, st, now); ok {
			out = append(out, e)
		}
		if d.cfg.CmeEnabled {
			if e, ok := d.checkCme(sw, st, now); ok {
				out = append(out, e)
			}
		}
	}
	if e, ok := d.checkXray(sw, st, now); ok {
		out = append(out, e)
	}
	if e, ok := d.checkAurora(sw, now); ok {
		out = append(out, e)
	}

	st.lastKp = sw.Kp
	st.lastFlux = sw.Flux
	st.lastAp = sw.Ap
	st.primed = true
	return out
}

func (d *Detector) checkKpSpike(sw *telemetry.SpaceWeather, st *State, now time.Time) (alert.Event, bool) {
	delta := sw.Kp - st.lastKp
	if delta < d.cfg.KpSpikeThreshold {
		return alert.Event{}, false
	}

	sev := kpSeverity(sw.Kp, alert.SeverityNotice)
	msg := fmt.Sprintf("Kp SPIKE: %.1f (+%.1f) - %s", sw.Kp, delta, kpStatus(sw.Kp))
	return alert.New(alert.CategoryKpSpike, sev, msg, "", now, d.cfg.BaseDuration), true
}

func (d *Detector) checkAurora(sw *telemetry.SpaceWeather, now time.Time) (alert.Event, bool) {
	if sw.Kp < d.cfg.KpAlertThreshold {
		return alert.Event{}, false
	}
	// Same Kp banding as the spike rule, with Info as the floor.
	sev := kpSeverity(sw.Kp, alert.SeverityInfo)
	msg := fmt.Sprintf("AURORA LIKELY: Kp %.1f", sw.Kp)
	return alert.New(alert.CategoryAurora, sev, msg, "", now, d.cfg.BaseDuration), true
}

func (d *Detector) checkXray(sw *telemetry.SpaceWeather, st *State, now time.Time) (alert.Event, bool) {
	class := XrayClass(sw.XrayFlux)
	if class == "" {
		return alert.Event{}, false
	}
	// Re-alert only when the class band changes since the last tick.
	if class == st.lastXrayClass {
		return alert.Event{}, false
	}
	st.lastXrayClass = class

	if !d.xrayClassWatched(class) {
		return alert.Event{}, false
	}

	var sev alert.Severity
	switch class {
	case "X":
		sev = alert.SeverityCritical
	case "M":
		sev = alert.SeverityWarning
	default:
		sev = alert.SeverityNotice
	}
	msg := fmt.Sprintf("SOLAR FLARE: %s class", class)
	return alert.New(alert.CategoryXrayFlare, sev, msg, "", now, d.cfg.BaseDuration), true
}

func (d *Detector) xrayClassWatched(class string) bool {
	for _, c := range d.cfg.XrayAlertClasses {
		if strings.EqualFold(c, class) {
			return true
		}
	}
	return false
}

func (d *Detector) checkCme(sw *telemetry.SpaceWeather, st *State, now time.Time) (alert.Event, bool) {
	fluxDelta := math.Abs(sw.Flux - st.lastFlux)
	apDelta := math.Abs(sw.Ap - st.lastAp)
	if fluxDelta <= cmeDeltaBaseline && apDelta <= cmeDeltaBaseline {
		return alert.Event{}, false
	}

	var sev alert.Severity
	switch {
	case fluxDelta > 500 || apDelta > 200:
		sev = alert.SeverityCritical
	case fluxDelta > 350 || apDelta > 150:
		sev = alert.SeverityWarning
	default:
		sev = alert.SeverityNotice
	}
	msg := fmt.Sprintf("CME DETECTED: flux delta %.0f, AP delta %.0f", fluxDelta, apDelta)
	return alert.New(alert.CategoryCme, sev, msg, "", now, d.cfg.BaseDuration), true
}

// XrayClass bands X-ray flux into the NOAA-style letter classes.
// Bounds are inclusive at the lower edge: B 10-50, C 50-100, M 100-1000,
// X at and above 1000 (upstream units).
func XrayClass(flux float64) string {
	switch {
	case flux >= 1000:
		return "X"
	case flux >= 100:
		return "M"
	case flux >= 50:
		return "C"
	case flux >= 10:
		return "B"
	default:
		return ""
	}
}

// kpSeverity bands absolute Kp into a severity. The spike rule floors at
// Notice, the aurora rule at Info; the bands above the floor are shared.
func kpSeverity(kp float64, floor alert.Severity) alert.Severity {
	switch {
	case kp >= 8:
		return alert.SeverityEmergency
	case kp >= 6:
		return alert.SeverityCritical
	case kp >= 5:
		return alert.SeverityWarning
	default:
		return floor
	}
}

func kpStatus(kp float64) string {
	switch {
	case kp >= 8:
		return "STORM"
	case kp >= 6:
		return "ACTIVE"
	case kp >= 5:
		return "UNSETTLED"
	default:
		return "QUIET"
	}
}
