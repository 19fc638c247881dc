// Package alert defines the alert event model shared by the detector,
// the registry and every distribution sink.
package alert

import (
	"time"

	"github.com/google/uuid"
)

// Category identifies what kind of condition produced an alert.
type Category string

const (
	CategoryDxSpot        Category = "dx_spot"
	CategorySatellitePass Category = "satellite_pass"
	CategoryKpSpike       Category = "kp_spike"
	CategoryXrayFlare     Category = "xray_flare"
	CategoryAurora        Category = "aurora_visible"
	CategoryCme           Category = "cme_detected"
)

// Categories lists all known categories in a stable order.
func Categories() []Category {
	return []Category{
		CategoryDxSpot,
		CategorySatellitePass,
		CategoryKpSpike,
		CategoryXrayFlare,
		CategoryAurora,
		CategoryCme,
	}
}

// Label returns the human-readable category title used by notification
// surfaces (desktop notification summary, telegram prefix, web dashboard).
func (c Category) Label() string {
	switch c {
	case CategoryDxSpot:
		return "DX Spot"
	case CategorySatellitePass:
		return "Satellite Pass"
	case CategoryKpSpike:
		return "Geomagnetic Storm"
	case CategoryXrayFlare:
		return "Solar Flare"
	case CategoryAurora:
		return "Aurora Alert"
	case CategoryCme:
		return "CME Detected"
	default:
		return string(c)
	}
}

// TimeCritical reports whether events of this category carry double the
// configured base display duration.
func (c Category) TimeCritical() bool {
	return c == CategorySatellitePass || c == CategoryCme
}

// Severity is a totally ordered alert level.
// Higher values are more severe.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityNotice
	SeverityWarning
	SeverityCritical
	SeverityEmergency
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityNotice:
		return "notice"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	case SeverityEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a config/storage string back to a Severity.
// Unknown values fall back to def.
func ParseSeverity(raw string, def Severity) Severity {
	switch raw {
	case "info":
		return SeverityInfo
	case "notice":
		return SeverityNotice
	case "warning":
		return SeverityWarning
	case "critical":
		return SeverityCritical
	case "emergency":
		return SeverityEmergency
	default:
		return def
	}
}

// Urgency is the freedesktop notification urgency byte for a severity.
// This is the single severity->urgency table; sinks must not keep their own.
func (s Severity) Urgency() byte {
	switch {
	case s >= SeverityCritical:
		return 2 // critical
	case s == SeverityWarning:
		return 1 // normal
	default:
		return 0 // low
	}
}

// Event is one user-facing alert occurrence.
//
// Events are created by the detector and owned by the registry afterwards;
// sinks receive copies and must not mutate them.
type Event struct {
	ID           string
	Category     Category
	Severity     Severity
	Message      string
	DedupKey     string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Acknowledged bool
}

// New builds an event with a fresh ID. Time-critical categories get double
// the base duration.
func New(cat Category, sev Severity, msg, dedupKey string, now time.Time, baseDuration time.Duration) Event {
	d := baseDuration
	if cat.TimeCritical() {
		d *= 2
	}
	return Event{
		ID:        uuid.NewString(),
		Category:  cat,
		Severity:  sev,
		Message:   msg,
		DedupKey:  dedupKey,
		CreatedAt: now,
		ExpiresAt: now.Add(d),
	}
}

// Expired reports whether the event's display window has passed.
func (e Event) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Active reports whether the event should still be surfaced:
// not acknowledged and not expired. Acknowledgment and expiry are
// independent terminal paths.
func (e Event) Active(now time.Time) bool {
	return !e.Acknowledged && !e.Expired(now)
}
