package audio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
	"github.com/dpaschal/HamClock-sub000/internal/logx"
)

func mkEvent(sev alert.Severity) alert.Event {
	return alert.New(alert.CategoryXrayFlare, sev, "SOLAR FLARE: X class", "", time.Now(), time.Minute)
}

func TestPatternBySeverity(t *testing.T) {
	tests := []struct {
		sev   alert.Severity
		tones int
		freq  int
		dur   time.Duration
	}{
		{alert.SeverityEmergency, 1, 800, 3 * time.Second},
		{alert.SeverityCritical, 3, 1000, 100 * time.Millisecond},
		{alert.SeverityWarning, 2, 800, 150 * time.Millisecond},
		{alert.SeverityNotice, 0, 0, 0},
		{alert.SeverityInfo, 0, 0, 0},
	}
	for _, tc := range tests {
		p := Pattern(tc.sev)
		if len(p) != tc.tones {
			t.Fatalf("%v: tones = %d, want %d", tc.sev, len(p), tc.tones)
		}
		if tc.tones > 0 && (p[0].Frequency != tc.freq || p[0].Duration != tc.dur) {
			t.Fatalf("%v: tone = %+v, want %dHz %v", tc.sev, p[0], tc.freq, tc.dur)
		}
	}
}

func TestFallbackChain(t *testing.T) {
	var calls []string
	bad := PlayerFunc(func(context.Context, Tone) error {
		calls = append(calls, "bad")
		return errors.New("no such binary")
	})
	good := PlayerFunc(func(context.Context, Tone) error {
		calls = append(calls, "good")
		return nil
	})

	s := New(logx.Nop(), WithPlayers(bad, good))
	if err := s.Handle(context.Background(), mkEvent(alert.SeverityWarning)); err != nil {
		t.Fatal(err)
	}

	// First tone tries bad then good; second tone skips bad entirely.
	want := []string{"bad", "good", "good"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestAllBackendsFailingIsNotAnError(t *testing.T) {
	bad := PlayerFunc(func(context.Context, Tone) error { return errors.New("broken") })
	s := New(logx.Nop(), WithPlayers(bad))
	if err := s.Handle(context.Background(), mkEvent(alert.SeverityCritical)); err != nil {
		t.Fatalf("playback failure surfaced as sink error: %v", err)
	}
}

func TestInfoAndNoticeAreSilent(t *testing.T) {
	called := false
	spy := PlayerFunc(func(context.Context, Tone) error {
		called = true
		return nil
	})
	s := New(logx.Nop(), WithPlayers(spy))
	for _, sev := range []alert.Severity{alert.SeverityInfo, alert.SeverityNotice} {
		if err := s.Handle(context.Background(), mkEvent(sev)); err != nil {
			t.Fatal(err)
		}
	}
	if called {
		t.Fatal("silent severities triggered playback")
	}
}

func TestCanceledContextStopsPattern(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	spy := PlayerFunc(func(context.Context, Tone) error {
		calls++
		return nil
	})
	s := New(logx.Nop(), WithPlayers(spy))
	if err := s.Handle(ctx, mkEvent(alert.SeverityCritical)); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatalf("played %d tones under canceled context", calls)
	}
}
