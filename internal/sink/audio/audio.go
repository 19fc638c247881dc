// Package audio plays tone patterns for incoming alerts.
//
// Tones are produced through whichever backend the host actually has:
// the beep(1) binary, ALSA's speaker-test, or as a last resort the
// terminal bell. The bell always "succeeds", so audio never takes the
// engine down.
package audio

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
	"github.com/dpaschal/HamClock-sub000/internal/logx"
)

// Tone is one beep in a pattern.
type Tone struct {
	Frequency int // Hz
	Duration  time.Duration
	Gap       time.Duration // pause after the tone
}

// Pattern returns the tone sequence for a severity. Info and Notice are
// silent so routine traffic never beeps.
func Pattern(sev alert.Severity) []Tone {
	switch sev {
	case alert.SeverityEmergency:
		return []Tone{{Frequency: 800, Duration: 3 * time.Second}}
	case alert.SeverityCritical:
		return []Tone{
			{Frequency: 1000, Duration: 100 * time.Millisecond, Gap: 100 * time.Millisecond},
			{Frequency: 1000, Duration: 100 * time.Millisecond, Gap: 100 * time.Millisecond},
			{Frequency: 1000, Duration: 100 * time.Millisecond},
		}
	case alert.SeverityWarning:
		return []Tone{
			{Frequency: 800, Duration: 150 * time.Millisecond, Gap: 150 * time.Millisecond},
			{Frequency: 800, Duration: 150 * time.Millisecond},
		}
	default:
		return nil
	}
}

// Player produces a single tone. Implementations return an error when the
// backend is unavailable so the sink can fall through to the next one.
type Player interface {
	Play(ctx context.Context, t Tone) error
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(ctx context.Context, t Tone) error

func (f PlayerFunc) Play(ctx context.Context, t Tone) error { return f(ctx, t) }

// BeepPlayer shells out to beep(1).
func BeepPlayer() Player {
	return PlayerFunc(func(ctx context.Context, t Tone) error {
		cmd := exec.CommandContext(ctx, "beep",
			"-f", fmt.Sprintf("%d", t.Frequency),
			"-l", fmt.Sprintf("%d", t.Duration.Milliseconds()))
		return cmd.Run()
	})
}

// SpeakerTestPlayer drives ALSA's speaker-test sine generator, killed
// after the tone duration.
func SpeakerTestPlayer() Player {
	return PlayerFunc(func(ctx context.Context, t Tone) error {
		cctx, cancel := context.WithTimeout(ctx, t.Duration)
		defer cancel()
		cmd := exec.CommandContext(cctx, "speaker-test",
			"-t", "sine",
			"-f", fmt.Sprintf("%d", t.Frequency),
			"-l", "1")
		err := cmd.Run()
		// speaker-test exits non-zero when we cut it off mid-tone.
		if cctx.Err() == context.DeadlineExceeded {
			return nil
		}
		return err
	})
}

// BellPlayer writes the terminal bell. It cannot fail, which makes it the
// guaranteed tail of the fallback chain.
func BellPlayer() Player {
	return PlayerFunc(func(ctx context.Context, t Tone) error {
		_, _ = os.Stdout.Write([]byte{0x07})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(t.Duration):
			return nil
		}
	})
}

// Sink plays the pattern for each alert at or above Warning.
type Sink struct {
	log     logx.Logger
	players []Player

	mu     sync.Mutex
	failed map[int]bool // players that already failed once this session
	warned bool
}

// Option configures a Sink.
type Option func(*Sink)

// WithPlayers replaces the default backend chain (tests, embedded hosts).
func WithPlayers(players ...Player) Option {
	return func(s *Sink) { s.players = players }
}

func New(log logx.Logger, opts ...Option) *Sink {
	s := &Sink{
		log:     log,
		players: []Player{BeepPlayer(), SpeakerTestPlayer(), BellPlayer()},
		failed:  map[int]bool{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sink) Name() string { return "audio" }

// Handle plays the severity pattern. It never returns an error for a
// playback failure; a dead sound stack only costs the beep.
func (s *Sink) Handle(ctx context.Context, e alert.Event) error {
	pattern := Pattern(e.Severity)
	if len(pattern) == 0 {
		return nil
	}
	for _, t := range pattern {
		if !s.play(ctx, t) {
			return nil
		}
		if t.Gap > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(t.Gap):
			}
		}
	}
	return nil
}

// play tries each backend in order, skipping ones that already failed.
// Reports false only when the context is gone.
func (s *Sink) play(ctx context.Context, t Tone) bool {
	for i, p := range s.players {
		if ctx.Err() != nil {
			return false
		}
		s.mu.Lock()
		skip := s.failed[i]
		s.mu.Unlock()
		if skip {
			continue
		}
		if err := p.Play(ctx, t); err != nil {
			s.mu.Lock()
			s.failed[i] = true
			first := !s.warned
			s.warned = true
			s.mu.Unlock()
			if first {
				s.log.Warn("audio backend unavailable, falling back", logx.Err(err))
			}
			continue
		}
		return true
	}
	return ctx.Err() == nil
}
