package liveness

import (
	"fmt"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Config holds the blink detector and face tracking thresholds.
type Config struct {
	EARThreshold       float64 // EAR below this counts as a closed eye
	MinEARChange       float64 // minimum drop from the previous sample
	ConsecFrames       int     // drop frames needed before a rise confirms a blink
	RequiredBlinks     int     // confirmed blinks that make a face live
	EARHistory         int
	PositionHistory    int
	StabilityThreshold float64 // max box movement (px) between consecutive frames
	IoUThreshold       float64 // min overlap to keep a detection on the same track
	MaxMissedFrames    int     // frames a track survives without a detection
}

// DefaultConfig returns the thresholds tuned for the kiosk camera.
func DefaultConfig() Config {
	return Config{
		EARThreshold:       0.26,
		MinEARChange:       0.08,
		ConsecFrames:       1,
		RequiredBlinks:     2,
		EARHistory:         2,
		PositionHistory:    2,
		StabilityThreshold: 20,
		IoUThreshold:       0.3,
		MaxMissedFrames:    15,
	}
}

// Validate rejects thresholds the state machine cannot work with.
func (c Config) Validate() error {
	switch {
	case c.EARThreshold <= 0:
		return fmt.Errorf("ear threshold must be > 0, got %f", c.EARThreshold)
	case c.MinEARChange < 0:
		return fmt.Errorf("min ear change must be >= 0, got %f", c.MinEARChange)
	case c.ConsecFrames < 1:
		return fmt.Errorf("consecutive frames must be >= 1, got %d", c.ConsecFrames)
	case c.RequiredBlinks < 1:
		return fmt.Errorf("required blinks must be >= 1, got %d", c.RequiredBlinks)
	case c.EARHistory < 2:
		return fmt.Errorf("ear history must be >= 2, got %d", c.EARHistory)
	case c.PositionHistory < 2:
		return fmt.Errorf("position history must be >= 2, got %d", c.PositionHistory)
	case c.StabilityThreshold <= 0:
		return fmt.Errorf("stability threshold must be > 0, got %f", c.StabilityThreshold)
	case c.IoUThreshold <= 0 || c.IoUThreshold > 1:
		return fmt.Errorf("iou threshold must be within (0, 1], got %f", c.IoUThreshold)
	case c.MaxMissedFrames < 0:
		return fmt.Errorf("max missed frames must be >= 0, got %d", c.MaxMissedFrames)
	}
	return nil
}

// State is the blink state of one tracked face.
type State struct {
	BlinkCounter    int
	ConfirmedBlinks int

	cfg       Config
	ear       *Ring[float64]
	positions *Ring[types.BBox]
}

// Observation is what one frame did to a face's state.
type Observation struct {
	Stable         bool
	EAR            float64
	Drop           bool
	BlinkConfirmed bool
	// Live is raised for exactly one frame when the required blinks are reached.
	Live bool
	Err  error
}

// NewState returns a zeroed state for a newly seen face.
func NewState(cfg Config) *State {
	return &State{
		cfg:       cfg,
		ear:       NewRing[float64](cfg.EARHistory),
		positions: NewRing[types.BBox](cfg.PositionHistory),
	}
}

// Step runs one frame through the state machine: position and stability
// first, then EAR, drop evaluation and counter updates. An unstable face
// leaves the blink state untouched.
func (s *State) Step(lf types.LandmarkFrame) Observation {
	obs := Observation{Stable: s.observePosition(lf.Box)}
	if !obs.Stable {
		return obs
	}

	ear, err := AverageEAR(lf)
	if err != nil {
		obs.Err = err
		return obs
	}
	obs.EAR = ear
	obs.Drop, obs.BlinkConfirmed, obs.Live = s.Feed(ear)
	return obs
}

// Feed appends one EAR sample and updates the blink counters.
func (s *State) Feed(ear float64) (drop, confirmed, live bool) {
	s.ear.Push(ear)
	if s.ear.Len() < 2 {
		return false, false, false
	}

	prev := s.ear.At(s.ear.Len() - 2)
	drop = ear < s.cfg.EARThreshold && prev-ear > s.cfg.MinEARChange
	if drop {
		s.BlinkCounter++
	} else {
		if s.BlinkCounter >= s.cfg.ConsecFrames {
			s.ConfirmedBlinks++
			confirmed = true
		}
		s.BlinkCounter = 0
	}

	if s.ConfirmedBlinks >= s.cfg.RequiredBlinks {
		s.BlinkCounter = 0
		s.ConfirmedBlinks = 0
		live = true
	}
	return drop, confirmed, live
}

// observePosition records box and reports whether the face held still.
// With fewer than two samples the face counts as stable.
func (s *State) observePosition(box types.BBox) bool {
	s.positions.Push(box)
	n := s.positions.Len()
	if n < 2 {
		return true
	}
	for i := 1; i < n; i++ {
		if boxDistance(s.positions.At(i-1), s.positions.At(i)) >= s.cfg.StabilityThreshold {
			return false
		}
	}
	return true
}
