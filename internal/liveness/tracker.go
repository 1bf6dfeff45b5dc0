// Package liveness turns per-frame eye landmarks into a blink-based liveness
// decision, keeping one independent state per tracked face.
package liveness

import (
	"github.com/andresmejia3/rollcall/internal/types"
)

type track struct {
	id     int
	state  *State
	box    types.BBox
	missed int
}

// FaceObservation ties a frame's observation to the track it updated.
type FaceObservation struct {
	TrackID int
	Face    types.LandmarkFrame
	Observation
}

// Tracker follows faces across frames and owns their liveness states.
// It is not safe for concurrent use; the session loop is its only caller.
type Tracker struct {
	cfg    Config
	tracks []*track
	nextID int
}

// NewTracker returns a tracker with no faces.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, nextID: 1}
}

// Observe assigns each detection to a track, steps that track's state and
// returns the observations in detection order. Tracks without a detection
// age and are dropped once they exceed MaxMissedFrames.
func (t *Tracker) Observe(faces []types.LandmarkFrame) []FaceObservation {
	assigned := make(map[*track]bool, len(t.tracks))
	out := make([]FaceObservation, 0, len(faces))

	for _, face := range faces {
		tr := t.match(face.Box, assigned)
		if tr == nil {
			tr = &track{id: t.nextID, state: NewState(t.cfg)}
			t.nextID++
			t.tracks = append(t.tracks, tr)
		}
		assigned[tr] = true
		tr.box = face.Box
		tr.missed = 0

		out = append(out, FaceObservation{
			TrackID:     tr.id,
			Face:        face,
			Observation: tr.state.Step(face),
		})
	}

	active := t.tracks[:0]
	for _, tr := range t.tracks {
		if !assigned[tr] {
			tr.missed++
			if tr.missed > t.cfg.MaxMissedFrames {
				continue
			}
		}
		active = append(active, tr)
	}
	t.tracks = active

	return out
}

// match returns the unassigned track overlapping box the most, or nil.
func (t *Tracker) match(box types.BBox, assigned map[*track]bool) *track {
	var best *track
	bestIoU := t.cfg.IoUThreshold
	for _, tr := range t.tracks {
		if assigned[tr] {
			continue
		}
		// Boxes that do not overlap at all never share a track.
		if v := iou(tr.box, box); v > 0 && v >= bestIoU && (best == nil || v > bestIoU) {
			best = tr
			bestIoU = v
		}
	}
	return best
}

// State returns the liveness state of a track, or nil if it is gone.
func (t *Tracker) State(trackID int) *State {
	for _, tr := range t.tracks {
		if tr.id == trackID {
			return tr.state
		}
	}
	return nil
}

// Len returns the number of live tracks.
func (t *Tracker) Len() int { return len(t.tracks) }

// Reset forgets every tracked face.
func (t *Tracker) Reset() {
	t.tracks = nil
}
