// Package session runs one attendance session: it pulls frames from a
// capture source, tracks faces until one proves it is live by blinking,
// matches it and commits attendance. The loop is single goroutine and
// synchronous; the only suspension point is the frame pull.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/liveness"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/metrics"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/google/uuid"
)

// Detector finds faces and their landmarks in an encoded frame.
type Detector interface {
	Detect(ctx context.Context, img []byte) ([]types.LandmarkFrame, error)
}

// Matcher identifies a live face.
type Matcher interface {
	MatchFace(ctx context.Context, frame image.Image, box types.BBox) (matcher.Match, error)
}

// Recorder commits attendance for a matched identity.
type Recorder interface {
	Commit(ctx context.Context, identityID string) (attendance.Outcome, error)
}

// Opener acquires the capture source when the session starts.
type Opener func(ctx context.Context) (capture.Source, error)

// Config bounds a session.
type Config struct {
	Policy      Policy
	MaxFrames   int           // 0 means unlimited
	MaxDuration time.Duration // 0 means unlimited
	Liveness    liveness.Config
}

func DefaultConfig() Config {
	return Config{Policy: PolicySingleShot, Liveness: liveness.DefaultConfig()}
}

// Commit is one identity committed during the session.
type Commit struct {
	IdentityID    string
	DisplayName   string
	Date          types.Date
	AlreadyMarked bool
	Distance      float64
	TrackID       int
}

// Result is what a session surfaces to its caller.
type Result struct {
	SessionID uuid.UUID
	Reason    Reason
	Frames    int
	Commits   []Commit
}

// Committed reports whether any identity was committed.
func (r Result) Committed() bool { return len(r.Commits) > 0 }

// Deps are the collaborators of a session. Metrics and Logger may be nil.
type Deps struct {
	Detector Detector
	Matcher  Matcher
	Recorder Recorder
	Metrics  *metrics.Kiosk
	Logger   *slog.Logger

	// OnCommit, if set, is called synchronously after every commit.
	OnCommit func(Commit)
}

// Session is a single run of the loop. It is not reusable.
type Session struct {
	cfg   Config
	deps  Deps
	log   *slog.Logger
	state State
	now   func() time.Time

	tracker   *liveness.Tracker
	committed map[string]bool
}

func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Detector == nil || deps.Matcher == nil || deps.Recorder == nil {
		return nil, errors.New("session needs a detector, a matcher and a recorder")
	}
	if _, err := ParsePolicy(string(cfg.Policy)); err != nil {
		return nil, err
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicySingleShot
	}
	if err := cfg.Liveness.Validate(); err != nil {
		return nil, fmt.Errorf("invalid liveness config: %w", err)
	}
	if cfg.MaxFrames < 0 || cfg.MaxDuration < 0 {
		return nil, errors.New("session limits must not be negative")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:       cfg,
		deps:      deps,
		log:       logger,
		now:       time.Now,
		tracker:   liveness.NewTracker(cfg.Liveness),
		committed: make(map[string]bool),
	}, nil
}

// State returns the current loop state.
func (s *Session) State() State { return s.state }

func (s *Session) setState(st State) {
	if s.state != st {
		s.log.Debug("session state", "from", s.state, "to", st)
		s.state = st
	}
}

// Run acquires the source, loops until a terminal condition and releases
// the source on every exit path. It returns an error only when the device
// cannot be opened, a frame read fails or the face engine dies; every
// per-frame and per-face failure is logged and skipped.
func (s *Session) Run(ctx context.Context, open Opener) (res Result, err error) {
	res.SessionID = uuid.New()
	s.log = s.log.With("session", res.SessionID.String())
	s.setState(StateIdle)
	defer func() {
		s.setState(StateTerminated)
		s.deps.Metrics.Session(string(res.Reason))
		s.log.Info("session ended", "reason", res.Reason, "frames", res.Frames, "commits", len(res.Commits))
	}()

	runCtx := ctx
	if s.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.MaxDuration)
		defer cancel()
	}

	src, err := open(runCtx)
	if err != nil {
		if r, ok := s.stopReason(ctx, runCtx); ok {
			res.Reason = r
			return res, nil
		}
		res.Reason = ReasonDeviceError
		if !errors.Is(err, capture.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", capture.ErrDeviceUnavailable, err)
		}
		return res, err
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			s.log.Warn("failed to release capture source", "error", cerr)
		}
	}()

	for {
		if r, ok := s.stopReason(ctx, runCtx); ok {
			res.Reason = r
			return res, nil
		}
		if s.cfg.MaxFrames > 0 && res.Frames >= s.cfg.MaxFrames {
			res.Reason = ReasonMaxFrames
			return res, nil
		}

		s.setState(StateCapturing)
		frame, err := src.Next(runCtx)
		if err != nil {
			if r, ok := s.stopReason(ctx, runCtx); ok {
				res.Reason = r
				return res, nil
			}
			if errors.Is(err, io.EOF) {
				res.Reason = ReasonSourceEnded
				return res, nil
			}
			res.Reason = ReasonDeviceError
			if !errors.Is(err, capture.ErrFrameRead) {
				err = fmt.Errorf("%w: %w", capture.ErrFrameRead, err)
			}
			return res, err
		}
		res.Frames++

		done, err := s.processFrame(runCtx, frame, &res)
		if err != nil {
			if r, ok := s.stopReason(ctx, runCtx); ok {
				res.Reason = r
				return res, nil
			}
			res.Reason = ReasonEngineExited
			return res, err
		}
		if done {
			res.Reason = ReasonCommitted
			return res, nil
		}
	}
}

// stopReason maps a finished context to a termination reason.
func (s *Session) stopReason(parent, run context.Context) (Reason, bool) {
	if parent.Err() != nil {
		return ReasonCancelled, true
	}
	if run.Err() != nil {
		return ReasonMaxDuration, true
	}
	return "", false
}

// processFrame runs detection, tracking and, for faces that just became
// live, matching and commit. It reports done when the policy ends the
// session, and returns an error only for a dead engine.
func (s *Session) processFrame(ctx context.Context, frame []byte, res *Result) (bool, error) {
	start := s.now()
	faces := 0
	defer func() {
		s.deps.Metrics.Frame(s.now().Sub(start).Seconds(), faces)
	}()

	s.setState(StateDetecting)
	detected, err := s.deps.Detector.Detect(ctx, frame)
	s.deps.Metrics.Engine("detect", s.now().Sub(start).Seconds())
	if err != nil {
		if errors.Is(err, worker.ErrEngineExited) || ctx.Err() != nil {
			return false, err
		}
		s.log.Warn("detection failed, skipping frame", "frame", res.Frames, "error", err)
		return false, nil
	}
	faces = len(detected)

	s.setState(StateTracking)
	observations := s.tracker.Observe(detected)
	s.deps.Metrics.Tracks(s.tracker.Len())

	img := s.decodeIfLive(frame, observations)
	for _, obs := range observations {
		if obs.Err != nil {
			s.log.Debug("landmarks unusable", "track", obs.TrackID, "error", obs.Err)
			continue
		}
		if obs.BlinkConfirmed {
			s.deps.Metrics.Blink()
			if st := s.tracker.State(obs.TrackID); st != nil {
				s.log.Debug("blink confirmed", "track", obs.TrackID, "ear", obs.EAR, "blinks", st.ConfirmedBlinks)
			}
		}
		if !obs.Live {
			continue
		}
		s.deps.Metrics.Live()
		s.log.Info("face is live", "track", obs.TrackID, "frame", res.Frames)
		if img == nil {
			continue
		}

		commit, ok, err := s.matchAndCommit(ctx, img, obs)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		res.Commits = append(res.Commits, commit)
		if s.deps.OnCommit != nil {
			s.deps.OnCommit(commit)
		}
		if s.cfg.Policy == PolicySingleShot {
			// Remaining faces of this frame and their states are discarded.
			s.tracker.Reset()
			return true, nil
		}
	}
	return false, nil
}

// decodeIfLive decodes the frame once when any face in it just became live.
// It returns nil when no face is live or the frame cannot be decoded.
func (s *Session) decodeIfLive(frame []byte, observations []liveness.FaceObservation) image.Image {
	for _, obs := range observations {
		if !obs.Live || obs.Err != nil {
			continue
		}
		img, err := matcher.DecodeFrame(frame)
		if err != nil {
			s.log.Warn("cannot decode frame for matching", "error", err)
			return nil
		}
		return img
	}
	return nil
}

func (s *Session) matchAndCommit(ctx context.Context, img image.Image, obs liveness.FaceObservation) (Commit, bool, error) {
	s.setState(StateMatching)
	start := s.now()
	match, err := s.deps.Matcher.MatchFace(ctx, img, obs.Face.Box)
	s.deps.Metrics.Engine("encode", s.now().Sub(start).Seconds())
	switch {
	case err == nil:
		s.deps.Metrics.Match("matched")
	case errors.Is(err, matcher.ErrNoEncoding):
		s.deps.Metrics.Match("no-encoding")
		s.log.Info("no encoding extracted from live face", "track", obs.TrackID)
		return Commit{}, false, nil
	case errors.Is(err, matcher.ErrNoMatch):
		s.deps.Metrics.Match("no-match")
		s.log.Info("live face is not enrolled", "track", obs.TrackID)
		return Commit{}, false, nil
	case errors.Is(err, worker.ErrEngineExited), ctx.Err() != nil:
		return Commit{}, false, err
	default:
		s.deps.Metrics.Match("error")
		s.log.Warn("matching failed", "track", obs.TrackID, "error", err)
		return Commit{}, false, nil
	}

	if s.committed[match.IdentityID] {
		s.log.Debug("identity already committed in this session", "identity", match.IdentityID)
		return Commit{}, false, nil
	}

	s.setState(StateCommitting)
	out, err := s.deps.Recorder.Commit(ctx, match.IdentityID)
	if err != nil {
		s.deps.Metrics.Commit("error")
		s.log.Warn("commit failed", "identity", match.IdentityID, "error", err)
		return Commit{}, false, nil
	}
	s.deps.Metrics.Commit(out.Status.String())
	s.committed[match.IdentityID] = true

	return Commit{
		IdentityID:    out.Identity.ID,
		DisplayName:   out.Identity.DisplayName,
		Date:          out.Date,
		AlreadyMarked: out.Status == attendance.StatusAlreadyMarked,
		Distance:      match.Distance,
		TrackID:       obs.TrackID,
	}, true, nil
}
