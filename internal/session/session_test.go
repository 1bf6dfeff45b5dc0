package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/liveness"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/metrics"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	boxA = types.BBox{X: 20, Y: 20, Width: 100, Height: 100}
	boxB = types.BBox{X: 200, Y: 20, Width: 100, Height: 100}
)

// blink is an EAR sequence that confirms two blinks on its last sample.
var blink = []float64{0.30, 0.10, 0.30, 0.10, 0.30}

func eye(x, y, ear float64) []types.Point {
	const w = 30.0
	h := ear * w / 2
	return []types.Point{
		{X: x, Y: y},
		{X: x + w/3, Y: y - h},
		{X: x + 2*w/3, Y: y - h},
		{X: x + w, Y: y},
		{X: x + 2*w/3, Y: y + h},
		{X: x + w/3, Y: y + h},
	}
}

func face(box types.BBox, ear float64) types.LandmarkFrame {
	points := make([]types.Point, liveness.FullLandmarkCount)
	copy(points[36:], eye(float64(box.X)+10, float64(box.Y)+30, ear))
	copy(points[42:], eye(float64(box.X)+50, float64(box.Y)+30, ear))
	return types.LandmarkFrame{Box: box, Points: points}
}

func testFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 320, 160))
	for y := 0; y < 160; y++ {
		for x := 0; x < 320; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

// fakeSource replays the same frame n times, forever when n < 0.
type fakeSource struct {
	frame   []byte
	n       int
	served  int
	failAt  int
	closed  int
	blockAt int
}

func (s *fakeSource) Next(ctx context.Context) ([]byte, error) {
	if s.closed > 0 {
		return nil, capture.ErrFrameRead
	}
	if s.blockAt > 0 && s.served == s.blockAt {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.failAt > 0 && s.served == s.failAt {
		return nil, errors.New("usb unplugged")
	}
	if s.n >= 0 && s.served >= s.n {
		return nil, io.EOF
	}
	s.served++
	return s.frame, nil
}

func (s *fakeSource) Close() error {
	s.closed++
	return nil
}

func opener(src *fakeSource) Opener {
	return func(context.Context) (capture.Source, error) { return src, nil }
}

// scriptDetector returns script[i] on call i and no faces afterwards.
type scriptDetector struct {
	script [][]types.LandmarkFrame
	calls  int
	err    error
	panic  bool
}

func (d *scriptDetector) Detect(context.Context, []byte) ([]types.LandmarkFrame, error) {
	if d.panic {
		panic("detector blew up")
	}
	if d.err != nil {
		return nil, d.err
	}
	defer func() { d.calls++ }()
	if d.calls < len(d.script) {
		return d.script[d.calls], nil
	}
	return nil, nil
}

// boxMatcher maps a face box to an identity.
type boxMatcher struct {
	ids   map[types.BBox]string
	calls int
}

func (m *boxMatcher) MatchFace(_ context.Context, frame image.Image, box types.BBox) (matcher.Match, error) {
	m.calls++
	if frame == nil {
		return matcher.Match{}, errors.New("nil frame")
	}
	id, ok := m.ids[box]
	if !ok {
		return matcher.Match{}, matcher.ErrNoMatch
	}
	return matcher.Match{IdentityID: id, Distance: 0.3}, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	commits []string
	marked  map[string]bool
	err     error
}

func (r *fakeRecorder) Commit(_ context.Context, id string) (attendance.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return attendance.Outcome{}, r.err
	}
	if r.marked == nil {
		r.marked = map[string]bool{}
	}
	r.commits = append(r.commits, id)
	status := attendance.StatusMarked
	if r.marked[id] {
		status = attendance.StatusAlreadyMarked
	}
	r.marked[id] = true
	return attendance.Outcome{
		Identity: types.Identity{ID: id, DisplayName: "Student " + id, Active: true},
		Date:     "2026-03-02",
		Status:   status,
	}, nil
}

// blinking scripts every box through the blink sequence in lockstep.
func blinking(boxes ...types.BBox) [][]types.LandmarkFrame {
	script := make([][]types.LandmarkFrame, len(blink))
	for i, ear := range blink {
		for _, b := range boxes {
			script[i] = append(script[i], face(b, ear))
		}
	}
	return script
}

func newSession(t *testing.T, cfg Config, det Detector, m Matcher, rec Recorder) *Session {
	t.Helper()
	s, err := New(cfg, Deps{Detector: det, Matcher: m, Recorder: rec})
	require.NoError(t, err)
	return s
}

func TestRun_BlinkThenCommit(t *testing.T) {
	src := &fakeSource{frame: testFrame(t), n: -1}
	m := &boxMatcher{ids: map[types.BBox]string{boxA: "1001"}}
	rec := &fakeRecorder{}
	var seen []Commit
	s, err := New(DefaultConfig(), Deps{
		Detector: &scriptDetector{script: blinking(boxA)},
		Matcher:  m,
		Recorder: rec,
		OnCommit: func(c Commit) { seen = append(seen, c) },
	})
	require.NoError(t, err)

	res, err := s.Run(context.Background(), opener(src))
	require.NoError(t, err)

	assert.Equal(t, ReasonCommitted, res.Reason)
	assert.Equal(t, len(blink), res.Frames)
	require.Len(t, res.Commits, 1)
	assert.Equal(t, "1001", res.Commits[0].IdentityID)
	assert.Equal(t, "Student 1001", res.Commits[0].DisplayName)
	assert.False(t, res.Commits[0].AlreadyMarked)
	assert.Equal(t, res.Commits, seen)
	assert.Equal(t, 1, m.calls, "matching runs only once the face is live")
	assert.Equal(t, 1, src.closed)
	assert.Equal(t, StateTerminated, s.State())
	assert.NotEqual(t, uuid.Nil, res.SessionID)
}

func TestRun_SingleShotCommitsFirstLiveFace(t *testing.T) {
	src := &fakeSource{frame: testFrame(t), n: -1}
	m := &boxMatcher{ids: map[types.BBox]string{boxA: "1001", boxB: "1002"}}
	rec := &fakeRecorder{}
	s := newSession(t, DefaultConfig(), &scriptDetector{script: blinking(boxA, boxB)}, m, rec)

	res, err := s.Run(context.Background(), opener(src))
	require.NoError(t, err)

	assert.Equal(t, ReasonCommitted, res.Reason)
	assert.Equal(t, []string{"1001"}, rec.commits)
	assert.Equal(t, 1, m.calls)
}

func TestRun_ContinuousCommitsEveryIdentityOnce(t *testing.T) {
	script := append(blinking(boxA, boxB), blinking(boxA, boxB)...)
	src := &fakeSource{frame: testFrame(t), n: len(script)}
	m := &boxMatcher{ids: map[types.BBox]string{boxA: "1001", boxB: "1002"}}
	rec := &fakeRecorder{}
	cfg := DefaultConfig()
	cfg.Policy = PolicyContinuous
	s := newSession(t, cfg, &scriptDetector{script: script}, m, rec)

	res, err := s.Run(context.Background(), opener(src))
	require.NoError(t, err)

	assert.Equal(t, ReasonSourceEnded, res.Reason)
	assert.Equal(t, []string{"1001", "1002"}, rec.commits)
	require.Len(t, res.Commits, 2)
}

func TestRun_UnknownFaceKeepsLooping(t *testing.T) {
	src := &fakeSource{frame: testFrame(t), n: len(blink) + 3}
	m := &boxMatcher{ids: map[types.BBox]string{}}
	rec := &fakeRecorder{}
	s := newSession(t, DefaultConfig(), &scriptDetector{script: blinking(boxA)}, m, rec)

	res, err := s.Run(context.Background(), opener(src))
	require.NoError(t, err)

	assert.Equal(t, ReasonSourceEnded, res.Reason)
	assert.Equal(t, len(blink)+3, res.Frames)
	assert.False(t, res.Committed())
	assert.Equal(t, 1, m.calls)
	assert.Empty(t, rec.commits)
}

func TestRun_UndecodableFrameKeepsProcessingFaces(t *testing.T) {
	src := &fakeSource{frame: []byte("not a jpeg"), n: len(blink)}
	m := &boxMatcher{ids: map[types.BBox]string{boxA: "1001", boxB: "1002"}}
	km, err := metrics.NewKiosk(prometheus.NewRegistry())
	require.NoError(t, err)
	s, err := New(DefaultConfig(), Deps{
		Detector: &scriptDetector{script: blinking(boxA, boxB)},
		Matcher:  m,
		Recorder: &fakeRecorder{},
		Metrics:  km,
	})
	require.NoError(t, err)

	res, err := s.Run(context.Background(), opener(src))
	require.NoError(t, err)

	assert.Equal(t, ReasonSourceEnded, res.Reason)
	assert.Equal(t, 2.0, testutil.ToFloat64(km.LiveFacesTotal), "every live face in the frame is seen")
	assert.Equal(t, 0, m.calls)
	assert.False(t, res.Committed())
}

func TestRun_CommitFailureIsNotFatal(t *testing.T) {
	src := &fakeSource{frame: testFrame(t), n: len(blink)}
	m := &boxMatcher{ids: map[types.BBox]string{boxA: "1001"}}
	rec := &fakeRecorder{err: errors.New("database is locked")}
	s := newSession(t, DefaultConfig(), &scriptDetector{script: blinking(boxA)}, m, rec)

	res, err := s.Run(context.Background(), opener(src))
	require.NoError(t, err)
	assert.Equal(t, ReasonSourceEnded, res.Reason)
	assert.False(t, res.Committed())
}

func TestRun_NoFacesUntilCancelled(t *testing.T) {
	src := &fakeSource{frame: testFrame(t), n: -1, blockAt: 10}
	s := newSession(t, DefaultConfig(), &scriptDetector{}, &boxMatcher{}, &fakeRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := s.Run(ctx, opener(src))
	require.NoError(t, err)

	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Equal(t, 10, res.Frames)
	assert.Equal(t, 1, src.closed)
}

func TestRun_MaxFrames(t *testing.T) {
	src := &fakeSource{frame: testFrame(t), n: -1}
	cfg := DefaultConfig()
	cfg.MaxFrames = 7
	s := newSession(t, cfg, &scriptDetector{}, &boxMatcher{}, &fakeRecorder{})

	res, err := s.Run(context.Background(), opener(src))
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxFrames, res.Reason)
	assert.Equal(t, 7, res.Frames)
}

func TestRun_MaxDuration(t *testing.T) {
	src := &fakeSource{frame: testFrame(t), n: -1, blockAt: 1}
	cfg := DefaultConfig()
	cfg.MaxDuration = 20 * time.Millisecond
	s := newSession(t, cfg, &scriptDetector{}, &boxMatcher{}, &fakeRecorder{})

	res, err := s.Run(context.Background(), opener(src))
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxDuration, res.Reason)
}

func TestRun_FrameReadFailure(t *testing.T) {
	src := &fakeSource{frame: testFrame(t), n: -1, failAt: 3}
	s := newSession(t, DefaultConfig(), &scriptDetector{}, &boxMatcher{}, &fakeRecorder{})

	res, err := s.Run(context.Background(), opener(src))
	require.ErrorIs(t, err, capture.ErrFrameRead)
	assert.Equal(t, ReasonDeviceError, res.Reason)
	assert.Equal(t, 3, res.Frames)
	assert.Equal(t, 1, src.closed)
}

func TestRun_DeviceUnavailable(t *testing.T) {
	s := newSession(t, DefaultConfig(), &scriptDetector{}, &boxMatcher{}, &fakeRecorder{})

	res, err := s.Run(context.Background(), func(context.Context) (capture.Source, error) {
		return nil, errors.New("no such device")
	})
	require.ErrorIs(t, err, capture.ErrDeviceUnavailable)
	assert.Equal(t, ReasonDeviceError, res.Reason)
	assert.Zero(t, res.Frames)
}

func TestRun_EngineExitIsFatal(t *testing.T) {
	src := &fakeSource{frame: testFrame(t), n: -1}
	det := &scriptDetector{err: worker.ErrEngineExited}
	s := newSession(t, DefaultConfig(), det, &boxMatcher{}, &fakeRecorder{})

	res, err := s.Run(context.Background(), opener(src))
	require.ErrorIs(t, err, worker.ErrEngineExited)
	assert.Equal(t, ReasonEngineExited, res.Reason)
	assert.Equal(t, 1, src.closed)
}

func TestRun_DetectionErrorSkipsFrame(t *testing.T) {
	src := &fakeSource{frame: testFrame(t), n: 4}
	det := &scriptDetector{err: errors.New("engine error: bad jpeg")}
	s := newSession(t, DefaultConfig(), det, &boxMatcher{}, &fakeRecorder{})

	res, err := s.Run(context.Background(), opener(src))
	require.NoError(t, err)
	assert.Equal(t, ReasonSourceEnded, res.Reason)
	assert.Equal(t, 4, res.Frames)
}

func TestRun_PanicStillReleasesSource(t *testing.T) {
	src := &fakeSource{frame: testFrame(t), n: -1}
	s := newSession(t, DefaultConfig(), &scriptDetector{panic: true}, &boxMatcher{}, &fakeRecorder{})

	assert.Panics(t, func() {
		_, _ = s.Run(context.Background(), opener(src))
	})
	assert.Equal(t, 1, src.closed)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Policy = "forever"
	_, err = New(cfg, Deps{Detector: &scriptDetector{}, Matcher: &boxMatcher{}, Recorder: &fakeRecorder{}})
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Liveness.RequiredBlinks = 0
	_, err = New(cfg, Deps{Detector: &scriptDetector{}, Matcher: &boxMatcher{}, Recorder: &fakeRecorder{}})
	assert.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicySingleShot, p)

	p, err = ParsePolicy("continuous")
	require.NoError(t, err)
	assert.Equal(t, PolicyContinuous, p)

	_, err = ParsePolicy("twice")
	assert.Error(t, err)
	assert.Equal(t, "matching", StateMatching.String())
}
