package encoding

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(i int) []float64 {
	v := make([]float64, Dim)
	v[i] = 1
	return v
}

type staticSource []types.FaceEncoding

func (s staticSource) AllEncodings(context.Context) ([]types.FaceEncoding, error) {
	return s, nil
}

type failingSource struct{}

func (failingSource) AllEncodings(context.Context) ([]types.FaceEncoding, error) {
	return nil, errors.New("db down")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(types.FaceEncoding{IdentityID: "a", Vector: unit(0)}))
	assert.ErrorIs(t, Validate(types.FaceEncoding{IdentityID: "a", Vector: make([]float64, 127)}), ErrMalformed)
	assert.ErrorIs(t, Validate(types.FaceEncoding{IdentityID: "", Vector: unit(0)}), ErrMalformed)

	nan := unit(0)
	nan[7] = math.NaN()
	assert.ErrorIs(t, Validate(types.FaceEncoding{IdentityID: "a", Vector: nan}), ErrMalformed)
}

func TestLoadMatchable_SkipsMalformed(t *testing.T) {
	src := staticSource{
		{IdentityID: "a", Vector: unit(0)},
		{IdentityID: "short", Vector: []float64{1, 2, 3}},
		{IdentityID: "b", Vector: unit(1)},
		{IdentityID: "long", Vector: make([]float64, 129)},
	}

	got, err := LoadMatchable(context.Background(), src, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].IdentityID)
	assert.Equal(t, "b", got[1].IdentityID, "source order is preserved")
	for _, e := range got {
		assert.Len(t, e.Vector, Dim)
	}

	_, err = LoadMatchable(context.Background(), failingSource{}, nil)
	assert.Error(t, err)
}

func TestAverage(t *testing.T) {
	avg, err := Average([][]float64{unit(0), unit(1)})
	require.NoError(t, err)
	assert.Equal(t, 0.5, avg[0])
	assert.Equal(t, 0.5, avg[1])
	assert.Equal(t, 0.0, avg[2])

	_, err = Average(nil)
	assert.Error(t, err)
	_, err = Average([][]float64{{1}})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encodings.yaml")
	in := []types.FaceEncoding{
		{IdentityID: "1001", Vector: unit(3)},
		{IdentityID: "1002", Vector: unit(4)},
	}
	require.NoError(t, WriteFile(path, in))

	f, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Dim, f.Dim)
	assert.Equal(t, in, f.Encodings)

	require.NoError(t, os.WriteFile(path, []byte("version: 9\n"), 0o600))
	_, err = ReadFile(path)
	assert.Error(t, err)
}

// fakeEncoder maps image file contents to canned encodings.
type fakeEncoder struct {
	mu    sync.Mutex
	byImg map[string][][]float64
	calls int
}

func (f *fakeEncoder) Encode(_ context.Context, img []byte) ([][]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.byImg[string(img)], nil
}

type mapSink struct {
	mu   sync.Mutex
	vecs map[string][]float64
}

func (s *mapSink) UpsertEncoding(_ context.Context, id string, vec []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vecs[id] = vec
	return nil
}

func writeImage(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "1001.jpg"), "a")
	writeImage(t, filepath.Join(dir, "notes.txt"), "x")
	writeImage(t, filepath.Join(dir, "1002", "front.png"), "b")
	writeImage(t, filepath.Join(dir, "1002", "side.JPG"), "c")
	writeImage(t, filepath.Join(dir, ".hidden.jpg"), "d")

	refs, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "1001", refs[0].IdentityID)
	assert.Len(t, refs[0].Paths, 1)
	assert.Equal(t, "1002", refs[1].IdentityID)
	assert.Len(t, refs[1].Paths, 2)
}

func TestEnroll(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "1001.jpg"), "alice")
	writeImage(t, filepath.Join(dir, "1002", "a.jpg"), "bob-1")
	writeImage(t, filepath.Join(dir, "1002", "b.jpg"), "bob-2")
	writeImage(t, filepath.Join(dir, "1003.jpg"), "nobody")

	enc := &fakeEncoder{byImg: map[string][][]float64{
		"alice": {unit(0)},
		"bob-1": {unit(1)},
		"bob-2": {unit(2)},
	}}

	refs, err := Discover(dir)
	require.NoError(t, err)

	t.Run("average", func(t *testing.T) {
		sink := &mapSink{vecs: map[string][]float64{}}
		e, err := NewEnroller([]Encoder{enc, enc}, sink, PolicyAverage, nil)
		require.NoError(t, err)

		var images int
		var mu sync.Mutex
		e.OnImage = func() { mu.Lock(); images++; mu.Unlock() }

		report, err := e.Enroll(context.Background(), refs)
		require.NoError(t, err)
		assert.Equal(t, []string{"1001", "1002"}, report.Enrolled)
		assert.ErrorIs(t, report.Failed["1003"], ErrNoReferenceFace)
		assert.Equal(t, 4, images)
		assert.Equal(t, 0.5, sink.vecs["1002"][1])
		assert.Equal(t, 0.5, sink.vecs["1002"][2])
	})

	t.Run("first", func(t *testing.T) {
		sink := &mapSink{vecs: map[string][]float64{}}
		e, err := NewEnroller([]Encoder{enc}, sink, PolicyFirst, nil)
		require.NoError(t, err)

		_, err = e.Enroll(context.Background(), refs)
		require.NoError(t, err)
		assert.Equal(t, unit(1), sink.vecs["1002"])
	})

	_, err = NewEnroller(nil, &mapSink{}, PolicyFirst, nil)
	assert.Error(t, err)
	_, err = NewEnroller([]Encoder{enc}, &mapSink{}, "median", nil)
	assert.Error(t, err)
}
