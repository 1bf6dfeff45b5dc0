package matcher

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(i int, scale float64) []float64 {
	v := make([]float64, 128)
	v[i] = scale
	return v
}

type stubEncoder struct {
	vecs [][]float64
	err  error
	got  []byte
}

func (s *stubEncoder) Encode(_ context.Context, img []byte) ([][]float64, error) {
	s.got = img
	return s.vecs, s.err
}

func TestDistance(t *testing.T) {
	assert.Equal(t, 0.0, Distance(unit(0, 1), unit(0, 1)))
	assert.InDelta(t, math.Sqrt2, Distance(unit(0, 1), unit(1, 1)), 1e-12)
}

func TestNearest(t *testing.T) {
	a := unit(0, 1)
	b := unit(1, 1)
	known := []types.FaceEncoding{{IdentityID: "A", Vector: a}, {IdentityID: "B", Vector: b}}

	m, err := Nearest(known, a, 0.5)
	require.NoError(t, err)
	assert.Equal(t, "A", m.IdentityID)
	assert.Equal(t, 0.0, m.Distance)

	m, err = Nearest(known, b, 0.5)
	require.NoError(t, err)
	assert.Equal(t, "B", m.IdentityID)

	// Orthogonal to both at distance sqrt(2)
	_, err = Nearest(known, unit(2, 1), 0.5)
	assert.ErrorIs(t, err, ErrNoMatch)

	_, err = Nearest(nil, a, 0.5)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestNearest_CloserOfTwo(t *testing.T) {
	known := []types.FaceEncoding{{IdentityID: "A", Vector: unit(0, 1)}, {IdentityID: "B", Vector: unit(1, 1)}}
	query := make([]float64, 128)
	query[0], query[1] = 0.9, 0.1

	m, err := Nearest(known, query, 0.5)
	require.NoError(t, err)
	assert.Equal(t, "A", m.IdentityID)
	assert.InDelta(t, 0.1414, m.Distance, 1e-3)
}

func TestNearest_StrictTolerance(t *testing.T) {
	known := []types.FaceEncoding{{IdentityID: "A", Vector: unit(0, 1)}}
	query := unit(0, 1.5) // distance exactly 0.5

	_, err := Nearest(known, query, 0.5)
	assert.ErrorIs(t, err, ErrNoMatch)

	m, err := Nearest(known, query, 0.5000001)
	require.NoError(t, err)
	assert.Equal(t, "A", m.IdentityID)
}

func TestNearest_TieKeepsFirst(t *testing.T) {
	query := unit(0, 1)
	known := []types.FaceEncoding{
		{IdentityID: "1002", Vector: unit(0, 1.25)},
		{IdentityID: "1001", Vector: unit(0, 0.75)},
	}
	for i := 0; i < 5; i++ {
		m, err := Nearest(known, query, 0.5)
		require.NoError(t, err)
		assert.Equal(t, "1002", m.IdentityID)
	}
}

func solidImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 150, B: 100, A: 255})
		}
	}
	return img
}

func TestCropFace(t *testing.T) {
	img := solidImage(640, 480)

	t.Run("padding", func(t *testing.T) {
		crop, err := CropFace(img, types.BBox{X: 100, Y: 100, Width: 80, Height: 80}, 0.25, 320)
		require.NoError(t, err)
		assert.Equal(t, 120, crop.Bounds().Dx())
		assert.Equal(t, 120, crop.Bounds().Dy())
	})

	t.Run("clamped to frame", func(t *testing.T) {
		crop, err := CropFace(img, types.BBox{X: 0, Y: 0, Width: 80, Height: 80}, 0.25, 320)
		require.NoError(t, err)
		assert.Equal(t, 100, crop.Bounds().Dx())
		assert.Equal(t, 100, crop.Bounds().Dy())
	})

	t.Run("downsampled", func(t *testing.T) {
		crop, err := CropFace(img, types.BBox{X: 100, Y: 50, Width: 400, Height: 200}, 0, 100)
		require.NoError(t, err)
		assert.Equal(t, 100, crop.Bounds().Dx())
		assert.Equal(t, 50, crop.Bounds().Dy())
	})

	t.Run("inverted box", func(t *testing.T) {
		// image.Rect would silently swap the corners of a negative box
		_, err := CropFace(img, types.BBox{X: 200, Y: 200, Width: -80, Height: 80}, 0.25, 320)
		assert.ErrorIs(t, err, ErrEmptyCrop)
	})

	t.Run("outside frame", func(t *testing.T) {
		_, err := CropFace(img, types.BBox{X: 1000, Y: 1000, Width: 10, Height: 10}, 0.25, 320)
		assert.ErrorIs(t, err, ErrEmptyCrop)
	})
}

func TestMatchFace(t *testing.T) {
	known := []types.FaceEncoding{{IdentityID: "A", Vector: unit(0, 1)}}
	img := solidImage(320, 240)
	box := types.BBox{X: 100, Y: 60, Width: 100, Height: 100}

	t.Run("match", func(t *testing.T) {
		enc := &stubEncoder{vecs: [][]float64{unit(0, 1.1)}}
		m, err := New(DefaultConfig(), enc, known, nil)
		require.NoError(t, err)

		got, err := m.MatchFace(context.Background(), img, box)
		require.NoError(t, err)
		assert.Equal(t, "A", got.IdentityID)

		decoded, err := DecodeFrame(enc.got)
		require.NoError(t, err, "crop must reach the engine as a decodable JPEG")
		assert.Equal(t, 150, decoded.Bounds().Dx())
	})

	t.Run("no encoding", func(t *testing.T) {
		m, err := New(DefaultConfig(), &stubEncoder{}, known, nil)
		require.NoError(t, err)
		_, err = m.MatchFace(context.Background(), img, box)
		assert.ErrorIs(t, err, ErrNoEncoding)
	})

	t.Run("unknown face", func(t *testing.T) {
		m, err := New(DefaultConfig(), &stubEncoder{vecs: [][]float64{unit(5, 1)}}, known, nil)
		require.NoError(t, err)
		_, err = m.MatchFace(context.Background(), img, box)
		assert.ErrorIs(t, err, ErrNoMatch)
	})

	t.Run("engine error", func(t *testing.T) {
		boom := errors.New("boom")
		m, err := New(DefaultConfig(), &stubEncoder{err: boom}, known, nil)
		require.NoError(t, err)
		_, err = m.MatchFace(context.Background(), img, box)
		assert.ErrorIs(t, err, boom)
	})
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.Tolerance = 0
	assert.Error(t, cfg.Validate())
}
