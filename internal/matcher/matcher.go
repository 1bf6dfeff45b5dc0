// Package matcher turns a detected face into an identity: it crops the face
// region, asks the engine for one embedding and picks the nearest stored
// encoding within a distance tolerance.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/andresmejia3/rollcall/internal/encoding"
	"github.com/andresmejia3/rollcall/internal/types"
)

var (
	// ErrNoEncoding means the engine found no face in the crop.
	ErrNoEncoding = errors.New("no face encoding extracted")
	// ErrNoMatch means no stored encoding lies within tolerance.
	ErrNoMatch = errors.New("no identity within tolerance")
)

// Config tunes matching and cropping.
type Config struct {
	Tolerance   float64 // accept distance strictly below this
	CropPadding float64 // fraction of the box added on every side
	MaxCropSide int     // longest side of the crop sent to the engine
}

func DefaultConfig() Config {
	return Config{Tolerance: 0.5, CropPadding: 0.25, MaxCropSide: 320}
}

func (c Config) Validate() error {
	if c.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be > 0, got %v", c.Tolerance)
	}
	if c.CropPadding < 0 {
		return fmt.Errorf("crop padding must be >= 0, got %v", c.CropPadding)
	}
	if c.MaxCropSide < 16 {
		return fmt.Errorf("max crop side must be >= 16, got %d", c.MaxCropSide)
	}
	return nil
}

// Match is an accepted identity and its Euclidean distance.
type Match struct {
	IdentityID string
	Distance   float64
}

// Distance is the Euclidean distance between two equal-length vectors.
func Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Nearest returns the stored encoding closest to query. Ties keep the first
// encoding in known, so the result is deterministic for a given store order.
func Nearest(known []types.FaceEncoding, query []float64, tolerance float64) (Match, error) {
	best := Match{Distance: math.Inf(1)}
	for _, k := range known {
		if len(k.Vector) != len(query) {
			continue
		}
		if d := Distance(k.Vector, query); d < best.Distance {
			best = Match{IdentityID: k.IdentityID, Distance: d}
		}
	}
	if best.IdentityID == "" || !(best.Distance < tolerance) {
		return Match{}, ErrNoMatch
	}
	return best, nil
}

// Matcher holds the matchable set loaded at session start.
type Matcher struct {
	cfg    Config
	enc    encoding.Encoder
	known  []types.FaceEncoding
	logger *slog.Logger
}

// New returns a matcher over an already validated matchable set.
func New(cfg Config, enc encoding.Encoder, known []types.FaceEncoding, logger *slog.Logger) (*Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{cfg: cfg, enc: enc, known: known, logger: logger}, nil
}

// Len is the number of matchable encodings.
func (m *Matcher) Len() int { return len(m.known) }

// MatchFace crops box out of frame, extracts its embedding and looks up the
// nearest identity.
func (m *Matcher) MatchFace(ctx context.Context, frame image.Image, box types.BBox) (Match, error) {
	crop, err := CropFace(frame, box, m.cfg.CropPadding, m.cfg.MaxCropSide)
	if err != nil {
		return Match{}, err
	}
	data, err := EncodeJPEG(crop)
	if err != nil {
		return Match{}, err
	}
	return m.MatchImage(ctx, data)
}

// MatchImage matches the first face the engine finds in an encoded image.
func (m *Matcher) MatchImage(ctx context.Context, img []byte) (Match, error) {
	vecs, err := m.enc.Encode(ctx, img)
	if err != nil {
		return Match{}, fmt.Errorf("failed to encode face: %w", err)
	}
	if len(vecs) == 0 {
		return Match{}, ErrNoEncoding
	}
	if err := encoding.ValidateVector(vecs[0]); err != nil {
		return Match{}, fmt.Errorf("%w: %v", ErrNoEncoding, err)
	}

	match, err := Nearest(m.known, vecs[0], m.cfg.Tolerance)
	if err != nil {
		m.logger.Debug("face did not match", "candidates", len(m.known))
		return Match{}, err
	}
	m.logger.Debug("face matched", "identity", match.IdentityID, "distance", match.Distance)
	return match, nil
}
