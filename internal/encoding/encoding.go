// Package encoding owns the face encoding invariants: every matchable
// encoding is a finite 128-d vector. It also loads the matchable set,
// reads and writes encoding files, and runs offline enrollment.
package encoding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Dim is the length of a dlib face encoding.
const Dim = 128

// ErrMalformed marks a stored encoding that breaks the vector invariant.
var ErrMalformed = errors.New("malformed face encoding")

// Source lists every stored encoding ordered by identity id.
type Source interface {
	AllEncodings(ctx context.Context) ([]types.FaceEncoding, error)
}

// Sink stores or replaces the encoding of one identity.
type Sink interface {
	UpsertEncoding(ctx context.Context, identityID string, vec []float64) error
}

// Validate checks the 128-length, finite-value invariant.
func Validate(e types.FaceEncoding) error {
	if e.IdentityID == "" {
		return fmt.Errorf("%w: empty identity id", ErrMalformed)
	}
	return ValidateVector(e.Vector)
}

// ValidateVector checks a bare vector against the encoding invariant.
func ValidateVector(vec []float64) error {
	if len(vec) != Dim {
		return fmt.Errorf("%w: length %d, want %d", ErrMalformed, len(vec), Dim)
	}
	for i, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: component %d is not finite", ErrMalformed, i)
		}
	}
	return nil
}

// LoadMatchable reads every encoding from src and keeps the valid ones in
// source order. Malformed entries are skipped and counted, never fatal.
func LoadMatchable(ctx context.Context, src Source, logger *slog.Logger) ([]types.FaceEncoding, error) {
	all, err := src.AllEncodings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read encodings: %w", err)
	}

	valid := make([]types.FaceEncoding, 0, len(all))
	skipped := 0
	for _, e := range all {
		if err := Validate(e); err != nil {
			skipped++
			if logger != nil {
				logger.Debug("skipping encoding", "identity", e.IdentityID, "error", err)
			}
			continue
		}
		valid = append(valid, e)
	}

	if logger != nil {
		logger.Info("encodings loaded", "matchable", len(valid), "skipped", skipped)
	}
	return valid, nil
}

// Average returns the component-wise mean of vecs, which must all be valid.
func Average(vecs [][]float64) ([]float64, error) {
	if len(vecs) == 0 {
		return nil, errors.New("no vectors to average")
	}
	avg := make([]float64, Dim)
	for _, v := range vecs {
		if err := ValidateVector(v); err != nil {
			return nil, err
		}
		for i := range avg {
			avg[i] += v[i]
		}
	}
	n := float64(len(vecs))
	for i := range avg {
		avg[i] /= n
	}
	return avg, nil
}
