package encoding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Encoder extracts face embeddings from an encoded image.
type Encoder interface {
	Encode(ctx context.Context, img []byte) ([][]float64, error)
}

// Policy decides how several reference images collapse into one encoding.
type Policy string

const (
	PolicyFirst   Policy = "first"   // first image that yields a face
	PolicyAverage Policy = "average" // mean of every image that yields a face
)

// ErrNoReferenceFace is returned when no reference image of an identity yields a face.
var ErrNoReferenceFace = errors.New("no face found in reference images")

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Reference lists the enrollment images of one identity.
type Reference struct {
	IdentityID string
	Paths      []string
}

// Discover walks one level of dir. A file is a single reference image whose
// name without extension is the identity id; a subdirectory holds several
// images of the identity named after it.
func Discover(dir string) ([]Reference, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Reference)
	add := func(id, path string) {
		ref, ok := byID[id]
		if !ok {
			ref = &Reference{IdentityID: id}
			byID[id] = ref
		}
		ref.Paths = append(ref.Paths, path)
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(dir, name)
		if entry.IsDir() {
			files, err := os.ReadDir(full)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if !f.IsDir() && imageExts[strings.ToLower(filepath.Ext(f.Name()))] {
					add(name, filepath.Join(full, f.Name()))
				}
			}
			continue
		}
		ext := filepath.Ext(name)
		if imageExts[strings.ToLower(ext)] {
			add(strings.TrimSuffix(name, ext), full)
		}
	}

	refs := make([]Reference, 0, len(byID))
	for _, ref := range byID {
		sort.Strings(ref.Paths)
		refs = append(refs, *ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].IdentityID < refs[j].IdentityID })
	return refs, nil
}

// Report summarises an enrollment run.
type Report struct {
	Enrolled []string
	Failed   map[string]error
}

// Enroller turns reference images into stored encodings. Each encoder is
// used by one goroutine at a time, so the pool size bounds parallelism.
type Enroller struct {
	encoders []Encoder
	sink     Sink
	policy   Policy
	logger   *slog.Logger

	// OnImage is called after every processed image, e.g. to advance a progress bar.
	OnImage func()
}

// NewEnroller returns an enroller over a pool of encoders.
func NewEnroller(encoders []Encoder, sink Sink, policy Policy, logger *slog.Logger) (*Enroller, error) {
	if len(encoders) == 0 {
		return nil, errors.New("at least one encoder is required")
	}
	switch policy {
	case PolicyFirst, PolicyAverage:
	default:
		return nil, fmt.Errorf("unknown enrollment policy %q", policy)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enroller{encoders: encoders, sink: sink, policy: policy, logger: logger}, nil
}

// Enroll encodes and upserts every reference. Per-identity failures are
// collected in the report; only context cancellation or a storage error
// aborts the run.
func (e *Enroller) Enroll(ctx context.Context, refs []Reference) (*Report, error) {
	pool := make(chan Encoder, len(e.encoders))
	for _, enc := range e.encoders {
		pool <- enc
	}

	report := &Report{Failed: make(map[string]error)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(e.encoders))

	for _, ref := range refs {
		g.Go(func() error {
			enc := <-pool
			defer func() { pool <- enc }()

			vec, err := e.encodeReference(gctx, enc, ref)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.logger.Warn("enrollment failed", "identity", ref.IdentityID, "error", err)
				mu.Lock()
				report.Failed[ref.IdentityID] = err
				mu.Unlock()
				return nil
			}

			if err := e.sink.UpsertEncoding(gctx, ref.IdentityID, vec); err != nil {
				return fmt.Errorf("failed to store encoding for %s: %w", ref.IdentityID, err)
			}
			mu.Lock()
			report.Enrolled = append(report.Enrolled, ref.IdentityID)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	sort.Strings(report.Enrolled)
	return report, nil
}

func (e *Enroller) encodeReference(ctx context.Context, enc Encoder, ref Reference) ([]float64, error) {
	var found [][]float64
	for _, path := range ref.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := e.encodeImage(ctx, enc, path)
		if e.OnImage != nil {
			e.OnImage()
		}
		if err != nil {
			e.logger.Debug("reference image skipped", "identity", ref.IdentityID, "path", path, "error", err)
			continue
		}
		found = append(found, vec)
		if e.policy == PolicyFirst {
			break
		}
	}

	if len(found) == 0 {
		return nil, ErrNoReferenceFace
	}
	if e.policy == PolicyFirst {
		return found[0], nil
	}
	return Average(found)
}

func (e *Enroller) encodeImage(ctx context.Context, enc Encoder, path string) ([]float64, error) {
	img, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vecs, err := enc.Encode(ctx, img)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errors.New("no face found")
	}
	if err := ValidateVector(vecs[0]); err != nil {
		return nil, err
	}
	return vecs[0], nil
}
