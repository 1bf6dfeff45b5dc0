package liveness

import (
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Landmark layouts accepted by EyesFromLandmarks.
const (
	// FullLandmarkCount is the dlib 68-point layout. The image-left eye is
	// 36-41 and the image-right eye is 42-47.
	FullLandmarkCount = 68
	// EyeLandmarkCount is the 12-point eye-only subset, six points per eye.
	EyeLandmarkCount = 12

	leftEyeStart  = 36
	rightEyeStart = 42
)

// ErrDegenerateEye is returned when an eye's corner points coincide.
var ErrDegenerateEye = errors.New("degenerate eye landmarks")

// Eye holds the six canonical landmark points p1..p6 of one eye.
type Eye [6]types.Point

// EyesFromLandmarks picks both eyes out of a 68-point or 12-point landmark set.
func EyesFromLandmarks(points []types.Point) (left, right Eye, err error) {
	var ls, rs int
	switch len(points) {
	case FullLandmarkCount:
		ls, rs = leftEyeStart, rightEyeStart
	case EyeLandmarkCount:
		ls, rs = 0, 6
	default:
		return left, right, fmt.Errorf("unsupported landmark count %d", len(points))
	}
	copy(left[:], points[ls:ls+6])
	copy(right[:], points[rs:rs+6])
	return left, right, nil
}

// EyeAspectRatio computes (|p2-p6| + |p3-p5|) / (2 |p1-p4|).
// The ratio is dimensionless, so scaling every point leaves it unchanged.
func EyeAspectRatio(e Eye) (float64, error) {
	horizontal := dist(e[0], e[3])
	if horizontal == 0 {
		return 0, ErrDegenerateEye
	}
	return (dist(e[1], e[5]) + dist(e[2], e[4])) / (2 * horizontal), nil
}

// AverageEAR is the mean eye aspect ratio of both eyes of a detected face.
func AverageEAR(lf types.LandmarkFrame) (float64, error) {
	left, right, err := EyesFromLandmarks(lf.Points)
	if err != nil {
		return 0, err
	}
	l, err := EyeAspectRatio(left)
	if err != nil {
		return 0, fmt.Errorf("left eye: %w", err)
	}
	r, err := EyeAspectRatio(right)
	if err != nil {
		return 0, fmt.Errorf("right eye: %w", err)
	}
	return (l + r) / 2, nil
}

func dist(a, b types.Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// boxDistance is the Euclidean distance between two (x, y, width, height) tuples.
func boxDistance(a, b types.BBox) float64 {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	dw := float64(a.Width - b.Width)
	dh := float64(a.Height - b.Height)
	return math.Sqrt(dx*dx + dy*dy + dw*dw + dh*dh)
}

// iou is the intersection over union of two boxes.
func iou(a, b types.BBox) float64 {
	ac, bc := a.Corners(), b.Corners()

	x1 := max(ac[0], bc[0])
	y1 := max(ac[1], bc[1])
	x2 := min(ac[2], bc[2])
	y2 := min(ac[3], bc[3])
	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := (ac[2]-ac[0])*(ac[3]-ac[1]) + (bc[2]-bc[0])*(bc[3]-bc[1]) - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}
