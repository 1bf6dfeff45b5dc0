package types

import (
	"fmt"
	"time"
)

// BBox is a face bounding box in frame pixels.
type BBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// BBoxFromLoc converts the engine's [top, right, bottom, left] location into a BBox.
func BBoxFromLoc(loc []int) (BBox, error) {
	if len(loc) != 4 {
		return BBox{}, fmt.Errorf("location must have 4 values, got %d", len(loc))
	}
	top, right, bottom, left := loc[0], loc[1], loc[2], loc[3]
	return BBox{X: left, Y: top, Width: right - left, Height: bottom - top}, nil
}

// Corners returns the box as [x1, y1, x2, y2].
func (b BBox) Corners() []float64 {
	return []float64{
		float64(b.X),
		float64(b.Y),
		float64(b.X + b.Width),
		float64(b.Y + b.Height),
	}
}

// Empty reports whether the box covers no area.
func (b BBox) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// Point is a 2D landmark coordinate.
type Point struct {
	X float64
	Y float64
}

// LandmarkFrame is one detected face: its box plus either the 68 dlib landmarks
// or the 12-point eye subset. It is rebuilt on every processed frame.
type LandmarkFrame struct {
	Box    BBox
	Points []Point
}

// FaceEncoding is a stored reference embedding for one identity.
type FaceEncoding struct {
	IdentityID string    `yaml:"identity_id" json:"identity_id"`
	Vector     []float64 `yaml:"vector" json:"vector"`
}

// Identity is a person known to the directory.
type Identity struct {
	ID          string
	DisplayName string
	Group       string
	Active      bool
}

// Date is a calendar day formatted as YYYY-MM-DD.
type Date string

const dateLayout = "2006-01-02"

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) Date {
	return Date(t.Format(dateLayout))
}

// ParseDate validates s as a YYYY-MM-DD calendar day.
func ParseDate(s string) (Date, error) {
	if _, err := time.Parse(dateLayout, s); err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date(s), nil
}

// Status of an attendance record.
type Status string

const StatusPresent Status = "present"

// AttendanceRecord is the once-per-day presence of an identity.
type AttendanceRecord struct {
	IdentityID string
	Date       Date
	Group      string
	Status     Status
	MarkedAt   time.Time
}

// SchoolDay is a date on which the school was open.
type SchoolDay struct {
	Date Date
}
