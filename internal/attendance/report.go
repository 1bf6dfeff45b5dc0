package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidPlan marks out-of-range planner input.
var ErrInvalidPlan = errors.New("invalid attendance plan input")

// ReportStore counts what a summary needs.
type ReportStore interface {
	CountPresent(ctx context.Context, identityID string) (int, error)
	CountSchoolDays(ctx context.Context) (int, error)
}

// Summary is an identity's attendance rate over every recorded school day.
type Summary struct {
	IdentityID  string
	PresentDays int
	SchoolDays  int
	Rate        float64 // percent
}

// Summarize computes present / school days * 100, or 0 with no school days.
func Summarize(ctx context.Context, rs ReportStore, identityID string) (Summary, error) {
	present, err := rs.CountPresent(ctx, identityID)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to count attendance: %w", err)
	}
	days, err := rs.CountSchoolDays(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to count school days: %w", err)
	}
	s := Summary{IdentityID: identityID, PresentDays: present, SchoolDays: days}
	if days > 0 {
		s.Rate = float64(present) / float64(days) * 100
	}
	return s, nil
}

// PlanResult says how far an attendance rate is from an aim.
type PlanResult struct {
	Current  float64 // percent, rounded to 2 places
	Aim      float64
	Needed   int // further lectures to attend to reach the aim
	Bunkable int // lectures that can be missed while staying at or above it

	rate float64 // unrounded Current
}

func (p PlanResult) String() string {
	switch {
	case p.Needed > 0:
		return fmt.Sprintf("Attend %d more lectures to reach %g%% attendance.", p.Needed, p.Aim)
	case p.rate == p.Aim:
		return "You're exactly at your aim. Keep attending regularly."
	default:
		return fmt.Sprintf("You can bunk %d lectures and still maintain at least %g%% attendance.", p.Bunkable, p.Aim)
	}
}

// Plan works out, for present of total lectures, how many more must be
// attended to reach aim percent, or how many can be missed above it.
func Plan(present, total int, aim float64) (PlanResult, error) {
	if total <= 0 || present < 0 || present > total {
		return PlanResult{}, fmt.Errorf("%w: present %d of %d", ErrInvalidPlan, present, total)
	}
	if !(aim > 0 && aim <= 100) {
		return PlanResult{}, fmt.Errorf("%w: aim %v must be in (0, 100]", ErrInvalidPlan, aim)
	}

	p, t := float64(present), float64(total)
	reached := func(p, t float64) bool { return p/t*100 >= aim }
	res := PlanResult{Current: math.Round(p/t*10000) / 100, Aim: aim, rate: p / t * 100}

	if !reached(p, t) {
		if aim == 100 {
			return PlanResult{}, fmt.Errorf("%w: 100%% is unreachable after a missed lecture", ErrInvalidPlan)
		}
		// smallest n with (p+n)/(t+n) >= aim/100
		n := int(math.Ceil((aim*t - 100*p) / (100 - aim)))
		for n > 1 && reached(p+float64(n-1), t+float64(n-1)) {
			n--
		}
		for !reached(p+float64(n), t+float64(n)) {
			n++
		}
		res.Needed = n
		return res, nil
	}

	// largest k with p/(t+k) >= aim/100
	k := int(math.Floor(100*p/aim - t))
	for k > 0 && !reached(p, t+float64(k)) {
		k--
	}
	for reached(p, t+float64(k+1)) {
		k++
	}
	res.Bunkable = max(k, 0)
	return res, nil
}
