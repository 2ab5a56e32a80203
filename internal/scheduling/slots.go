// Package scheduling computes bookable slots and performs the booking
// mutations that uphold the no-double-allocation invariant.
//
// The slot math in this file is pure: it operates on availability rules,
// busy intervals, and absolute instants. Timezone conversion happens once at
// the engine boundary; everything below works in a single absolute
// representation.
package scheduling

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/parlolabs/parlo/internal/models"
)

// Interval is a half-open [Start, End) span of absolute time.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two half-open intervals intersect.
func (iv Interval) Overlaps(start, end time.Time) bool {
	return iv.Start.Before(end) && start.Before(iv.End)
}

// Slot is a candidate bookable start, tagged with the staff member who can
// fulfill it.
type Slot struct {
	StaffID   uuid.UUID `json:"staff_id"`
	StaffName string    `json:"staff_name"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// EffectiveWindows resolves the availability rules for one local calendar
// day into open windows and blocked intervals, in absolute time.
//
// Exception rules for the date always win over recurring rules:
//   - an unavailable exception without a window blocks the whole day;
//   - unavailable exceptions with a window contribute blocked intervals;
//   - available exceptions with a window replace the recurring windows.
//
// Zero- or negative-duration windows are treated as empty.
func EffectiveWindows(rules []models.Availability, day time.Time, loc *time.Location) (open, blocked []Interval) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	dateStr := dayStart.Format("2006-01-02")

	window := func(startMin, endMin int) (Interval, bool) {
		if endMin <= startMin {
			return Interval{}, false
		}
		return Interval{
			Start: dayStart.Add(time.Duration(startMin) * time.Minute),
			End:   dayStart.Add(time.Duration(endMin) * time.Minute),
		}, true
	}

	var exceptionOpen []Interval
	for _, r := range rules {
		if r.Kind != models.AvailabilityException || r.ExceptionDate != dateStr {
			continue
		}
		w, ok := window(r.StartMinute, r.EndMinute)
		switch {
		case !r.IsAvailable && !ok:
			// Whole day blocked, regardless of anything else.
			return nil, nil
		case !r.IsAvailable:
			blocked = append(blocked, w)
		case ok:
			exceptionOpen = append(exceptionOpen, w)
		}
	}

	if len(exceptionOpen) > 0 {
		return exceptionOpen, blocked
	}

	for _, r := range rules {
		if r.Kind != models.AvailabilityRecurring || r.Weekday != dayStart.Weekday() {
			continue
		}
		if w, ok := window(r.StartMinute, r.EndMinute); ok {
			open = append(open, w)
		}
	}
	return open, blocked
}

// CandidateStarts discretizes a window into starts aligned to the window
// start and spaced by the service duration, dropping any candidate that
// overlaps a busy interval or would end past the window. Candidates before
// notBefore are skipped.
func CandidateStarts(w Interval, duration time.Duration, busy []Interval, notBefore time.Time) []time.Time {
	if duration <= 0 || !w.End.After(w.Start) {
		return nil
	}
	var starts []time.Time
	for t := w.Start; !t.Add(duration).After(w.End); t = t.Add(duration) {
		if t.Before(notBefore) {
			continue
		}
		if overlapsAny(t, t.Add(duration), busy) {
			continue
		}
		starts = append(starts, t)
	}
	return starts
}

func overlapsAny(start, end time.Time, busy []Interval) bool {
	for _, b := range busy {
		if b.Overlaps(start, end) {
			return true
		}
	}
	return false
}

// WithinOpenWindow reports whether [start, end) fits entirely inside one of
// the open windows and touches none of the blocked intervals. A booking that
// would cross into a blocked span partway through is rejected whole.
func WithinOpenWindow(open, blocked []Interval, start, end time.Time) bool {
	if overlapsAny(start, end, blocked) {
		return false
	}
	for _, w := range open {
		if !start.Before(w.Start) && !end.After(w.End) {
			return true
		}
	}
	return false
}

// MergeSlots unions per-staff candidate slots into one ascending sequence,
// de-duplicating identical start times by keeping the slot from the earliest
// staff member in iteration order. staffSlots must be indexed in the stable
// staff order the caller iterated.
func MergeSlots(staffSlots [][]Slot) []Slot {
	type tagged struct {
		slot Slot
		idx  int
	}
	var all []tagged
	for idx, slots := range staffSlots {
		for _, s := range slots {
			all = append(all, tagged{slot: s, idx: idx})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].slot.Start.Equal(all[j].slot.Start) {
			return all[i].slot.Start.Before(all[j].slot.Start)
		}
		return all[i].idx < all[j].idx
	})

	var out []Slot
	for _, t := range all {
		if len(out) > 0 && out[len(out)-1].Start.Equal(t.slot.Start) {
			continue
		}
		out = append(out, t.slot)
	}
	return out
}
