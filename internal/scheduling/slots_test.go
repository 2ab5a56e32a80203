package scheduling

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlolabs/parlo/internal/models"
)

// 2026-03-02 is a Monday.
var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func recurringRule(staffID uuid.UUID, wd time.Weekday, startMin, endMin int) models.Availability {
	return models.Availability{
		ID:          uuid.New(),
		StaffID:     staffID,
		Kind:        models.AvailabilityRecurring,
		Weekday:     wd,
		StartMinute: startMin,
		EndMinute:   endMin,
	}
}

func exceptionRule(staffID uuid.UUID, date string, available bool, startMin, endMin int) models.Availability {
	return models.Availability{
		ID:            uuid.New(),
		StaffID:       staffID,
		Kind:          models.AvailabilityException,
		ExceptionDate: date,
		IsAvailable:   available,
		StartMinute:   startMin,
		EndMinute:     endMin,
	}
}

func TestEffectiveWindowsRecurring(t *testing.T) {
	staffID := uuid.New()
	rules := []models.Availability{
		recurringRule(staffID, time.Monday, 9*60, 13*60),
		recurringRule(staffID, time.Tuesday, 14*60, 18*60),
	}

	open, blocked := EffectiveWindows(rules, monday, time.UTC)
	require.Len(t, open, 1)
	assert.Empty(t, blocked)
	assert.Equal(t, monday.Add(9*time.Hour), open[0].Start)
	assert.Equal(t, monday.Add(13*time.Hour), open[0].End)

	// Tuesday picks up the other rule.
	open, _ = EffectiveWindows(rules, monday.AddDate(0, 0, 1), time.UTC)
	require.Len(t, open, 1)
	assert.Equal(t, monday.AddDate(0, 0, 1).Add(14*time.Hour), open[0].Start)
}

func TestEffectiveWindowsUnavailableExceptionBlocksDay(t *testing.T) {
	staffID := uuid.New()
	rules := []models.Availability{
		recurringRule(staffID, time.Monday, 9*60, 13*60),
		exceptionRule(staffID, "2026-03-02", false, 0, 0),
	}

	open, blocked := EffectiveWindows(rules, monday, time.UTC)
	assert.Empty(t, open)
	assert.Empty(t, blocked)
}

func TestEffectiveWindowsAvailableExceptionOverridesRecurring(t *testing.T) {
	staffID := uuid.New()
	rules := []models.Availability{
		recurringRule(staffID, time.Monday, 9*60, 13*60),
		exceptionRule(staffID, "2026-03-02", true, 15*60, 17*60),
	}

	open, _ := EffectiveWindows(rules, monday, time.UTC)
	require.Len(t, open, 1)
	assert.Equal(t, monday.Add(15*time.Hour), open[0].Start)
	assert.Equal(t, monday.Add(17*time.Hour), open[0].End)
}

func TestEffectiveWindowsPartialBlock(t *testing.T) {
	staffID := uuid.New()
	rules := []models.Availability{
		recurringRule(staffID, time.Monday, 9*60, 13*60),
		exceptionRule(staffID, "2026-03-02", false, 10*60, 11*60),
	}

	open, blocked := EffectiveWindows(rules, monday, time.UTC)
	require.Len(t, open, 1)
	require.Len(t, blocked, 1)
	assert.Equal(t, monday.Add(10*time.Hour), blocked[0].Start)
	assert.Equal(t, monday.Add(11*time.Hour), blocked[0].End)
}

func TestCandidateStartsFullWindow(t *testing.T) {
	w := Interval{Start: monday.Add(9 * time.Hour), End: monday.Add(13 * time.Hour)}

	starts := CandidateStarts(w, 30*time.Minute, nil, time.Time{})
	require.Len(t, starts, 8)
	assert.Equal(t, monday.Add(9*time.Hour), starts[0])
	assert.Equal(t, monday.Add(12*time.Hour+30*time.Minute), starts[7])
}

func TestCandidateStartsBusyRemovesOverlapping(t *testing.T) {
	w := Interval{Start: monday.Add(9 * time.Hour), End: monday.Add(13 * time.Hour)}

	// An aligned booking removes exactly its own candidate.
	busy := []Interval{{Start: monday.Add(10 * time.Hour), End: monday.Add(10*time.Hour + 30*time.Minute)}}
	starts := CandidateStarts(w, 30*time.Minute, busy, time.Time{})
	require.Len(t, starts, 7)
	for _, s := range starts {
		assert.False(t, s.Equal(monday.Add(10*time.Hour)))
	}

	// A misaligned booking removes every candidate it touches.
	busy = []Interval{{Start: monday.Add(10*time.Hour + 15*time.Minute), End: monday.Add(10*time.Hour + 45*time.Minute)}}
	starts = CandidateStarts(w, 30*time.Minute, busy, time.Time{})
	require.Len(t, starts, 6)
	for _, s := range starts {
		assert.False(t, s.Equal(monday.Add(10*time.Hour)))
		assert.False(t, s.Equal(monday.Add(10*time.Hour+30*time.Minute)))
	}
}

func TestCandidateStartsNoPartialAtWindowEnd(t *testing.T) {
	// Window ends at 12:50: the 12:30 candidate would run past it.
	w := Interval{Start: monday.Add(9 * time.Hour), End: monday.Add(12*time.Hour + 50*time.Minute)}

	starts := CandidateStarts(w, 30*time.Minute, nil, time.Time{})
	require.NotEmpty(t, starts)
	assert.Equal(t, monday.Add(12*time.Hour), starts[len(starts)-1])
}

func TestCandidateStartsSkipsPast(t *testing.T) {
	w := Interval{Start: monday.Add(9 * time.Hour), End: monday.Add(13 * time.Hour)}

	starts := CandidateStarts(w, 30*time.Minute, nil, monday.Add(10*time.Hour+1*time.Minute))
	require.NotEmpty(t, starts)
	assert.Equal(t, monday.Add(10*time.Hour+30*time.Minute), starts[0])
}

func TestWithinOpenWindow(t *testing.T) {
	open := []Interval{{Start: monday.Add(9 * time.Hour), End: monday.Add(13 * time.Hour)}}
	blocked := []Interval{{Start: monday.Add(11 * time.Hour), End: monday.Add(12 * time.Hour)}}

	assert.True(t, WithinOpenWindow(open, blocked, monday.Add(9*time.Hour), monday.Add(10*time.Hour)))
	// Crossing the window end is rejected whole.
	assert.False(t, WithinOpenWindow(open, blocked, monday.Add(12*time.Hour+30*time.Minute), monday.Add(13*time.Hour+30*time.Minute)))
	// Touching a blocked span is rejected even when inside the window.
	assert.False(t, WithinOpenWindow(open, blocked, monday.Add(10*time.Hour+45*time.Minute), monday.Add(11*time.Hour+15*time.Minute)))
	assert.False(t, WithinOpenWindow(open, blocked, monday.Add(8*time.Hour), monday.Add(9*time.Hour)))
}

func TestMergeSlotsFirstStaffWins(t *testing.T) {
	ana := uuid.New()
	luis := uuid.New()
	at := func(h int) time.Time { return monday.Add(time.Duration(h) * time.Hour) }

	merged := MergeSlots([][]Slot{
		{
			{StaffID: ana, StaffName: "Ana", Start: at(9), End: at(10)},
			{StaffID: ana, StaffName: "Ana", Start: at(11), End: at(12)},
		},
		{
			{StaffID: luis, StaffName: "Luis", Start: at(9), End: at(10)},
			{StaffID: luis, StaffName: "Luis", Start: at(10), End: at(11)},
		},
	})

	require.Len(t, merged, 3)
	assert.Equal(t, ana, merged[0].StaffID) // 09:00 deduped, first staff kept
	assert.Equal(t, luis, merged[1].StaffID)
	assert.Equal(t, ana, merged[2].StaffID)
	assert.True(t, merged[0].Start.Before(merged[1].Start))
	assert.True(t, merged[1].Start.Before(merged[2].Start))
}
