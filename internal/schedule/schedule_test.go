package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hh, mm int) time.Time {
	return time.Date(2025, 6, 15, hh, mm, 0, 0, time.UTC)
}

func TestParseFullDay(t *testing.T) {
	s, err := Parse("00:00-05:59>0=48;06:00-16:59>0=16:3=32:5=48;17:00-20:59>0=0:5=48;21:00-23:59>0=32:5=48")
	require.NoError(t, err)

	tests := []struct {
		name     string
		time     time.Time
		priority int
		want     int
	}{
		{"night any priority", at(3, 30), 1, 48},
		{"day low priority", at(10, 0), 0, 16},
		{"day mid priority", at(10, 0), 3, 32},
		{"day between thresholds", at(10, 0), 4, 32},
		{"day high priority", at(10, 0), 7, 48},
		{"evening low priority disabled", at(18, 0), 1, 0},
		{"evening high priority", at(18, 0), 5, 48},
		{"late evening", at(22, 15), 0, 32},
		{"interval start boundary", at(17, 0), 0, 0},
		{"interval end boundary", at(20, 59), 5, 48},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.CapAt(tt.time, tt.priority))
		})
	}
}

func TestParsePriorityBelowAllThresholds(t *testing.T) {
	s, err := Parse("00:00-23:59>3=20:5=48")
	require.NoError(t, err)

	assert.Equal(t, 0, s.CapAt(at(12, 0), 0), "priority below every threshold disables charging")
	assert.Equal(t, 0, s.CapAt(at(12, 0), 2))
	assert.Equal(t, 20, s.CapAt(at(12, 0), 3))
	assert.Equal(t, 48, s.CapAt(at(12, 0), 9))
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"gap", "00:00-11:59>0=16;13:00-23:59>0=16"},
		{"overlap", "00:00-12:59>0=16;12:00-23:59>0=16"},
		{"missing start of day", "01:00-23:59>0=16"},
		{"missing end of day", "00:00-22:59>0=16"},
		{"non-ascending priorities", "00:00-23:59>5=48:3=16"},
		{"duplicate priority", "00:00-23:59>3=48:3=16"},
		{"negative cap", "00:00-23:59>0=-4"},
		{"malformed token", "00:00-23:59>0"},
		{"malformed time", "0:00-23:59>0=16"},
		{"reversed interval", "12:00-00:59>0=16;01:00-11:59>0=16"},
		{"no entries", "00:00-23:59>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			assert.ErrorIs(t, err, ErrInvalidSchedule)
		})
	}
}

func TestBuckets(t *testing.T) {
	s, err := Parse("00:00-23:59>0=16:3=32:5=48")
	require.NoError(t, err)

	buckets := s.Buckets(at(9, 0))
	require.Len(t, buckets, 3)
	assert.Equal(t, Entry{Threshold: 5, Cap: 48}, buckets[0])
	assert.Equal(t, Entry{Threshold: 3, Cap: 32}, buckets[1])
	assert.Equal(t, Entry{Threshold: 0, Cap: 16}, buckets[2])
	assert.Equal(t, 48, s.MaxCap(at(9, 0)))
}

func TestRoundTrip(t *testing.T) {
	texts := []string{
		"00:00-23:59>0=24",
		"00:00-05:59>0=48;06:00-16:59>0=16:3=32:5=48;17:00-20:59>0=0:5=48;21:00-23:59>0=32:5=48",
	}
	for _, text := range texts {
		s, err := Parse(text)
		require.NoError(t, err)
		reparsed, err := Parse(s.String())
		require.NoError(t, err)

		// Semantic equivalence: same cap for every interval edge and priority.
		for minute := 0; minute < 24*60; minute += 17 {
			tm := at(minute/60, minute%60)
			for p := 0; p <= 6; p++ {
				assert.Equal(t, s.CapAt(tm, p), reparsed.CapAt(tm, p), "at %s priority %d", tm, p)
			}
		}
	}
}
