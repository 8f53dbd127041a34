// Package schedule computes announcement windows. Two cutoffs apply per day
// in the reference timezone: submissions accepted before the 14:00 freeze are
// announced the same day at 20:00, later ones roll to the next day.
package schedule

import "time"

const (
	FreezeHour   = 14
	AnnounceHour = 20
)

// Clock provides the cutoff arithmetic for a reference timezone.
type Clock struct {
	Loc *time.Location
}

// NewClock loads the reference timezone, defaulting to America/New_York.
func NewClock(tz string) (Clock, error) {
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Clock{}, err
	}
	return Clock{Loc: loc}, nil
}

// NextFreeze returns the first freeze cutoff at or after ref.
func (c Clock) NextFreeze(ref time.Time) time.Time {
	return c.nextCutoff(ref, FreezeHour)
}

// NextAnnouncement returns the moment a submission accepted at ref would be
// announced: same-day 20:00 when accepted before the freeze, otherwise the
// following day.
func (c Clock) NextAnnouncement(ref time.Time) time.Time {
	ref = ref.In(c.Loc)
	freeze := time.Date(ref.Year(), ref.Month(), ref.Day(), FreezeHour, 0, 0, 0, c.Loc)
	announce := time.Date(ref.Year(), ref.Month(), ref.Day(), AnnounceHour, 0, 0, 0, c.Loc)
	if !ref.Before(freeze) {
		announce = announce.AddDate(0, 0, 1)
	}
	return announce
}

// AnnouncementDue reports whether a scheduled announcement time has passed.
func (c Clock) AnnouncementDue(now, announceAt time.Time) bool {
	return !now.Before(announceAt)
}

func (c Clock) nextCutoff(ref time.Time, hour int) time.Time {
	ref = ref.In(c.Loc)
	cutoff := time.Date(ref.Year(), ref.Month(), ref.Day(), hour, 0, 0, 0, c.Loc)
	if ref.After(cutoff) {
		cutoff = cutoff.AddDate(0, 0, 1)
	}
	return cutoff
}
