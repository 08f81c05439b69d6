package shield

import (
	"fmt"
	"time"
)

// Remaining is a duration split into days, hours and minutes. Days is
// floored and carries the sign; Hours and Minutes are never negative, so
// thirty minutes overdue reads -1 day 23 hours 30 minutes.
type Remaining struct {
	Days    int
	Hours   int
	Minutes int
}

// RemainingAt splits end-now.
func RemainingAt(end, now time.Time) Remaining {
	secs := floorDiv(int64(end.Sub(now)), int64(time.Second))
	days := floorDiv(secs, 86400)
	rem := secs - days*86400
	return Remaining{
		Days:    int(days),
		Hours:   int(rem / 3600),
		Minutes: int(rem % 3600 / 60),
	}
}

func (r Remaining) String() string {
	return fmt.Sprintf("%d hari %d jam %d menit", r.Days, r.Hours, r.Minutes)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
