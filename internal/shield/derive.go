package shield

import "time"

// Derive returns the reminders of rec that are still ahead of now, in
// ONE_HOUR, FIVE_MIN, EXPIRED order. A fire time equal to now is dropped.
func Derive(rec Record, now time.Time) []Event {
	var out []Event
	for _, k := range Kinds {
		at := rec.EndTime.Add(-k.Offset())
		if !at.After(now) {
			continue
		}
		out = append(out, Event{
			Key:           EventKey{OwnerID: rec.OwnerID, AccountName: rec.AccountName, Kind: k},
			FireTime:      at,
			Kind:          k,
			DestinationID: rec.DestinationID,
			AccountName:   rec.AccountName,
		})
	}
	return out
}
