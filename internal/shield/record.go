package shield

import (
	"fmt"
	"strings"
	"time"

	"shieldbot/internal/storage"
)

// Kind identifies one of the three reminders a shield produces.
type Kind string

const (
	KindOneHour Kind = "ONE_HOUR"
	KindFiveMin Kind = "FIVE_MIN"
	KindExpired Kind = "EXPIRED"
)

// Kinds lists every reminder kind in firing order.
var Kinds = []Kind{KindOneHour, KindFiveMin, KindExpired}

// Offset is how long before the end time the reminder fires.
func (k Kind) Offset() time.Duration {
	switch k {
	case KindOneHour:
		return time.Hour
	case KindFiveMin:
		return 5 * time.Minute
	default:
		return 0
	}
}

// Record is a shield: an account protected until EndTime.
type Record struct {
	OwnerID       string
	DestinationID string
	AccountName   string
	EndTime       time.Time
}

// EventKey names a scheduled reminder. Keys are unique per
// (owner, account, kind).
type EventKey struct {
	OwnerID     string
	AccountName string
	Kind        Kind
}

// String encodes the key with length prefixes so that owner and account
// values containing separators cannot collide.
func (k EventKey) String() string {
	return fmt.Sprintf("shield/%d:%s/%d:%s/%s", len(k.OwnerID), k.OwnerID, len(k.AccountName), k.AccountName, k.Kind)
}

func keysFor(ownerID, accountName string) []EventKey {
	out := make([]EventKey, 0, len(Kinds))
	for _, k := range Kinds {
		out = append(out, EventKey{OwnerID: ownerID, AccountName: accountName, Kind: k})
	}
	return out
}

// Event is a reminder derived from a Record. Events are never stored.
type Event struct {
	Key           EventKey
	FireTime      time.Time
	Kind          Kind
	DestinationID string
	AccountName   string
}

// TimeLayout is the stored end_time format: local wall clock, no offset.
const TimeLayout = "2006-01-02T15:04:05"

// FormatEndTime renders t as stored, in loc.
func FormatEndTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(TimeLayout)
}

// ParseEndTime parses a stored end_time in loc. Fractional seconds are
// accepted; a value carrying an explicit offset keeps that offset.
func ParseEndTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s = strings.TrimSpace(s)
	t, err := time.ParseInLocation(TimeLayout, s, loc)
	if err == nil {
		return t, nil
	}
	if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
		return t2, nil
	}
	return time.Time{}, fmt.Errorf("%w: end_time %q: %v", ErrDerivation, s, err)
}

// RecordFromRow converts a stored row. A bad end_time yields ErrDerivation.
func RecordFromRow(r storage.Row, loc *time.Location) (Record, error) {
	end, err := ParseEndTime(r.EndTime, loc)
	if err != nil {
		return Record{}, err
	}
	return Record{
		OwnerID:       r.OwnerID,
		DestinationID: r.DestinationID,
		AccountName:   r.AccountName,
		EndTime:       end,
	}, nil
}

func (r Record) row(loc *time.Location) storage.Row {
	return storage.Row{
		OwnerID:       r.OwnerID,
		DestinationID: r.DestinationID,
		AccountName:   r.AccountName,
		EndTime:       FormatEndTime(r.EndTime, loc),
	}
}
