package shield

import (
	"strconv"
	"strings"
)

// ParseDurationDays accepts "7days", "1day" or a bare "7".
func ParseDurationDays(s string) (int, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimSuffix(v, "days")
	v = strings.TrimSuffix(v, "day")
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, invalid("duration", s)
	}
	return n, nil
}

// ParseTimeOfDay parses "HH:MM". Range checks are left to SetShield.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, invalid("time", s)
	}
	hour, err1 := strconv.Atoi(hh)
	minute, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil {
		return 0, 0, invalid("time", s)
	}
	return hour, minute, nil
}
