package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" into minutes after midnight.
// Hours beyond 23 are accepted for schedules that run past midnight.
func ParseTimeOfDay(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// ScheduledAt anchors a time of day (plus a whole-day offset) to the service
// day that contains serviceDay.
func ScheduledAt(serviceDay time.Time, timeOfDay string, dayOffset int) (time.Time, error) {
	mins, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	y, mo, d := serviceDay.Date()
	midnight := time.Date(y, mo, d, 0, 0, 0, 0, serviceDay.Location())
	return midnight.AddDate(0, 0, dayOffset).Add(time.Duration(mins) * time.Minute), nil
}

// ElapsedMinutes returns the minutes from one time of day to a later one,
// wrapping over midnight when to is earlier than from.
func ElapsedMinutes(from, to string) (int, error) {
	a, err := ParseTimeOfDay(from)
	if err != nil {
		return 0, err
	}
	b, err := ParseTimeOfDay(to)
	if err != nil {
		return 0, err
	}
	a %= minutesPerDay
	b %= minutesPerDay
	if b < a {
		b += minutesPerDay
	}
	return b - a, nil
}

// FormatDuration renders seconds as "N min(s)" or "Hh Mm".
func FormatDuration(seconds float64) string {
	if math.IsNaN(seconds) || seconds < 0 {
		return "N/A"
	}
	mins := int(math.Round(seconds / 60))
	if mins < 60 {
		if mins == 1 {
			return "1 min"
		}
		return fmt.Sprintf("%d mins", mins)
	}
	hrs := mins / 60
	rem := mins % 60
	if rem > 0 {
		return fmt.Sprintf("%dh %dm", hrs, rem)
	}
	return fmt.Sprintf("%dh", hrs)
}

// FormatDistanceKm renders short distances in metres and longer ones in km.
func FormatDistanceKm(km float64) string {
	if math.IsNaN(km) || km < 0 {
		return "-"
	}
	if km < 0.5 {
		return fmt.Sprintf("%d m", int(math.Round(km*1000)))
	}
	return fmt.Sprintf("%.2f km", km)
}

// FormatClock renders "HH:MM" as a 12-hour clock string.
func FormatClock(timeOfDay string) string {
	mins, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return "N/A"
	}
	h := (mins / 60) % 24
	m := mins % 60
	ampm := "AM"
	if h >= 12 {
		ampm = "PM"
	}
	display := h % 12
	if display == 0 {
		display = 12
	}
	return fmt.Sprintf("%d:%02d %s", display, m, ampm)
}
