package prewarm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"grc-cache/internal/common/errors"
)

// Window is a daily time-of-day range, [Start, End), evaluated in Location.
// End before Start wraps past midnight; Start equal to End is always active.
type Window struct {
	Start    time.Duration
	End      time.Duration
	Location *time.Location
}

// AlwaysActive is a window that never gates a tick
var AlwaysActive = Window{Location: time.UTC}

// ParseWindow builds a window from "HH:MM" bounds and an IANA zone name.
// Empty bounds yield AlwaysActive in that zone.
func ParseWindow(start, end, zone string) (Window, error) {
	loc := time.UTC
	if zone != "" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return Window{}, errors.ConfigError(fmt.Sprintf("invalid prewarm timezone %q: %v", zone, err))
		}
		loc = l
	}
	if start == "" && end == "" {
		return Window{Location: loc}, nil
	}

	s, err := parseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e, Location: loc}, nil
}

func parseClock(v string) (time.Duration, error) {
	invalid := errors.ConfigError(fmt.Sprintf("invalid time of day %q, want HH:MM", v))
	parts := strings.Split(v, ":")
	if len(parts) != 2 {
		return 0, invalid
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, invalid
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return 0, invalid
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	if w.Start == w.End {
		return true
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	offset := time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second

	if w.Start < w.End {
		return offset >= w.Start && offset < w.End
	}
	return offset >= w.Start || offset < w.End
}

func (w Window) String() string {
	if w.Start == w.End {
		return "always"
	}
	loc := "UTC"
	if w.Location != nil {
		loc = w.Location.String()
	}
	return fmt.Sprintf("%s-%s %s", clock(w.Start), clock(w.End), loc)
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
