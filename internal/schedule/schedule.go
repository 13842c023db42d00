// Package schedule decides when warming passes are allowed to run.
// Decisions are pure functions of the clock so they can be computed
// identically by every process sharing the queue.
package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Window is a daily local-time window [From, To) in minutes since
// midnight.
type Window struct {
	FromMinute int
	ToMinute   int
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	return m >= w.FromMinute && m < w.ToMinute
}

// ParseWindow parses a daily window in "HH:MM-HH:MM" form, end
// exclusive.
func ParseWindow(s string) (Window, error) {
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return Window{}, fmt.Errorf("window %q: want HH:MM-HH:MM", s)
	}
	fm, err := parseMinute(from)
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	tm, err := parseMinute(to)
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	if fm >= tm {
		return Window{}, fmt.Errorf("window %q: start must precede end", s)
	}
	return Window{FromMinute: fm, ToMinute: tm}, nil
}

func parseMinute(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Config holds the warming cadence windows. Rush-hour windows take
// precedence over the business window.
type Config struct {
	Rush             []Window
	Business         Window
	RushInterval     time.Duration
	BusinessInterval time.Duration
	OffInterval      time.Duration
}

// Default returns the standard commuter cadence: 07:00-09:00 and
// 17:00-19:00 every 5 minutes, 07:00-19:00 every 15 minutes, otherwise
// every 30 minutes.
func Default() Config {
	return Config{
		Rush: []Window{
			{FromMinute: 7 * 60, ToMinute: 9 * 60},
			{FromMinute: 17 * 60, ToMinute: 19 * 60},
		},
		Business:         Window{FromMinute: 7 * 60, ToMinute: 19 * 60},
		RushInterval:     5 * time.Minute,
		BusinessInterval: 15 * time.Minute,
		OffInterval:      30 * time.Minute,
	}
}

// Interval returns the warming cadence in effect at now.
func (c Config) Interval(now time.Time) time.Duration {
	for _, w := range c.Rush {
		if w.Contains(now) {
			return c.RushInterval
		}
	}
	if c.Business.Contains(now) {
		return c.BusinessInterval
	}
	return c.OffInterval
}

// ShouldWarm reports whether a warming pass is due at now. A pass warms
// only when now aligns to the cadence boundary of the window it falls
// in: every 5th minute of the day in rush windows, every 15th in
// business hours, every 30th otherwise. Alignment ignores seconds, so
// any pass started inside the boundary minute qualifies. No state is
// consulted; two hosts sharing a queue reach the same answer.
func (c Config) ShouldWarm(now time.Time) bool {
	interval := int(c.Interval(now) / time.Minute)
	if interval <= 1 {
		return true
	}
	return (now.Hour()*60+now.Minute())%interval == 0
}

// ShouldWarmWithPriority is ShouldWarm with the high-priority bypass:
// when the queue holds a job at or above the urgent cutoff the cadence
// does not apply.
func (c Config) ShouldWarmWithPriority(now time.Time, hasHighPriority bool) bool {
	if hasHighPriority {
		return true
	}
	return c.ShouldWarm(now)
}
