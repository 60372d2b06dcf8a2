// Package cloudtime parses and formats the timestamp and duration wire
// formats used by the coordinator protocol.
package cloudtime

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// cloudTimePattern matches "YYYY-MM-DDTHH:MM:SS[.mmm]Z".
var cloudTimePattern = regexp.MustCompile(
	`^(\d{4})-(\d{2})-(\d{2})T(\d{2}):(\d{2}):(\d{2})(?:\.(\d{1,9}))?Z$`)

// durationPattern matches "<seconds>s", optionally fractional.
var durationPattern = regexp.MustCompile(`^(-?[0-9]+(?:\.[0-9]+)?)s$`)

// ParseTimestamp parses a cloud timestamp string into a time.Time in UTC.
// An unparseable input returns the zero time and no error, matching the
// coordinator protocol's tolerance for absent/malformed timestamps.
func ParseTimestamp(s string) time.Time {
	m := cloudTimePattern.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	min, _ := strconv.Atoi(m[5])
	sec, _ := strconv.Atoi(m[6])
	nsec := 0
	if m[7] != "" {
		frac := m[7]
		for len(frac) < 9 {
			frac += "0"
		}
		nsec, _ = strconv.Atoi(frac)
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, nsec, time.UTC)
}

// FormatTimestamp renders t in the coordinator's millisecond-precision
// cloud timestamp format.
func FormatTimestamp(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d.%03dZ",
		t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(),
		t.Nanosecond()/1e6)
}

// ParseDuration parses a "<seconds>s" wire duration. An unparseable input
// returns zero and no error.
func ParseDuration(s string) time.Duration {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// FormatDuration renders d in the coordinator's "<seconds>s" format.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%gs", d.Seconds())
}

// Clock abstracts wall-clock access so tests can drive the worker and
// reporter without real sleeps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// realClock is the production Clock backed by the standard library.
type realClock struct{}

// Real returns the production Clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) Sleep(d time.Duration)                  { time.Sleep(d) }
