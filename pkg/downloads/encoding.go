package downloads

import (
	"fmt"
	"time"
)

// Raw event files carry dates and times as compact integers: day is YYMMDD
// (two-digit year, 2000-2099) and time is HHMMSS with leading zeros dropped,
// so 240415 is 2024-04-15 and 93005 is 09:30:05.

// DecodeDay converts a YYMMDD integer to a UTC date.
func DecodeDay(day uint32) (time.Time, error) {
	if day > 991231 {
		return time.Time{}, fmt.Errorf("invalid day value %d", day)
	}
	year := 2000 + int(day/10000)
	month := int(day/100) % 100
	dom := int(day % 100)
	if month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid month in day value %d", day)
	}
	t := time.Date(year, time.Month(month), dom, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes out-of-range days (Apr 31 -> May 1); reject those.
	if t.Day() != dom || t.Month() != time.Month(month) || t.Year() != year {
		return time.Time{}, fmt.Errorf("invalid day of month in day value %d", day)
	}
	return t, nil
}

// EncodeDay converts a date to its YYMMDD integer form.
func EncodeDay(t time.Time) uint32 {
	t = t.UTC()
	return uint32((t.Year()%100)*10000 + int(t.Month())*100 + t.Day())
}

// DecodeTime converts an HHMMSS integer to hour, minute and second.
func DecodeTime(tod uint32) (hour, minute, second int, err error) {
	if tod > 235959 {
		return 0, 0, 0, fmt.Errorf("invalid time value %d", tod)
	}
	hour = int(tod / 10000)
	minute = int(tod/100) % 100
	second = int(tod % 100)
	if minute > 59 || second > 59 {
		return 0, 0, 0, fmt.Errorf("invalid time value %d", tod)
	}
	return hour, minute, second, nil
}

// EncodeTime converts hour, minute and second to an HHMMSS integer.
func EncodeTime(hour, minute, second int) uint32 {
	return uint32(hour*10000 + minute*100 + second)
}
