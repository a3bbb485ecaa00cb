package turnflow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var smallNumbers = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
}

// ParseSpokenDate turns a speech result into YYYY-MM-DD. Understood forms:
// today, tomorrow, day-after-tomorrow, weekday names (next occurrence),
// and month/day like "march 5" or "3/5".
func ParseSpokenDate(speech string, now time.Time) (string, bool) {
	s := strings.ToLower(speech)

	switch {
	case strings.Contains(s, "day after tomorrow"):
		return now.AddDate(0, 0, 2).Format("2006-01-02"), true
	case strings.Contains(s, "tomorrow"):
		return now.AddDate(0, 0, 1).Format("2006-01-02"), true
	case strings.Contains(s, "today"):
		return now.Format("2006-01-02"), true
	}

	for name, wd := range weekdays {
		if !strings.Contains(s, name) {
			continue
		}
		days := (int(wd) - int(now.Weekday()) + 7) % 7
		if days == 0 {
			days = 7 // "Monday" on a Monday means next week
		}
		return now.AddDate(0, 0, days).Format("2006-01-02"), true
	}

	if m, d, ok := parseMonthDay(s); ok {
		year := now.Year()
		candidate := time.Date(year, time.Month(m), d, 0, 0, 0, 0, now.Location())
		if candidate.Before(now.AddDate(0, 0, -1)) {
			candidate = candidate.AddDate(1, 0, 0)
		}
		return candidate.Format("2006-01-02"), true
	}
	return "", false
}

var monthNames = map[string]int{
	"january": 1, "february": 2, "march": 3, "april": 4, "may": 5,
	"june": 6, "july": 7, "august": 8, "september": 9, "october": 10,
	"november": 11, "december": 12,
}

func parseMonthDay(s string) (month, day int, ok bool) {
	fields := strings.Fields(s)
	for i, tok := range fields {
		tok = strings.Trim(tok, ".,!?")
		if m, found := monthNames[tok]; found && i+1 < len(fields) {
			d := strings.Trim(fields[i+1], ".,!?")
			d = strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(d, "st"), "nd"), "rd"), "th")
			if n, err := strconv.Atoi(d); err == nil && n >= 1 && n <= 31 {
				return m, n, true
			}
		}
		// numeric m/d
		if parts := strings.Split(tok, "/"); len(parts) == 2 {
			m, err1 := strconv.Atoi(parts[0])
			d, err2 := strconv.Atoi(parts[1])
			if err1 == nil && err2 == nil && m >= 1 && m <= 12 && d >= 1 && d <= 31 {
				return m, d, true
			}
		}
	}
	return 0, 0, false
}

// ParseSpokenTime turns a speech result into HH:MM 24-hour. Understood
// forms: morning/afternoon/evening/noon, "9", "9 am", "2:30 pm",
// "nine in the morning".
func ParseSpokenTime(speech string) (string, bool) {
	s := strings.ToLower(speech)

	switch {
	case hasToken(s, "noon", "midday"):
		return "12:00", true
	case strings.Contains(s, "morning") && !containsHour(s):
		return "09:00", true
	case strings.Contains(s, "afternoon") && !containsHour(s):
		return "14:00", true
	case strings.Contains(s, "evening") && !containsHour(s):
		return "16:00", true
	}

	hour, minute, found := -1, 0, false
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, ".,!?")
		// "9am" and "2:30pm" arrive as single tokens.
		tok = strings.TrimSuffix(strings.TrimSuffix(tok, "am"), "pm")
		if n, ok := smallNumbers[tok]; ok {
			hour, found = n, true
			continue
		}
		if h, m, ok := parseClock(tok); ok {
			hour, minute, found = h, m, true
		}
	}
	if !found || hour < 0 || hour > 23 {
		return "", false
	}

	pm := hasToken(s, "pm", "p.m.", "p.m") ||
		strings.Contains(s, "afternoon") || strings.Contains(s, "evening")
	am := hasToken(s, "am", "a.m.", "a.m") || strings.Contains(s, "morning")
	if pm && hour < 12 {
		hour += 12
	}
	// Bare hours 1-7 with no meridiem are assumed PM: nobody books 3 AM.
	if !pm && !am && hour >= 1 && hour <= 7 {
		hour += 12
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), true
}

func parseClock(tok string) (hour, minute int, ok bool) {
	parts := strings.SplitN(tok, ":", 2)
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m := 0
	if len(parts) == 2 {
		if m, err = strconv.Atoi(parts[1]); err != nil || m < 0 || m > 59 {
			return 0, 0, false
		}
	}
	return h, m, true
}

func hasToken(s string, wants ...string) bool {
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, ",!?")
		for _, w := range wants {
			if tok == w || strings.HasSuffix(tok, w) && len(tok) > len(w) &&
				tok[len(tok)-len(w)-1] >= '0' && tok[len(tok)-len(w)-1] <= '9' {
				// "9am" and "2:30pm" arrive as single tokens.
				return true
			}
		}
	}
	return false
}

func containsHour(s string) bool {
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, ".,!?")
		tok = strings.TrimSuffix(strings.TrimSuffix(tok, "am"), "pm")
		if _, ok := smallNumbers[tok]; ok {
			return true
		}
		if _, _, ok := parseClock(tok); ok {
			return true
		}
	}
	return false
}
