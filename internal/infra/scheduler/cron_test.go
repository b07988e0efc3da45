package scheduler

import (
	"testing"
	"time"
)

func TestParseCronInvalid(t *testing.T) {
	cases := []string{"", "* * * *", "60 * * * *", "* * * * 7", "*/0 * * * *"}
	for _, c := range cases {
		if _, err := ParseCron(c); err == nil {
			t.Errorf("ParseCron(%q) expected error, got nil", c)
		}
	}
}

func TestCronEveryTwoMinutes(t *testing.T) {
	cron, err := ParseCron("*/2 * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	loc := time.UTC
	cases := []struct {
		t      time.Time
		expect bool
	}{
		{time.Date(2026, 1, 1, 14, 30, 0, 0, loc), true},
		{time.Date(2026, 1, 1, 14, 30, 30, 0, loc), true}, // seconds ignored
		{time.Date(2026, 1, 1, 14, 31, 0, 0, loc), false},
		{time.Date(2026, 1, 1, 14, 32, 0, 0, loc), true},
	}
	for _, c := range cases {
		if got := cron.Matches(c.t); got != c.expect {
			t.Errorf("Matches(%v) = %v, want %v", c.t, got, c.expect)
		}
	}
}

func TestCronListsRangesSteps(t *testing.T) {
	cron, err := ParseCron("0,30 9-17 * * 1-5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	mon9am := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) // Monday
	if !cron.Matches(mon9am) {
		t.Errorf("expected match on Monday 9:00")
	}
	sat9am := time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC) // Saturday
	if cron.Matches(sat9am) {
		t.Errorf("expected no match on Saturday")
	}
	mon915 := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	if cron.Matches(mon915) {
		t.Errorf("expected no match at :15")
	}
}
