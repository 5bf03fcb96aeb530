package wastecal

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// HolidayCalendar decides whether a collection date is a public holiday.
type HolidayCalendar interface {
	IsHoliday(date time.Time) bool
}

// GermanHolidays knows the nationwide German holidays plus the regional ones of the
// supported states. Region codes follow ISO 3166-2:DE without prefix ("SN", "NW").
type GermanHolidays struct {
	region string

	mu    sync.Mutex
	years map[int]map[string]string
}

var supportedHolidayRegions = map[string]bool{"": true, "DE": true, "SN": true, "NW": true}

func NewGermanHolidays(region string) (*GermanHolidays, error) {
	region = strings.ToUpper(strings.TrimSpace(region))
	if !supportedHolidayRegions[region] {
		return nil, fmt.Errorf("unsupported holiday region %q", region)
	}
	return &GermanHolidays{region: region, years: map[int]map[string]string{}}, nil
}

func (g *GermanHolidays) IsHoliday(date time.Time) bool {
	_, ok := g.Name(date)
	return ok
}

// Name returns the holiday name for date, if any.
func (g *GermanHolidays) Name(date time.Time) (string, bool) {
	g.mu.Lock()
	days, ok := g.years[date.Year()]
	if !ok {
		days = germanHolidays(date.Year(), g.region)
		g.years[date.Year()] = days
	}
	g.mu.Unlock()
	name, ok := days[FormatDate(date)]
	return name, ok
}

func germanHolidays(year int, region string) map[string]string {
	holidays := make(map[string]string)

	holidays[formatYMD(year, 1, 1)] = "Neujahr"
	holidays[formatYMD(year, 5, 1)] = "Tag der Arbeit"
	holidays[formatYMD(year, 10, 3)] = "Tag der Deutschen Einheit"
	holidays[formatYMD(year, 12, 25)] = "1. Weihnachtstag"
	holidays[formatYMD(year, 12, 26)] = "2. Weihnachtstag"

	easter := easterSunday(year)
	holidays[FormatDate(easter.AddDate(0, 0, -2))] = "Karfreitag"
	holidays[FormatDate(easter.AddDate(0, 0, 1))] = "Ostermontag"
	holidays[FormatDate(easter.AddDate(0, 0, 39))] = "Christi Himmelfahrt"
	holidays[FormatDate(easter.AddDate(0, 0, 50))] = "Pfingstmontag"

	switch region {
	case "SN":
		holidays[formatYMD(year, 10, 31)] = "Reformationstag"
		holidays[FormatDate(repentanceDay(year))] = "Buß- und Bettag"
	case "NW":
		holidays[FormatDate(easter.AddDate(0, 0, 60))] = "Fronleichnam"
		holidays[formatYMD(year, 11, 1)] = "Allerheiligen"
	}
	return holidays
}

// easterSunday uses the Meeus/Jones/Butcher algorithm.
func easterSunday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := ((h + l - 7*m + 114) % 31) + 1
	return time.Date(year, time.Month(month), day, 12, 0, 0, 0, time.UTC)
}

// repentanceDay is the last Wednesday before November 23.
func repentanceDay(year int) time.Time {
	d := time.Date(year, time.November, 22, 12, 0, 0, 0, time.UTC)
	for d.Weekday() != time.Wednesday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func formatYMD(year, month, day int) string {
	return time.Date(year, time.Month(month), day, 12, 0, 0, 0, time.UTC).Format(DateLayout)
}
