package wastecal

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"go.uber.org/zap"
)

var (
	wasteTypePattern = regexp.MustCompile(`(?i)(bio|gelbe|rest|papier|weihnachtsbaum)[-\s]?tonne`)
	contactPattern   = regexp.MustCompile(`durch (.*?),\s*Kontakt:\s*([\d\s/+()-]+?)\)`)

	// RFC 5545 TEXT escapes.
	textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)
)

// FeedParser turns an iCal document into EventRecords.
type FeedParser struct {
	log *zap.Logger
}

func NewFeedParser(log *zap.Logger) *FeedParser {
	if log == nil {
		log = zap.NewNop()
	}
	return &FeedParser{log: log.Named("parser")}
}

// Parse returns a *ParsingError when doc is not a complete calendar. Entries that
// cannot be read are skipped with a warning and do not fail the document.
func (p *FeedParser) Parse(doc string, addressLabel string, addressKey int64) (out []EventRecord, err error) {
	upper := strings.ToUpper(doc)
	if !strings.Contains(upper, "BEGIN:VCALENDAR") {
		return nil, &ParsingError{Err: errors.New("document has no VCALENDAR")}
	}
	if !strings.HasSuffix(strings.TrimSpace(upper), "END:VCALENDAR") {
		return nil, &ParsingError{Err: errors.New("calendar is truncated")}
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &ParsingError{Err: fmt.Errorf("malformed calendar: %v", r)}
		}
	}()
	cal, err := ics.ParseCalendar(strings.NewReader(doc))
	if err != nil {
		return nil, &ParsingError{Err: err}
	}

	components := cal.Events()
	for _, ve := range components {
		if ve == nil {
			return nil, &ParsingError{Err: errors.New("calendar holds an unterminated entry")}
		}
	}
	out = make([]EventRecord, 0, len(components))
	for _, ve := range components {
		ev, err := parseEvent(ve, addressLabel, addressKey)
		if err != nil {
			p.log.Warn("skipping calendar entry",
				zap.String("uid", ve.Id()),
				zap.Int64("address_key", addressKey),
				zap.Error(err),
			)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func parseEvent(ve *ics.VEvent, addressLabel string, addressKey int64) (EventRecord, error) {
	start := ve.GetProperty(ics.ComponentPropertyDtStart)
	if start == nil || strings.TrimSpace(start.Value) == "" {
		return EventRecord{}, errors.New("missing DTSTART")
	}
	date, err := parseICalDate(start.Value)
	if err != nil {
		return EventRecord{}, err
	}

	summary := propText(ve, ics.ComponentPropertySummary)
	description := propText(ve, ics.ComponentPropertyDescription)
	contactName, contactPhone := extractContact(description)

	ev := EventRecord{
		ExternalID:   strings.TrimSpace(ve.Id()),
		AddressKey:   addressKey,
		Date:         date,
		Location:     propText(ve, ics.ComponentPropertyLocation),
		WasteType:    ClassifyWasteType(summary, description),
		ContactName:  contactName,
		ContactPhone: contactPhone,
		AddressLabel: addressLabel,
	}
	ev.ContentHash = ev.ComputeHash()
	if ev.ExternalID == "" {
		// Entries without UID still need a stable per-address key.
		ev.ExternalID = "hash:" + ev.ContentHash[:24]
	}
	return ev, nil
}

// parseICalDate keeps the date part of a DATE or DATE-TIME value.
func parseICalDate(v string) (string, error) {
	v = strings.TrimSpace(v)
	if len(v) < 8 {
		return "", fmt.Errorf("invalid DTSTART %q", v)
	}
	t, err := time.Parse("20060102", v[:8])
	if err != nil {
		return "", fmt.Errorf("invalid DTSTART %q: %w", v, err)
	}
	return FormatDate(t), nil
}

func propText(ve *ics.VEvent, prop ics.ComponentProperty) string {
	p := ve.GetProperty(prop)
	if p == nil {
		return ""
	}
	return strings.TrimSpace(textUnescaper.Replace(p.Value))
}

// ClassifyWasteType looks for a bin name in summary first, then description.
// The label keeps the separator style of the source ("Bio-Tonne" vs "Bio Tonne").
func ClassifyWasteType(summary string, description string) string {
	m := wasteTypePattern.FindStringSubmatch(summary)
	if m == nil && description != "" {
		m = wasteTypePattern.FindStringSubmatch(description)
	}
	if m == nil {
		return UnknownWasteType
	}
	sep := " "
	if strings.Contains(m[0], "-") {
		sep = "-"
	}
	return capitalize(m[1]) + sep + "Tonne"
}

func extractContact(description string) (string, string) {
	m := contactPattern.FindStringSubmatch(description)
	if m == nil {
		return "", ""
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	s = strings.ToLower(s)
	return strings.ToUpper(s[:1]) + s[1:]
}
