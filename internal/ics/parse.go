package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "webcalsync/internal/log"
	"webcalsync/internal/model"
)

// Feed is a decoded calendar document scoped to one notebook.
type Feed struct {
	// Name and Description come from X-WR-CALNAME / X-WR-CALDESC (or the
	// RFC 7986 NAME / DESCRIPTION properties). Either may be empty.
	Name        string
	Description string
	Entries     []model.Entry
}

// Codec decodes ICS payloads with github.com/arran4/golang-ical.
type Codec struct{}

// Decode parses data into entries belonging to notebookUID.
//
//   - An empty buffer is a valid, empty calendar.
//   - VEVENTs without UID are logged and skipped.
//   - VEVENTs sharing a UID and RECURRENCE-ID collapse into one entry: the
//     higher SEQUENCE wins, and on a tie the later copy.
//   - All-day entries keep their calendar date at UTC midnight, so the date
//     survives storage regardless of the writer's local zone.
func (Codec) Decode(data []byte, notebookUID string) (Feed, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Feed{}, nil
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return Feed{}, err
	}

	feed := Feed{
		Name:        calendarProperty(cal, "X-WR-CALNAME", "NAME"),
		Description: calendarProperty(cal, "X-WR-CALDESC", "DESCRIPTION"),
	}

	seen := make(map[model.EntryKey]int)
	var seqs []int
	for _, ve := range cal.Events() {
		e, perr := parseVEvent(notebookUID, ve)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Warn("ics vevent skipped", "notebook", notebookUID, "reason", perr.Error())
			continue
		}
		seq := sequence(ve)
		if i, dup := seen[e.EntryKey]; dup {
			appLog.Warn("ics duplicate vevent merged", "notebook", notebookUID, "uid", e.UID,
				"recurrence_id", e.RecurrenceID, "sequence", seq, "existing_sequence", seqs[i])
			if seq >= seqs[i] {
				feed.Entries[i] = e
				seqs[i] = seq
			}
			continue
		}
		seen[e.EntryKey] = len(feed.Entries)
		feed.Entries = append(feed.Entries, e)
		seqs = append(seqs, seq)
	}

	appLog.Debug("ics decode completed", "notebook", notebookUID, "event_count", len(feed.Entries),
		"name", feed.Name)
	return feed, nil
}

// calendarProperty returns the first non-empty VCALENDAR property among
// names, in order of preference.
func calendarProperty(cal *ical.Calendar, names ...string) string {
	for _, name := range names {
		for _, p := range cal.CalendarProperties {
			if strings.EqualFold(p.IANAToken, name) && p.Value != "" {
				return p.Value
			}
		}
	}
	return ""
}

// sequence returns the SEQUENCE of ve, 0 when absent or malformed.
func sequence(ve *ical.VEvent) int {
	p := ve.GetProperty(ical.ComponentProperty("SEQUENCE"))
	if p == nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(p.Value))
	if err != nil {
		return 0
	}
	return n
}

func parseVEvent(notebookUID string, ve *ical.VEvent) (model.Entry, error) {
	var out model.Entry
	out.NotebookUID = notebookUID

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if ridProp := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); ridProp != nil {
		out.RecurrenceID = strings.TrimSpace(ridProp.Value)
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	if dtStart := ve.GetProperty(ical.ComponentPropertyDtStart); dtStart != nil {
		out.AllDay = isDateValue(dtStart)
		out.TimeZone = firstParam(dtStart, "TZID")
		if out.AllDay {
			if t, err := parseICSTime(dtStart.Value, time.UTC); err == nil {
				out.Start = t
			}
		} else if t, err := ve.GetStartAt(); err == nil {
			out.Start = t
		}
	}

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		if isDateValue(dtEnd) {
			if t, err := parseICSTime(dtEnd.Value, time.UTC); err == nil {
				out.End = t
			}
		} else if t, err := ve.GetEndAt(); err == nil {
			out.End = t
		}
	}
	if out.End.IsZero() && !out.Start.IsZero() && out.AllDay {
		out.End = out.Start.AddDate(0, 0, 1)
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RRule = rruleProp.Value
	}

	loc := zone(out.TimeZone)
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			exLoc := loc
			if out.AllDay || isDateValue(p) {
				exLoc = time.UTC
			}
			if t, err := parseICSTime(part, exLoc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	out.Raw = standalone(ve)
	return out, nil
}

// standalone wraps a single VEVENT into its own VCALENDAR document.
func standalone(ve *ical.VEvent) string {
	c := ical.NewCalendar()
	c.AddVEvent(ve)
	return c.Serialize()
}

func isDateValue(p *ical.IANAProperty) bool {
	if strings.EqualFold(firstParam(p, "VALUE"), "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func firstParam(p *ical.IANAProperty, name string) string {
	if p.ICalParameters == nil {
		return ""
	}
	if vs, ok := p.ICalParameters[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// zone resolves a TZID, falling back to UTC for unknown or empty names.
func zone(tzid string) *time.Location {
	if tzid == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tzid)
	if err != nil {
		return time.UTC
	}
	return loc
}

// parseICSTime parses a basic ICS DATE or DATE-TIME string. Values with a
// trailing Z are UTC; others are interpreted in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}

	// Date-only (all-day), e.g., 20250101
	return time.ParseInLocation("20060102", v, loc)
}
