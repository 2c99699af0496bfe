package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "webcalsync/internal/log"
	"webcalsync/internal/model"
)

const (
	defaultMaxOccurrencesPerEntry = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone to which all occurrences will be converted.
	// If nil, time.Local is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the inclusive time window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEntry is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEntry is used.
	MaxOccurrencesPerEntry int
}

// ExpandResult wraps the list of expanded occurrences and information about
// truncation.
type ExpandResult struct {
	Occurrences []model.Occurrence
	// TruncatedUIDs records UIDs that hit the MaxOccurrencesPerEntry cap.
	TruncatedUIDs []string
}

// ExpandOccurrences expands stored entries of a notebook into concrete
// occurrences within the configured window. It handles:
//
//   - Single non-recurring entries
//   - RRULE-based recurrence
//   - EXDATE for exception removal
//   - RECURRENCE-ID overrides (entries sharing a UID with a recurrence id)
//   - All-day semantics (the calendar date is kept in the display zone)
//
// Occurrences are sorted by start time.
func ExpandOccurrences(entries []model.Entry, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEntry <= 0 {
		cfg.MaxOccurrencesPerEntry = defaultMaxOccurrencesPerEntry
	}

	// Group base entries and overrides by UID.
	baseByUID := make(map[string][]model.Entry)
	overridesByUID := make(map[string][]override)
	var uids []string

	for _, e := range entries {
		if e.RecurrenceID != "" {
			if rid, err := recurrenceTime(e); err == nil {
				overridesByUID[e.UID] = append(overridesByUID[e.UID], override{entry: e, rid: rid})
				continue
			}
		}
		if _, ok := baseByUID[e.UID]; !ok {
			uids = append(uids, e.UID)
		}
		baseByUID[e.UID] = append(baseByUID[e.UID], e)
	}

	for _, uid := range uids {
		ov := overridesByUID[uid]
		truncated := false

		for _, e := range baseByUID[uid] {
			occ, hitCap := expandEntry(e, ov, cfg)
			if hitCap {
				truncated = true
			}
			result.Occurrences = append(result.Occurrences, occ...)
		}

		if truncated {
			result.TruncatedUIDs = append(result.TruncatedUIDs, uid)
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				"uid", uid,
				"cap", cfg.MaxOccurrencesPerEntry,
			)
		}
	}

	sort.SliceStable(result.Occurrences, func(i, j int) bool {
		return result.Occurrences[i].Start.Before(result.Occurrences[j].Start)
	})
	return result, nil
}

type override struct {
	entry model.Entry
	rid   time.Time
}

func recurrenceTime(e model.Entry) (time.Time, error) {
	loc := zone(e.TimeZone)
	if e.AllDay {
		loc = time.UTC
	}
	return parseICSTime(e.RecurrenceID, loc)
}

// expandEntry expands a single base entry with its possible overrides,
// returning occurrences and whether the cap was hit.
func expandEntry(e model.Entry, overrides []override, cfg ExpandConfig) ([]model.Occurrence, bool) {
	if e.Start.IsZero() {
		return nil, false
	}
	if e.RRule == "" {
		return expandSingle(e, overrides, cfg), false
	}
	return expandRecurring(e, overrides, cfg)
}

func expandSingle(e model.Entry, overrides []override, cfg ExpandConfig) []model.Occurrence {
	start, end := e.Start, entryEnd(e)

	// An override whose RECURRENCE-ID matches the single start replaces it.
	if o, ok := findOverride(overrides, start); ok {
		e = o.entry
		start, end = e.Start, entryEnd(e)
	}

	occ := makeOccurrence(e, start, end, cfg.DisplayLocation)
	if !timeRangesOverlap(occ.Start, occ.End, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}
	return []model.Occurrence{occ}
}

func expandRecurring(e model.Entry, overrides []override, cfg ExpandConfig) ([]model.Occurrence, bool) {
	out := make([]model.Occurrence, 0)
	hitCap := false

	r, err := rrule.StrToRRule(e.RRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", e.UID, "rrule", e.RRule)
		return out, false
	}
	r.DTStart(e.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range e.ExDates {
		set.ExDate(ex.In(e.Start.Location()))
	}

	// Widen the window by the entry duration so occurrences that started
	// before RangeStart but are still running are included.
	dur := entryEnd(e).Sub(e.Start)
	rangeStart := cfg.RangeStart.Add(-dur).In(e.Start.Location())
	rangeEnd := cfg.RangeEnd.In(e.Start.Location())
	if e.AllDay {
		rangeStart = rangeStart.AddDate(0, 0, -1)
		rangeEnd = rangeEnd.AddDate(0, 0, 1)
	}

	occTimes := set.Between(rangeStart, rangeEnd, true)
	if len(occTimes) > cfg.MaxOccurrencesPerEntry {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEntry]
		hitCap = true
	}

	for _, occStart := range occTimes {
		base := e
		start, end := occStart, occStart.Add(dur)

		if o, ok := findOverride(overrides, occStart); ok {
			base = o.entry
			start, end = base.Start, entryEnd(base)
		}

		occ := makeOccurrence(base, start, end, cfg.DisplayLocation)
		if timeRangesOverlap(occ.Start, occ.End, cfg.RangeStart, cfg.RangeEnd) {
			out = append(out, occ)
		}
	}

	return out, hitCap
}

// findOverride finds an override whose RECURRENCE-ID equals start.
func findOverride(overrides []override, start time.Time) (override, bool) {
	for _, ov := range overrides {
		if ov.rid.Equal(start) {
			return ov, true
		}
	}
	return override{}, false
}

func entryEnd(e model.Entry) time.Time {
	if !e.End.IsZero() && !e.End.Before(e.Start) {
		return e.End
	}
	if e.AllDay {
		return e.Start.AddDate(0, 0, 1)
	}
	return e.Start
}

// makeOccurrence converts an entry and a concrete start/end into an
// occurrence normalized into displayLoc. All-day occurrences keep their
// calendar date: [date 00:00, date+n 00:00) in displayLoc.
func makeOccurrence(e model.Entry, start, end time.Time, displayLoc *time.Location) model.Occurrence {
	var startLocal, endLocal time.Time
	if e.AllDay {
		days := int(end.Sub(start).Hours()+12) / 24
		if days < 1 {
			days = 1
		}
		s := start.UTC()
		startLocal = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, displayLoc)
		endLocal = startLocal.AddDate(0, 0, days)
	} else {
		startLocal = start.In(displayLoc)
		endLocal = end.In(displayLoc)
	}

	return model.Occurrence{
		NotebookUID: e.NotebookUID,
		UID:         e.UID,
		InstanceKey: startLocal.Format(time.RFC3339Nano),
		Summary:     e.Summary,
		Location:    e.Location,
		AllDay:      e.AllDay,
		Start:       startLocal,
		End:         endLocal,
	}
}

func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(bStart) {
		return false
	}
	if bEnd.Before(aStart) {
		return false
	}
	return true
}
