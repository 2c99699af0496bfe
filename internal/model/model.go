package model

import "time"

// Notebook is the local calendar partition mirroring one subscription.
type Notebook struct {
	UID string

	// PluginName and SyncProfile identify the subscription that owns the
	// notebook. At most one notebook exists per pair.
	PluginName  string
	SyncProfile string

	Name        string
	Description string

	// ETag is the entity tag of the last successfully stored feed. Empty
	// means never synced (or a refresh is forced).
	ETag string

	Account  string
	ReadOnly bool
	Master   bool

	// SyncDate is the time of the last completed cycle; zero if none.
	SyncDate time.Time
}

// EntryKey identifies an entry inside a notebook.
type EntryKey struct {
	UID          string
	RecurrenceID string // raw RECURRENCE-ID value, empty for base events
}

// Entry is a single calendar item stored in a notebook.
type Entry struct {
	NotebookUID string
	EntryKey

	Summary     string
	Description string
	Location    string

	AllDay bool
	Start  time.Time
	End    time.Time
	// TimeZone is the TZID of DTSTART; empty for UTC or floating times.
	TimeZone string

	RRule   string
	ExDates []time.Time

	// Raw is a standalone VCALENDAR document holding just this VEVENT.
	Raw string
}

// Occurrence represents a single concrete instance of an entry
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	NotebookUID string
	UID         string

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// entry, derived from the local start time.
	InstanceKey string

	Summary  string
	Location string

	AllDay bool

	// Start / End are in the requested display timezone.
	Start time.Time
	End   time.Time
}
