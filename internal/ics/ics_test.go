package ics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"webcalsync/internal/model"
)

const zoneB = "BEGIN:VCALENDAR\n" +
	"METHOD:PUBLISH\n" +
	"PRODID:-//education.gouv.fr//NONSGML iCalcreator 2.6//\n" +
	"VERSION:2.0\n" +
	"X-WR-CALNAME:Calendrier Scolaire - Zone B\n" +
	"X-WR-CALDESC:education.gouv.fr\n" +
	"X-WR-TIMEZONE:Europe/Paris\n" +
	"BEGIN:VEVENT\n" +
	"UID:608@education.gouv.fr\n" +
	"DTSTAMP:20190820T144029Z\n" +
	"DESCRIPTION:Prérentrée des enseignants\n" +
	"DTSTART;VALUE=DATE:20190830\n" +
	"LOCATION:Besançon\\, Bordeaux\\, Clermont-Ferrand\\, Dijon\\, Grenoble\\, Limog\n" +
	" es\\, Lyon\\, Poitiers\n" +
	"SUMMARY:Prérentrée des enseignants - Zone B\n" +
	"TRANSP:TRANSPARENT\n" +
	"END:VEVENT\n" +
	"BEGIN:VEVENT\n" +
	"UID:609@education.gouv.fr\n" +
	"DTSTAMP:20190820T144029Z\n" +
	"DTSTART:20190902T080000Z\n" +
	"DTEND:20190902T170000Z\n" +
	"SUMMARY:Rentrée scolaire des élèves - Zone B\n" +
	"END:VEVENT\n" +
	"BEGIN:VEVENT\n" +
	"DTSTAMP:20190820T144029Z\n" +
	"DTSTART:20190902T080000Z\n" +
	"SUMMARY:no uid\n" +
	"END:VEVENT\n" +
	"END:VCALENDAR\n"

func TestDecodeFeed(t *testing.T) {
	feed, err := Codec{}.Decode([]byte(zoneB), "nb-1")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if feed.Name != "Calendrier Scolaire - Zone B" {
		t.Errorf("name = %q", feed.Name)
	}
	if feed.Description != "education.gouv.fr" {
		t.Errorf("description = %q", feed.Description)
	}
	if len(feed.Entries) != 2 {
		t.Fatalf("entries = %d, want 2 (event without UID skipped)", len(feed.Entries))
	}

	first := feed.Entries[0]
	if first.UID != "608@education.gouv.fr" || first.NotebookUID != "nb-1" {
		t.Errorf("first entry key = %+v", first.EntryKey)
	}
	if first.Summary != "Prérentrée des enseignants - Zone B" {
		t.Errorf("summary = %q", first.Summary)
	}
	if !first.AllDay {
		t.Error("VALUE=DATE entry should be all-day")
	}
	if want := time.Date(2019, 8, 30, 0, 0, 0, 0, time.UTC); !first.Start.Equal(want) {
		t.Errorf("all-day start = %v, want %v", first.Start, want)
	}
	if want := time.Date(2019, 8, 31, 0, 0, 0, 0, time.UTC); !first.End.Equal(want) {
		t.Errorf("all-day end = %v, want %v", first.End, want)
	}
	if first.Raw == "" {
		t.Error("raw VEVENT should be kept")
	}

	second := feed.Entries[1]
	if second.AllDay {
		t.Error("DATE-TIME entry should not be all-day")
	}
	if want := time.Date(2019, 9, 2, 8, 0, 0, 0, time.UTC); !second.Start.Equal(want) {
		t.Errorf("start = %v, want %v", second.Start, want)
	}
}

func dupEvent(uid, recurrenceID, seq, summary string) string {
	s := "BEGIN:VEVENT\n" +
		"UID:" + uid + "\n" +
		"DTSTAMP:20190820T144029Z\n" +
		"DTSTART:20190902T080000Z\n"
	if recurrenceID != "" {
		s += "RECURRENCE-ID:" + recurrenceID + "\n"
	}
	if seq != "" {
		s += "SEQUENCE:" + seq + "\n"
	}
	return s + "SUMMARY:" + summary + "\nEND:VEVENT\n"
}

func TestDecodeMergesDuplicates(t *testing.T) {
	data := "BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//test//EN\n" +
		dupEvent("a", "", "2", "a newer") +
		dupEvent("a", "", "1", "a older") +
		dupEvent("b", "", "", "b first") +
		dupEvent("b", "", "", "b last") +
		dupEvent("b", "20190909T080000Z", "", "b moved") +
		"END:VCALENDAR\n"

	feed, err := Codec{}.Decode([]byte(data), "nb")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var got []string
	for _, e := range feed.Entries {
		got = append(got, e.UID+"/"+e.RecurrenceID+"="+e.Summary)
	}
	want := []string{"a/=a newer", "b/=b last", "b/20190909T080000Z=b moved"}
	if len(got) != len(want) {
		t.Fatalf("entries = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDecodeEmptyIsZeroEntries(t *testing.T) {
	for _, data := range [][]byte{nil, {}, []byte("\r\n")} {
		feed, err := Codec{}.Decode(data, "nb")
		if err != nil {
			t.Fatalf("Decode(%q): %v", data, err)
		}
		if len(feed.Entries) != 0 || feed.Name != "" {
			t.Errorf("Decode(%q) = %+v, want empty feed", data, feed)
		}
	}
}

func TestHTTPTransportConditionalGet(t *testing.T) {
	var gotIfNoneMatch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfNoneMatch = r.Header.Get("If-None-Match")
		if gotIfNoneMatch == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("etag", `"v1"`)
		_, _ = w.Write([]byte(zoneB))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(5 * time.Second)
	progress := 0
	resp, err := tr.Get(context.Background(), Request{URL: srv.URL, Progress: func() { progress++ }})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotIfNoneMatch != "" {
		t.Errorf("unexpected If-None-Match %q", gotIfNoneMatch)
	}
	if resp.StatusCode != http.StatusOK || resp.ETag != `"v1"` || string(resp.Body) != zoneB {
		t.Errorf("response = %d %q len=%d", resp.StatusCode, resp.ETag, len(resp.Body))
	}
	if progress == 0 {
		t.Error("progress callback never called")
	}

	resp, err = tr.Get(context.Background(), Request{URL: srv.URL, IfNoneMatch: `"v1"`})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !resp.NotModified() {
		t.Errorf("status = %d, want 304", resp.StatusCode)
	}
}

func TestHTTPTransportRedirectPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old.ics" {
			http.Redirect(w, r, "/new.ics", http.StatusMovedPermanently)
			return
		}
		_, _ = w.Write([]byte(zoneB))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(5 * time.Second)

	resp, err := tr.Get(context.Background(), Request{URL: srv.URL + "/old.ics", FollowRedirects: false})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusMovedPermanently {
		t.Errorf("status without redirects = %d, want 301", resp.StatusCode)
	}

	resp, err = tr.Get(context.Background(), Request{URL: srv.URL + "/old.ics", FollowRedirects: true})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with redirects = %d, want 200", resp.StatusCode)
	}
}

func TestHTTPTransportCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := NewHTTPTransport(0).Get(ctx, Request{URL: srv.URL})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRedactURL(t *testing.T) {
	cases := map[string]string{
		"https://example.com/path/private.ics?token=abcd": "https://example.com/...(redacted)",
		"http://host:8080":  "http://host:8080/...(redacted)",
		"not a url":         "ics://...(redacted)",
	}
	for in, want := range cases {
		if got := RedactURL(in); got != want {
			t.Errorf("RedactURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExpandOccurrences(t *testing.T) {
	weeklyStart := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	entries := []model.Entry{
		{
			EntryKey: model.EntryKey{UID: "standup"},
			Summary:  "standup",
			Start:    weeklyStart,
			End:      weeklyStart.Add(30 * time.Minute),
			RRule:    "FREQ=WEEKLY;COUNT=4",
			ExDates:  []time.Time{weeklyStart.AddDate(0, 0, 7)},
		},
		{
			EntryKey: model.EntryKey{UID: "standup", RecurrenceID: "20240318T090000Z"},
			Summary:  "standup (moved)",
			Start:    weeklyStart.AddDate(0, 0, 14).Add(2 * time.Hour),
			End:      weeklyStart.AddDate(0, 0, 14).Add(150 * time.Minute),
		},
		{
			EntryKey: model.EntryKey{UID: "holiday"},
			Summary:  "holiday",
			AllDay:   true,
			Start:    time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC),
			End:      time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC),
		},
		{
			EntryKey: model.EntryKey{UID: "outside"},
			Start:    time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
			End:      time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
		},
	}

	res, err := ExpandOccurrences(entries, ExpandConfig{
		DisplayLocation: time.UTC,
		RangeStart:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:        time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, o := range res.Occurrences {
		got = append(got, o.Start.Format("01-02T15:04")+" "+o.Summary)
	}
	want := []string{
		"03-04T09:00 standup",
		"03-06T00:00 holiday",
		"03-18T11:00 standup (moved)",
		"03-25T09:00 standup",
	}
	if len(got) != len(want) {
		t.Fatalf("occurrences = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("occurrence[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExpandRejectsInvertedRange(t *testing.T) {
	now := time.Now()
	if _, err := ExpandOccurrences(nil, ExpandConfig{RangeStart: now, RangeEnd: now.Add(-time.Hour)}); err == nil {
		t.Fatal("expected error for inverted range")
	}
}
