package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"webcalsync/internal/config"
	"webcalsync/internal/model"
	"webcalsync/internal/webcal"
)

var testNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

type fakeSub struct {
	profile string
	uid     string

	mu    sync.Mutex
	last  webcal.Outcome
	next  webcal.Outcome
	syncs int
}

func (f *fakeSub) Profile() string     { return f.profile }
func (f *fakeSub) NotebookUID() string { return f.uid }

func (f *fakeSub) SyncResults() webcal.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeSub) Sync(context.Context) webcal.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	f.last = f.next
	return f.next
}

type fakeEntries struct {
	mu      sync.Mutex
	calls   int
	entries []model.Entry
}

func (f *fakeEntries) Entries(_ context.Context, uid string) ([]model.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var out []model.Entry
	for _, e := range f.entries {
		if e.NotebookUID == uid {
			out = append(out, e)
		}
	}
	return out, nil
}

func testServer(t *testing.T, auth *config.BasicAuthConfig) (*Server, *fakeSub, *fakeEntries) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BasicAuth = auth
	cfg.Subscriptions = []config.FeedConfig{{
		Profile:        "school",
		RemoteCalendar: "https://example.org/private/holidays.ics?token=secret",
		Label:          "School holidays",
	}}

	sub := &fakeSub{profile: "school", uid: "nb-1"}
	entries := &fakeEntries{entries: []model.Entry{
		{
			NotebookUID: "nb-1",
			EntryKey:    model.EntryKey{UID: "holiday"},
			Summary:     "Holiday",
			AllDay:      true,
			Start:       time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
			End:         time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			NotebookUID: "nb-1",
			EntryKey:    model.EntryKey{UID: "weekly"},
			Summary:     "Assembly",
			Start:       time.Date(2024, 2, 26, 10, 0, 0, 0, time.UTC),
			End:         time.Date(2024, 2, 26, 11, 0, 0, 0, time.UTC),
			RRule:       "FREQ=WEEKLY",
		},
		{
			NotebookUID: "nb-other",
			EntryKey:    model.EntryKey{UID: "elsewhere"},
			Start:       time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC),
			End:         time.Date(2024, 3, 2, 11, 0, 0, 0, time.UTC),
		},
	}}

	s := NewServer(cfg, []Subscription{sub}, entries)
	s.now = func() time.Time { return testNow }
	return s, sub, entries
}

func do(t *testing.T, h http.Handler, method, path string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth {
		req.SetBasicAuth("admin", "hunter2")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthIsPublic(t *testing.T) {
	s, _, _ := testServer(t, &config.BasicAuthConfig{Username: "admin", Password: "hunter2"})
	w := do(t, s.Handler(), http.MethodGet, "/health", false)
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("health = %d %q", w.Code, w.Body.String())
	}
}

func TestBasicAuth(t *testing.T) {
	s, _, _ := testServer(t, &config.BasicAuthConfig{Username: "admin", Password: "hunter2"})
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/api/subscriptions", false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status without credentials = %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("WWW-Authenticate"), "Basic") {
		t.Errorf("missing challenge header")
	}

	if w := do(t, h, http.MethodGet, "/api/subscriptions", true); w.Code != http.StatusOK {
		t.Errorf("status with credentials = %d", w.Code)
	}
}

func TestBasicAuthDisabledWithEmptyCredentials(t *testing.T) {
	s, _, _ := testServer(t, &config.BasicAuthConfig{Username: "admin"})
	if w := do(t, s.Handler(), http.MethodGet, "/api/subscriptions", false); w.Code != http.StatusOK {
		t.Errorf("status = %d, want auth disabled", w.Code)
	}
}

func TestListSubscriptions(t *testing.T) {
	s, sub, _ := testServer(t, nil)
	h := s.Handler()

	var got []map[string]any
	w := do(t, h, http.MethodGet, "/api/subscriptions", false)
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v (%s)", err, w.Body.String())
	}
	if len(got) != 1 {
		t.Fatalf("subscriptions = %v", got)
	}
	if got[0]["profile"] != "school" || got[0]["label"] != "School holidays" || got[0]["notebook_uid"] != "nb-1" {
		t.Errorf("subscription = %v", got[0])
	}
	if url, _ := got[0]["url"].(string); strings.Contains(url, "secret") {
		t.Errorf("url not redacted: %q", url)
	}
	if _, ok := got[0]["last_sync"]; ok {
		t.Error("last_sync should be omitted before the first cycle")
	}

	sub.last = webcal.Outcome{Time: testNow, Result: webcal.ResultSuccess, Message: "ok"}
	got = nil
	w = do(t, h, http.MethodGet, "/api/subscriptions", false)
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	last, _ := got[0]["last_sync"].(map[string]any)
	if last["result"] != "success" || last["reason"] != "none" {
		t.Errorf("last_sync = %v", last)
	}
}

func TestSyncEndpoint(t *testing.T) {
	s, sub, _ := testServer(t, nil)
	h := s.Handler()

	if w := do(t, h, http.MethodPost, "/api/subscriptions/unknown/sync", false); w.Code != http.StatusNotFound {
		t.Errorf("unknown profile = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/subscriptions/school/sync", false); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET sync = %d", w.Code)
	}

	sub.next = webcal.Outcome{
		Time:    testNow,
		Result:  webcal.ResultSuccess,
		Targets: []webcal.TargetResult{{Name: "School holidays", Added: 2, Deleted: 1}},
	}
	w := do(t, h, http.MethodPost, "/api/subscriptions/school/sync", false)
	if w.Code != http.StatusOK {
		t.Fatalf("sync = %d %s", w.Code, w.Body.String())
	}
	var out struct {
		Result  string                `json:"result"`
		Targets []webcal.TargetResult `json:"targets"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Result != "success" || len(out.Targets) != 1 || out.Targets[0].Added != 2 {
		t.Errorf("outcome = %+v", out)
	}

	sub.next = webcal.Outcome{Time: testNow, Result: webcal.ResultFailed, Reason: webcal.ReasonConnectionError}
	if w := do(t, h, http.MethodPost, "/api/subscriptions/school/sync", false); w.Code != http.StatusBadGateway {
		t.Errorf("connection failure = %d", w.Code)
	}
	sub.next = webcal.Outcome{Time: testNow, Result: webcal.ResultFailed, Reason: webcal.ReasonDatabaseFailure}
	if w := do(t, h, http.MethodPost, "/api/subscriptions/school/sync", false); w.Code != http.StatusInternalServerError {
		t.Errorf("database failure = %d", w.Code)
	}
	if sub.syncs != 3 {
		t.Errorf("syncs = %d", sub.syncs)
	}
}

func TestAgenda(t *testing.T) {
	s, _, entries := testServer(t, nil)
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/api/subscriptions/school/agenda?days=7", false)
	if w.Code != http.StatusOK {
		t.Fatalf("agenda = %d %s", w.Code, w.Body.String())
	}
	var got Agenda
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Profile != "school" || got.DisplayTimeZone != "UTC" {
		t.Errorf("agenda header = %+v", got)
	}
	if len(got.Occurrences) != 2 {
		t.Fatalf("occurrences = %+v", got.Occurrences)
	}
	if got.Occurrences[0].UID != "holiday" || !got.Occurrences[0].AllDay {
		t.Errorf("first = %+v", got.Occurrences[0])
	}
	if want := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC); got.Occurrences[1].UID != "weekly" || !got.Occurrences[1].Start.Equal(want) {
		t.Errorf("second = %+v", got.Occurrences[1])
	}

	// Served from cache until a sync drops it.
	do(t, h, http.MethodGet, "/api/subscriptions/school/agenda?days=7", false)
	if entries.calls != 1 {
		t.Errorf("entry loads = %d, want cached", entries.calls)
	}
	do(t, h, http.MethodPost, "/api/subscriptions/school/sync", false)
	do(t, h, http.MethodGet, "/api/subscriptions/school/agenda?days=7", false)
	if entries.calls != 2 {
		t.Errorf("entry loads = %d after sync, want 2", entries.calls)
	}
}

func TestAgendaUninitialized(t *testing.T) {
	s, sub, _ := testServer(t, nil)
	sub.uid = ""
	if w := do(t, s.Handler(), http.MethodGet, "/api/subscriptions/school/agenda", false); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
}

func TestParseIntDefault(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 7},
		{"14", 14},
		{"x", 7},
		{"-3", -3},
	}
	for _, tt := range tests {
		if got := parseIntDefault(tt.in, 7); got != tt.want {
			t.Errorf("parseIntDefault(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
