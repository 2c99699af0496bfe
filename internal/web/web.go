package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"webcalsync/internal/config"
	"webcalsync/internal/ics"
	appLog "webcalsync/internal/log"
	"webcalsync/internal/model"
	"webcalsync/internal/webcal"
)

// Subscription is the part of a sync client the status API needs.
type Subscription interface {
	Profile() string
	NotebookUID() string
	SyncResults() webcal.Outcome
	Sync(ctx context.Context) webcal.Outcome
}

// EntryLister reads the stored entries of a notebook.
type EntryLister interface {
	Entries(ctx context.Context, notebookUID string) ([]model.Entry, error)
}

// Server provides the HTTP status API for the configured subscriptions.
type Server struct {
	cfg     *config.Config
	subs    []Subscription
	byName  map[string]Subscription
	entries EntryLister
	now     func() time.Time

	// In-memory cache for agenda responses. A sync through the API drops
	// the cached agendas of its profile.
	agendaMu    sync.RWMutex
	agendaCache map[agendaKey]*cachedAgenda
}

type agendaKey struct {
	profile  string
	days     int
	backfill int
}

type cachedAgenda struct {
	resp      Agenda
	updatedAt time.Time
}

const agendaCacheTTL = 30 * time.Second

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, subs []Subscription, entries EntryLister) *Server {
	s := &Server{
		cfg:         cfg,
		subs:        subs,
		byName:      make(map[string]Subscription, len(subs)),
		entries:     entries,
		now:         time.Now,
		agendaCache: make(map[agendaKey]*cachedAgenda),
	}
	for _, sub := range subs {
		s.byName[sub.Profile()] = sub
	}
	return s
}

// Handler returns the router for this server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// /health stays unauthenticated.
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
			r.Use(s.basicAuthMiddleware)
		}
		r.Get("/api/subscriptions", s.handleSubscriptions)
		r.Post("/api/subscriptions/{profile}/sync", s.handleSync)
		r.Get("/api/subscriptions/{profile}/agenda", s.handleAgenda)
	})
	return r
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP server shutdown error", err)
	}
	return <-errCh
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="webcalsync", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// subscriptionDTO is the JSON view of one subscription.
type subscriptionDTO struct {
	Profile     string          `json:"profile"`
	Label       string          `json:"label,omitempty"`
	URL         string          `json:"url"`
	NotebookUID string          `json:"notebook_uid,omitempty"`
	LastSync    *webcal.Outcome `json:"last_sync,omitempty"`
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	out := make([]subscriptionDTO, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, s.describe(sub))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) describe(sub Subscription) subscriptionDTO {
	dto := subscriptionDTO{
		Profile:     sub.Profile(),
		NotebookUID: sub.NotebookUID(),
	}
	if fc, ok := s.cfg.Subscription(sub.Profile()); ok {
		dto.Label = fc.Label
		dto.URL = ics.RedactURL(fc.RemoteCalendar)
	}
	if res := sub.SyncResults(); !res.Time.IsZero() {
		dto.LastSync = &res
	}
	return dto
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (Subscription, bool) {
	profile := chi.URLParam(r, "profile")
	sub, ok := s.byName[profile]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown subscription "+strconv.Quote(profile))
		return nil, false
	}
	return sub, true
}

// handleSync runs a cycle and returns its outcome. The cycle is not
// cancelled when the client goes away.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.lookup(w, r)
	if !ok {
		return
	}

	appLog.Info("api sync request", "profile", sub.Profile())
	out := sub.Sync(context.WithoutCancel(r.Context()))
	s.dropAgendas(sub.Profile())

	status := http.StatusOK
	switch {
	case out.Succeeded():
	case out.Reason == webcal.ReasonConnectionError:
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, out)
}

// Agenda is the expanded view of a notebook over a time window.
type Agenda struct {
	Profile         string       `json:"profile"`
	Occurrences     []AgendaItem `json:"occurrences"`
	TruncatedUIDs   []string     `json:"truncated_uids,omitempty"`
	RangeStart      time.Time    `json:"range_start"`
	RangeEnd        time.Time    `json:"range_end"`
	DisplayTimeZone string       `json:"display_timezone"`
}

// AgendaItem is one occurrence in an Agenda.
type AgendaItem struct {
	UID         string    `json:"uid"`
	InstanceKey string    `json:"instance_key"`
	Summary     string    `json:"summary"`
	Location    string    `json:"location"`
	AllDay      bool      `json:"all_day"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// handleAgenda returns expanded occurrences of the stored entries.
//
// GET /api/subscriptions/{profile}/agenda?days=7&backfill=0
//   - days:     how many days ahead (default 7)
//   - backfill: how many past days to include (default 0)
func (s *Server) handleAgenda(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.lookup(w, r)
	if !ok {
		return
	}
	uid := sub.NotebookUID()
	if uid == "" {
		writeError(w, http.StatusServiceUnavailable, "notebook not initialized")
		return
	}

	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 0)
	if backfill < 0 {
		backfill = 0
	}

	key := agendaKey{profile: sub.Profile(), days: days, backfill: backfill}
	now := s.now()
	s.agendaMu.RLock()
	ac := s.agendaCache[key]
	s.agendaMu.RUnlock()
	if ac != nil && now.Sub(ac.updatedAt) < agendaCacheTTL {
		writeJSON(w, http.StatusOK, ac.resp)
		return
	}

	entries, err := s.entries.Entries(r.Context(), uid)
	if err != nil {
		appLog.Error("api agenda: cannot list entries", err, "profile", sub.Profile())
		writeError(w, http.StatusInternalServerError, "failed to load entries")
		return
	}

	resp, err := BuildAgenda(entries, s.cfg.Location(), now, days, backfill)
	if err != nil {
		appLog.Error("api agenda: expand failed", err, "profile", sub.Profile())
		writeError(w, http.StatusInternalServerError, "failed to expand entries")
		return
	}
	resp.Profile = sub.Profile()

	s.agendaMu.Lock()
	s.agendaCache[key] = &cachedAgenda{resp: resp, updatedAt: now}
	s.agendaMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) dropAgendas(profile string) {
	s.agendaMu.Lock()
	defer s.agendaMu.Unlock()
	for k := range s.agendaCache {
		if k.profile == profile {
			delete(s.agendaCache, k)
		}
	}
}

// BuildAgenda expands entries into the window [now-backfill, now+days) in
// loc.
func BuildAgenda(entries []model.Entry, loc *time.Location, now time.Time, days, backfill int) (Agenda, error) {
	now = now.In(loc)
	rangeStart := now.AddDate(0, 0, -backfill)
	rangeEnd := now.AddDate(0, 0, days)

	res, err := ics.ExpandOccurrences(entries, ics.ExpandConfig{
		DisplayLocation:        loc,
		RangeStart:             rangeStart,
		RangeEnd:               rangeEnd,
		MaxOccurrencesPerEntry: 5000,
	})
	if err != nil {
		return Agenda{}, err
	}

	dtos := make([]AgendaItem, 0, len(res.Occurrences))
	for _, occ := range res.Occurrences {
		dtos = append(dtos, AgendaItem{
			UID:         occ.UID,
			InstanceKey: occ.InstanceKey,
			Summary:     occ.Summary,
			Location:    occ.Location,
			AllDay:      occ.AllDay,
			Start:       occ.Start,
			End:         occ.End,
		})
	}
	return Agenda{
		Occurrences:     dtos,
		TruncatedUIDs:   res.TruncatedUIDs,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: loc.String(),
	}, nil
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
