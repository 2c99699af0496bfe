// Package webcal mirrors a read-only remote calendar feed into a local
// notebook.
//
// One Client serves one subscription. A cycle resolves the notebook, issues
// a conditional GET with the cached entity tag, replaces all entries when
// the feed changed, reconciles the notebook metadata and records an
// Outcome. Cycles are serialized; the only blocking point that honours
// cancellation is the network request.
package webcal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"webcalsync/internal/config"
	"webcalsync/internal/ics"
	appLog "webcalsync/internal/log"
	"webcalsync/internal/store"
)

// DefaultPluginName is the plugin identity stamped on notebooks.
const DefaultPluginName = "webcal"

var (
	ErrNotInitialized = errors.New("webcal: client not initialized")
	ErrSyncInProgress = errors.New("webcal: a sync cycle is already running")
)

// Progress is a host-visible cycle stage.
type Progress int

const (
	ProgressInitialising Progress = iota
	ProgressReceivingItems
	ProgressFinalising
)

func (p Progress) String() string {
	switch p {
	case ProgressInitialising:
		return "initialising"
	case ProgressReceivingItems:
		return "receiving_items"
	case ProgressFinalising:
		return "finalising"
	default:
		return "unknown"
	}
}

// Host receives side-channel notifications. Implementations must not block.
type Host interface {
	SyncProgress(profile string, p Progress)
	SyncSucceeded(profile, message string)
	SyncFailed(profile, message string, reason Reason)
}

// NopHost ignores every notification.
type NopHost struct{}

func (NopHost) SyncProgress(string, Progress)     {}
func (NopHost) SyncSucceeded(string, string)      {}
func (NopHost) SyncFailed(string, string, Reason) {}

// SyncStatus is the cause passed to AbortSync.
type SyncStatus int

const (
	StatusAborted SyncStatus = iota
	StatusConnectionLost
)

// ConnectivityType is the kind of link reported by the host.
type ConnectivityType int

const (
	ConnectivityInternet ConnectivityType = iota
	ConnectivityUSB
	ConnectivityBluetooth
)

// Opener opens the calendar store.
type Opener func() (Store, error)

// Option configures a Client.
type Option func(*Client)

// WithTransport overrides the HTTP transport.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.fetch = newFetchCoordinator(t) }
}

// WithDecoder overrides the ICS decoder.
func WithDecoder(d Decoder) Option {
	return func(c *Client) { c.decoder = d }
}

// WithHost sets the notification sink.
func WithHost(h Host) Option {
	return func(c *Client) { c.host = h }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithPluginName overrides DefaultPluginName.
func WithPluginName(name string) Option {
	return func(c *Client) { c.pluginName = name }
}

// Client runs sync cycles for one subscription.
type Client struct {
	pluginName string
	cfg        config.FeedConfig
	open       Opener
	decoder    Decoder
	host       Host
	now        func() time.Time
	fetch      *fetchCoordinator

	mu          sync.Mutex
	store       Store
	notebookUID string
	running     bool
	aborted     error
	replacing   bool
	cancel      context.CancelFunc
	done        chan struct{}
	results     Outcome
}

// New creates a client for cfg. The store is opened by Init.
func New(cfg config.FeedConfig, open Opener, opts ...Option) *Client {
	c := &Client{
		pluginName: DefaultPluginName,
		cfg:        cfg,
		open:       open,
		decoder:    ics.Codec{},
		host:       NopHost{},
		now:        time.Now,
		fetch:      newFetchCoordinator(ics.NewHTTPTransport(30 * time.Second)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Profile returns the sync-profile identity.
func (c *Client) Profile() string {
	return c.cfg.Profile
}

// NotebookUID returns the resolved notebook identifier, empty before Init.
func (c *Client) NotebookUID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notebookUID
}

// Init opens the store and resolves (or creates) the notebook.
func (c *Client) Init(ctx context.Context) error {
	c.host.SyncProgress(c.cfg.Profile, ProgressInitialising)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store == nil {
		if c.open == nil {
			return fmt.Errorf("%w: no store opener", ErrStorageUnavailable)
		}
		st, err := c.open()
		if err != nil {
			appLog.Error("cannot open default storage", err, "profile", c.cfg.Profile)
			return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
		c.store = st
	}

	nb, err := resolveNotebook(ctx, c.store, c.pluginName, c.cfg.Profile, c.cfg)
	if err != nil {
		appLog.Error("cannot resolve notebook", err, "profile", c.cfg.Profile)
		return err
	}
	c.notebookUID = nb.UID
	appLog.Debug("using notebook", "uid", nb.UID, "profile", c.cfg.Profile)
	return nil
}

// Uninit closes the store.
func (c *Client) Uninit() error {
	c.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	appLog.Debug("closing storage", "profile", c.cfg.Profile)
	err := c.store.Close()
	c.store = nil
	return err
}

// StartSync starts one cycle in the background. The outcome is available
// from SyncResults once Wait returns, and is reported to the Host.
func (c *Client) StartSync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return ErrNotInitialized
	}
	if c.running {
		return ErrSyncInProgress
	}
	c.running = true
	c.aborted = nil
	c.replacing = false
	c.done = make(chan struct{})
	cctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	cfg := c.cfg
	st := c.store

	go func(done chan struct{}) {
		out := c.runCycle(cctx, st, cfg)
		cancel()

		c.mu.Lock()
		c.results = out
		c.running = false
		c.cancel = nil
		c.mu.Unlock()

		if out.Succeeded() {
			c.host.SyncSucceeded(cfg.Profile, out.Message)
		} else {
			c.host.SyncFailed(cfg.Profile, out.Message, out.Reason)
		}
		close(done)
	}(c.done)
	return nil
}

// Wait blocks until the running cycle, if any, has finished.
func (c *Client) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Sync runs one cycle and waits for its outcome. The client is initialized
// first when needed.
func (c *Client) Sync(ctx context.Context) Outcome {
	if ctx.Err() != nil {
		out := failure(c.now(), errAborted)
		c.setResults(out)
		return out
	}

	c.mu.Lock()
	initialized := c.store != nil
	c.mu.Unlock()
	if !initialized {
		if err := c.Init(ctx); err != nil {
			out := failure(c.now(), err)
			c.setResults(out)
			return out
		}
	}
	if err := c.StartSync(ctx); err != nil {
		return failure(c.now(), withReason(ReasonInternalError, err))
	}
	c.Wait()
	return c.SyncResults()
}

// AbortSync cancels the running cycle. An abort before the replace has
// started resolves the cycle to ReasonAborted; once entries are being
// replaced the cycle runs to completion. Without a running cycle the
// aborted outcome is recorded directly.
func (c *Client) AbortSync(status SyncStatus) {
	cause := errAborted
	if status == StatusConnectionLost {
		cause = errConnectionLost
	}

	c.mu.Lock()
	if !c.running {
		out := failure(c.now(), cause)
		c.results = out
		c.mu.Unlock()
		c.host.SyncFailed(c.cfg.Profile, out.Message, out.Reason)
		return
	}
	if c.replacing {
		c.mu.Unlock()
		appLog.Warn("abort ignored: entries are being replaced", "profile", c.cfg.Profile)
		return
	}
	c.aborted = cause
	cancel := c.cancel
	c.mu.Unlock()

	if c.fetch.abort() {
		appLog.Info("outstanding request cancelled", "profile", c.cfg.Profile)
	}
	// A cycle that has not issued its request yet sees the cancelled
	// context and skips it.
	if cancel != nil {
		cancel()
	}
}

// SyncResults returns the outcome of the last cycle.
func (c *Client) SyncResults() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results.clone()
}

func (c *Client) setResults(out Outcome) {
	c.mu.Lock()
	c.results = out
	c.mu.Unlock()
}

// CleanUp removes the notebook and its entries, resolving it first when
// Init has not run. A running cycle is waited for.
func (c *Client) CleanUp(ctx context.Context) error {
	c.Wait()

	c.mu.Lock()
	resolved := c.store != nil && c.notebookUID != ""
	c.mu.Unlock()
	if !resolved {
		if err := c.Init(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	appLog.Info("deleting notebook", "uid", c.notebookUID, "profile", c.cfg.Profile)
	err := c.store.DeleteNotebook(ctx, c.notebookUID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	c.notebookUID = ""
	return nil
}

// ConnectivityStateChanged aborts the cycle when internet access is lost.
func (c *Client) ConnectivityStateChanged(t ConnectivityType, up bool) {
	if t == ConnectivityInternet && !up {
		c.AbortSync(StatusConnectionLost)
	}
}

// abortCause returns the pending abort, or marks the cycle as replacing so
// later aborts are ignored.
func (c *Client) abortCause(startReplace bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted != nil {
		return c.aborted
	}
	if startReplace {
		c.replacing = true
	}
	return nil
}

func (c *Client) runCycle(ctx context.Context, st Store, cfg config.FeedConfig) Outcome {
	if cause := c.abortCause(false); cause != nil {
		return failure(c.now(), cause)
	}

	// Storage work is not interrupted by aborts.
	sctx := context.WithoutCancel(ctx)

	nb, err := resolveNotebook(sctx, st, c.pluginName, cfg.Profile, cfg)
	if err != nil {
		appLog.Error("cannot resolve notebook", err, "profile", cfg.Profile)
		return failure(c.now(), err)
	}
	c.mu.Lock()
	c.notebookUID = nb.UID
	c.mu.Unlock()

	if cause := c.abortCause(false); cause != nil {
		appLog.Info("sync aborted before request", "profile", cfg.Profile)
		return failure(c.now(), cause)
	}

	appLog.Info("requesting feed", "profile", cfg.Profile, "url", ics.RedactURL(cfg.RemoteCalendar), "etag", nb.ETag)

	var once sync.Once
	progress := func() {
		once.Do(func() { c.host.SyncProgress(cfg.Profile, ProgressReceivingItems) })
	}
	fo := c.fetch.fetch(ctx, cfg.RemoteCalendar, cfg.AllowRedirect, nb.ETag, progress)

	switch fo.Kind {
	case FetchCancelled:
		cause := c.abortCause(false)
		if cause == nil {
			cause = errAborted
		}
		appLog.Info("sync aborted", "profile", cfg.Profile)
		return failure(c.now(), cause)
	case FetchFailed:
		appLog.Error("feed request failed", fo.Err, "profile", cfg.Profile, "url", ics.RedactURL(cfg.RemoteCalendar))
		return failure(c.now(), fo.Err)
	}
	appLog.Debug("got etag", "profile", cfg.Profile, "etag", fo.ETag, "changed", fo.Kind == FetchChanged)

	c.host.SyncProgress(cfg.Profile, ProgressFinalising)
	if cause := c.abortCause(true); cause != nil {
		return failure(c.now(), cause)
	}

	var added, deleted int
	upd := metadataUpdate{Changed: fo.Kind == FetchChanged, ETag: fo.ETag}
	if upd.Changed {
		res, err := replaceEntries(sctx, st, c.decoder, nb.UID, fo.Body)
		if err != nil {
			appLog.Error("replace failed", err, "profile", cfg.Profile, "notebook", nb.UID)
			return failure(c.now(), err)
		}
		added, deleted = res.Added, res.Deleted
		upd.Meta = res.Meta
	}

	updated, err := reconcileNotebook(sctx, st, nb.UID, cfg, upd, c.now())
	if err != nil {
		appLog.Error("metadata update failed", err, "profile", cfg.Profile, "notebook", nb.UID)
		return failure(c.now(), err)
	}

	name := cfg.Label
	if name == "" {
		name = updated.UID
	}
	appLog.Info("sync completed", "profile", cfg.Profile, "notebook", updated.UID,
		"added", added, "deleted", deleted, "etag", updated.ETag)
	return report(c.now(), added, deleted, name)
}
