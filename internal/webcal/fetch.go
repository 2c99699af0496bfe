package webcal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"webcalsync/internal/ics"
)

type fetchState int

const (
	fetchIdle fetchState = iota
	fetchAwaiting
	fetchCompleted
	fetchCancelled
)

func (s fetchState) String() string {
	switch s {
	case fetchIdle:
		return "idle"
	case fetchAwaiting:
		return "awaiting"
	case fetchCompleted:
		return "completed"
	case fetchCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FetchKind classifies a fetch.
type FetchKind int

const (
	FetchUnchanged FetchKind = iota
	FetchChanged
	FetchFailed
	FetchCancelled
)

// FetchOutcome is the classified result of one conditional fetch.
type FetchOutcome struct {
	Kind FetchKind
	// Body and ETag are set for FetchChanged. ETag may be empty.
	Body []byte
	ETag string
	// Err is set for FetchFailed; ReasonOf(Err) is its reason code.
	Err error
}

var errFetchInFlight = errors.New("a request is already outstanding")

// fetchCoordinator issues at most one outstanding request at a time.
//
// Transitions: Idle/Completed/Cancelled -> Awaiting on fetch, Awaiting ->
// Completed when the response arrives, Awaiting -> Cancelled on cancel. A
// response that arrives after cancel is discarded.
type fetchCoordinator struct {
	transport Transport

	mu     sync.Mutex
	state  fetchState
	cancel context.CancelFunc
}

func newFetchCoordinator(t Transport) *fetchCoordinator {
	return &fetchCoordinator{transport: t}
}

func (f *fetchCoordinator) State() fetchState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// fetch downloads url, sending cachedTag as If-None-Match when non-empty.
func (f *fetchCoordinator) fetch(ctx context.Context, url string, followRedirects bool, cachedTag string, progress func()) FetchOutcome {
	f.mu.Lock()
	if f.state == fetchAwaiting {
		f.mu.Unlock()
		return FetchOutcome{Kind: FetchFailed, Err: withReason(ReasonInternalError, errFetchInFlight)}
	}
	if ctx.Err() != nil {
		f.state = fetchCancelled
		f.mu.Unlock()
		return FetchOutcome{Kind: FetchCancelled}
	}
	reqCtx, cancel := context.WithCancel(ctx)
	f.state = fetchAwaiting
	f.cancel = cancel
	f.mu.Unlock()

	resp, err := f.transport.Get(reqCtx, ics.Request{
		URL:             url,
		FollowRedirects: followRedirects,
		IfNoneMatch:     cachedTag,
		Progress:        progress,
	})
	cancel()

	f.mu.Lock()
	if f.state == fetchCancelled || ctx.Err() != nil {
		f.state = fetchCancelled
		f.cancel = nil
		f.mu.Unlock()
		return FetchOutcome{Kind: FetchCancelled}
	}
	f.state = fetchCompleted
	f.cancel = nil
	f.mu.Unlock()

	return classify(resp, err, cachedTag)
}

// abort cancels the outstanding request. It reports whether a request was
// outstanding.
func (f *fetchCoordinator) abort() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != fetchAwaiting {
		return false
	}
	f.state = fetchCancelled
	if f.cancel != nil {
		f.cancel()
	}
	return true
}

// classify maps a transport result to a FetchOutcome. A 304, or a
// non-empty tag equal to the cached one, means unchanged. An empty tag never
// matches, so feeds without tags are refreshed every cycle.
func classify(resp *ics.Response, err error, cachedTag string) FetchOutcome {
	if err != nil {
		return FetchOutcome{Kind: FetchFailed, Err: withReason(ReasonConnectionError, err)}
	}
	if resp == nil {
		return FetchOutcome{Kind: FetchFailed, Err: withReason(ReasonInternalError, errNoReply)}
	}
	if resp.NotModified() {
		return FetchOutcome{Kind: FetchUnchanged, ETag: cachedTag}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return FetchOutcome{Kind: FetchFailed,
			Err: withReason(ReasonConnectionError, fmt.Errorf("unexpected HTTP status %s", statusText(resp)))}
	}
	if resp.ETag != "" && resp.ETag == cachedTag {
		return FetchOutcome{Kind: FetchUnchanged, ETag: cachedTag}
	}
	return FetchOutcome{Kind: FetchChanged, Body: resp.Body, ETag: resp.ETag}
}

func statusText(resp *ics.Response) string {
	if resp.Status != "" {
		return resp.Status
	}
	return fmt.Sprint(resp.StatusCode)
}
