package ics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Request describes one conditional feed download.
type Request struct {
	URL             string
	FollowRedirects bool
	// IfNoneMatch is sent as If-None-Match when non-empty.
	IfNoneMatch string
	// Progress, if set, is called each time a chunk of the body arrives.
	// It must not block.
	Progress func()
}

// Response is the part of an HTTP response the sync engine consumes.
type Response struct {
	StatusCode int
	Status     string
	Body       []byte
	// ETag is the raw ETag header value, empty when absent.
	ETag string
}

// NotModified reports whether the server answered 304.
func (r *Response) NotModified() bool {
	return r.StatusCode == http.StatusNotModified
}

// HTTPTransport performs feed downloads over net/http.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport whose requests time out after
// timeout (no timeout when zero).
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Get issues a GET for req. Redirects are returned to the caller as-is when
// req.FollowRedirects is false. Context cancellation aborts the request and
// surfaces as ctx.Err().
func (t *HTTPTransport) Get(ctx context.Context, req Request) (*Response, error) {
	if req.URL == "" {
		return nil, errors.New("source URL is empty")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/calendar, */*;q=0.5")
	if req.IfNoneMatch != "" {
		httpReq.Header.Set("If-None-Match", req.IfNoneMatch)
	}

	client := *t.client
	if !req.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if req.Progress != nil {
		body = &progressReader{r: resp.Body, notify: req.Progress}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       data,
		ETag:       resp.Header.Get("ETag"),
	}, nil
}

type progressReader struct {
	r      io.Reader
	notify func()
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.notify()
	}
	return n, err
}

// RedactURL hides sensitive parts of a feed URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	// Find scheme separator.
	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	// Find next slash after host.
	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}

	return u[:j] + redactedSuffix
}
