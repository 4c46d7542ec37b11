/*
Package transport sends one logical HTTP request on behalf of a
caller: it follows redirects manually, retries 5xx responses and
retryable network errors with exponential backoff and jitter, attaches
a per-attempt timeout, and parses the response body by content type.
*/
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/OlegKolesnikoff/bitrix24-api-client/internal/bxerrors"
	"github.com/OlegKolesnikoff/bitrix24-api-client/internal/logging"
)

// Options configures one logical Fetch call. Zero-value fields take
// the defaults documented per field below.
type Options struct {
	Method      string // HTTP verb; default POST
	Body        string // request body, already form-encoded
	Attempts    int    // attempt budget ("tryes"); default 3
	BasePause   time.Duration // backoff base; default 1000ms
	Timeout     time.Duration // per-attempt timeout; default 15000ms
	RequestID   string        // generated via uuid if empty
	Client      *http.Client  // injected transport; default http.DefaultClient derivative
	Logger      *logging.Logger
	Domain      string
	APIMethod   string
}

func (o Options) withDefaults() Options {
	if o.Method == "" {
		o.Method = http.MethodPost
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.BasePause <= 0 {
		o.BasePause = 1000 * time.Millisecond
	}
	if o.Timeout <= 0 {
		o.Timeout = 15000 * time.Millisecond
	}
	if o.RequestID == "" {
		o.RequestID = uuid.NewString()
	}
	if o.Client == nil {
		o.Client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return o
}

// Response is a successfully parsed envelope: the decoded body (either
// a success payload or a domain-level error map carrying "error" /
// "error_description") plus the final HTTP status.
type Response struct {
	Status int
	Body   map[string]any
}

// Fetch sends one logical request to rawURL, following redirects and
// retrying transient failures within the attempt budget, and returns
// either a parsed Response or a *bxerrors.Error. The initial attempt
// is always made; opts.Attempts bounds how many further retries
// (redirects, 5xx, retryable network errors) may follow it.
func Fetch(ctx context.Context, rawURL string, opts Options) (*Response, error) {
	opts = opts.withDefaults()
	return fetchAttempt(ctx, rawURL, opts, opts.Attempts, 0)
}

// fetchAttempt performs one HTTP round trip; remaining is the number
// of retries still available after this attempt, and attemptIndex is
// the 0-based attempt number used for backoff timing.
func fetchAttempt(ctx context.Context, rawURL string, opts Options, remaining, attemptIndex int) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var bodyReader io.Reader
	if opts.Body != "" {
		bodyReader = strings.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, opts.Method, rawURL, bodyReader)
	if err != nil {
		return nil, bxerrors.NewModuleError("failed to construct request", err, "")
	}
	if opts.Body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("User-Agent", "bitrix24-api-client/1.0")
	req.Header.Set("X-Request-Id", opts.RequestID)

	log := opts.Logger
	if log != nil {
		log = log.WithContext(opts.Domain, opts.APIMethod)
		log.Debug("sending request", logging.Fields{"url": rawURL, "attempt": attemptIndex, "request_id": opts.RequestID})
	}

	resp, err := opts.Client.Do(req)
	if err != nil {
		if isRetryableNetworkError(err) && remaining > 0 {
			sleepBackoff(attemptCtx, opts.BasePause, attemptIndex)
			return fetchAttempt(ctx, rawURL, opts, remaining-1, attemptIndex+1)
		}
		if isRetryableNetworkError(err) {
			return nil, bxerrors.NewNetworkError("transport exhausted retries on a network error", err)
		}
		return nil, bxerrors.NewNetworkError("request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, bxerrors.NewNetworkError("failed reading response body", err)
	}

	if log != nil {
		log = log.WithStatus(resp.StatusCode)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, perr := parseBody(resp.StatusCode, resp.Header.Get("Content-Type"), raw)
		if perr != nil {
			return nil, perr
		}
		if log != nil {
			log.Debug("response ok", nil)
		}
		return &Response{Status: resp.StatusCode, Body: body}, nil

	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		loc := resp.Header.Get("Location")
		if loc == "" {
			return nil, bxerrors.NewRedirectError("redirect response missing Location header")
		}
		if remaining <= 0 {
			return nil, bxerrors.NewRedirectError("redirect chain exceeded the attempt budget")
		}
		nextURL, rerr := resolveRedirect(rawURL, loc)
		if rerr != nil {
			return nil, bxerrors.NewRedirectError("redirect Location could not be resolved: " + rerr.Error())
		}
		if log != nil {
			log.Debug("following redirect", logging.Fields{"location": nextURL})
		}
		return fetchAttempt(ctx, nextURL, opts, remaining-1, attemptIndex+1)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, perr := parseBody(resp.StatusCode, resp.Header.Get("Content-Type"), raw)
		if perr != nil {
			return nil, perr
		}
		if errCode, _ := body["error"].(string); errCode == "expired_token" {
			return &Response{Status: resp.StatusCode, Body: body}, nil
		}
		if log != nil {
			log.Warn("client error", logging.Fields{"status": resp.StatusCode, "body": body})
		}
		return nil, bxerrors.NewClientError(resp.StatusCode, body, "client error")

	case resp.StatusCode >= 500 && resp.StatusCode < 600:
		body, _ := parseBody(resp.StatusCode, resp.Header.Get("Content-Type"), raw)
		if remaining > 0 {
			if log != nil {
				log.Warn("server error, retrying", logging.Fields{"status": resp.StatusCode})
			}
			sleepBackoff(attemptCtx, opts.BasePause, attemptIndex)
			return fetchAttempt(ctx, rawURL, opts, remaining-1, attemptIndex+1)
		}
		return nil, bxerrors.NewServerError(resp.StatusCode, body, "server error, attempts exhausted")

	default:
		return nil, bxerrors.NewUnexpectedStatus(resp.StatusCode)
	}
}

// resolveRedirect resolves a possibly-relative Location header against
// the URL that produced it.
func resolveRedirect(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	locURL, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(locURL).String(), nil
}

// parseBody decodes raw per the response's content type. JSON media
// types parse directly, and a decode failure there is the only case
// that produces a response_parse_error. text/html and text/plain are
// tried as JSON first (some misconfigured endpoints serve JSON under
// an html content-type) and otherwise fall back to
// {content: raw, format: "html"|"text"}. Every other media type is
// likewise tried as JSON first, falling back to
// {content: raw, format: <media type>}. Empty content-type or HTTP 204
// is always {ok: status in 2xx}.
func parseBody(status int, contentType string, raw []byte) (map[string]any, error) {
	ok := status >= 200 && status < 300
	if status == 204 || contentType == "" {
		return map[string]any{"ok": ok}, nil
	}

	mediaType := contentType
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.TrimSpace(mediaType)

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, bxerrors.NewResponseParseError(status, contentType)
		}
		return body, nil

	case mediaType == "text/html":
		return parseAsTextFallback(raw, "html"), nil

	case mediaType == "text/plain":
		return parseAsTextFallback(raw, "text"), nil

	default:
		return parseAsTextFallback(raw, mediaType), nil
	}
}

// parseAsTextFallback tries raw as JSON and otherwise wraps it as
// {content, format}, with format the label the caller wants to report
// for non-JSON bodies of this media type.
func parseAsTextFallback(raw []byte, format string) map[string]any {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err == nil {
		return body
	}
	return map[string]any{"content": string(raw), "format": format}
}

// sleepBackoff blocks for basePause*2^attemptIndex plus uniform jitter
// in [0, 0.3*basePause*2^attemptIndex), or until ctx is done.
func sleepBackoff(ctx context.Context, basePause time.Duration, attemptIndex int) {
	delay := basePause << uint(attemptIndex)
	jitter := time.Duration(rand.Int63n(int64(float64(delay) * 0.3) + 1))
	select {
	case <-time.After(delay + jitter):
	case <-ctx.Done():
	}
}

// isRetryableNetworkError classifies err as transient: connection
// reset, timed out, unreachable, broken pipe, aborted, not found (DNS),
// refused, or a substring match of "timeout" / "connection reset" in
// the message.
func isRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	substrings := []string{
		"connection reset",
		"timeout",
		"timed out",
		"unreachable",
		"broken pipe",
		"aborted",
		"no such host",
		"connection refused",
	}
	for _, s := range substrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
