/*
Package bitrix24 is a client library for the Bitrix24 REST API: it
manages OAuth credentials per tenant portal, transports method calls
as form-encoded HTTP requests, and regulates request rate with a
per-tenant leaky bucket.

Client wraps the request pipeline (credential store, rate limiter,
HTTP transport, logger) as a small struct holding collaborators: a
constructor that validates required configuration up front, and a
single Call method that invokes any remote method by name.
*/
package bitrix24

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/OlegKolesnikoff/bitrix24-api-client/credstore"
	"github.com/OlegKolesnikoff/bitrix24-api-client/internal/bxerrors"
	"github.com/OlegKolesnikoff/bitrix24-api-client/internal/logging"
	"github.com/OlegKolesnikoff/bitrix24-api-client/internal/metrics"
	"github.com/OlegKolesnikoff/bitrix24-api-client/internal/query"
	"github.com/OlegKolesnikoff/bitrix24-api-client/internal/ratelimiter"
	"github.com/OlegKolesnikoff/bitrix24-api-client/internal/transport"
	"github.com/OlegKolesnikoff/bitrix24-api-client/types"
)

// defaultOAuthEndpoint is the library-wide fallback used when a
// credential record's ServerEndpoint doesn't match the derivable
// shape. A var, not a const, so tests can substitute a local server.
var defaultOAuthEndpoint = "https://oauth.bitrix.info/oauth/token/"

// Config is the static, process-wide configuration for a Client.
// ClientID, ClientSecret and Store are mandatory; everything else takes
// a default.
type Config struct {
	ClientID     string
	ClientSecret string
	Store        credstore.Store

	Attempts  int
	BasePause time.Duration
	Timeout   time.Duration

	Limiter ratelimiter.Config
	Logger  logging.Config
	Metrics *metrics.Metrics
}

// Client is the single entry point: construct once per process with
// New, then call Call for every method invocation.
type Client struct {
	cfg     Config
	store   credstore.Store
	limiter *ratelimiter.Limiter
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New validates cfg and builds a Client. ClientID and ClientSecret are
// required; a Store is required since there is no safe built-in
// default for production use (see credstore.FileStore's doc comment).
func New(cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("bitrix24: ClientID and ClientSecret are required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("bitrix24: Store is required")
	}

	limiter := ratelimiter.New(cfg.Limiter, cfg.Metrics)
	logger := logging.New(cfg.Logger)

	return &Client{
		cfg:     cfg,
		store:   cfg.Store,
		limiter: limiter,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// Close releases the client's background resources (the rate
// limiter's sweep goroutine).
func (c *Client) Close() {
	c.limiter.Close()
}

// Call invokes method on behalf of the tenant identified by hint: it
// loads the tenant's credential, waits for rate limiter admission,
// sends the request, and performs a single depth-bounded
// refresh-and-retry if the server reports an expired token.
func (c *Client) Call(ctx context.Context, method string, params types.Params, hint types.Hint) (map[string]any, error) {
	if method == "" {
		return nil, bxerrors.NewModuleError("method must not be empty", nil, "")
	}
	if hint.Domain == "" {
		return nil, bxerrors.NewModuleError("hint must carry a domain", nil, "")
	}

	return c.call(ctx, method, params, hint, 0)
}

// call is Call's implementation, with depth tracking so the refresh
// path recurses at most once.
func (c *Client) call(ctx context.Context, method string, params types.Params, hint types.Hint, depth int) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = bxerrors.NewModuleError(fmt.Sprintf("panic during call: %v", r), nil, "")
		}
	}()

	record, err := c.store.Read(ctx, hint)
	if err != nil {
		return nil, bxerrors.NewModuleError("credential store read failed", err, "")
	}
	if !record.Valid() {
		return nil, bxerrors.NewNoInstallApp("no valid credential record for tenant " + hint.Domain)
	}

	log := c.logger.WithContext(record.Domain, method)

	if err := c.limiter.Admit(ctx, record.Domain, method); err != nil {
		c.metrics.CallCompleted(method, "rate_limited")
		return nil, bxerrors.NewModuleError("rate limiter admission failed", err, "")
	}

	reqBody := buildMethodBody(params, record.AccessToken)
	url := record.ClientEndpoint + method + ".json"

	resp, err := transport.Fetch(ctx, url, transport.Options{
		Method:    "POST",
		Body:      reqBody,
		Attempts:  c.attemptsOrDefault(),
		BasePause: c.basePauseOrDefault(),
		Timeout:   c.timeoutOrDefault(),
		Logger:    c.logger,
		Domain:    record.Domain,
		APIMethod: method,
	})

	breach := isQuotaBreach(resp, err)
	c.limiter.Observe(record.Domain, breach)

	if err != nil {
		c.metrics.CallCompleted(method, "error")
		log.Error("call failed", err, nil)
		return nil, err
	}

	if errCode, _ := resp.Body["error"].(string); errCode == "expired_token" {
		if depth >= 1 {
			c.metrics.CallCompleted(method, "expired_token_loop")
			return nil, bxerrors.NewModuleError("server returned expired_token after a refresh", nil, "")
		}
		if rerr := c.refresh(ctx, record); rerr != nil {
			c.metrics.RefreshCompleted("error")
			return nil, rerr
		}
		c.metrics.RefreshCompleted("ok")
		return c.call(ctx, method, params, hint, depth+1)
	}

	c.metrics.CallCompleted(method, "ok")
	return resp.Body, nil
}

// refresh runs the OAuth refresh sub-call and persists the merged
// record on success.
func (c *Client) refresh(ctx context.Context, record *types.CredentialRecord) error {
	endpoint := deriveOAuthEndpoint(record.ServerEndpoint)

	params := query.OrderedParams{
		Keys: []string{"client_id", "client_secret", "grant_type", "refresh_token"},
		Values: map[string]any{
			"client_id":     c.cfg.ClientID,
			"client_secret": c.cfg.ClientSecret,
			"grant_type":    "refresh_token",
			"refresh_token": record.RefreshToken,
		},
	}
	refreshURL := endpoint + "?" + query.EncodeOrdered(params)

	if err := c.limiter.Admit(ctx, record.Domain, "oauth.refresh"); err != nil {
		return bxerrors.NewModuleError("rate limiter admission failed during refresh", err, "")
	}

	resp, err := transport.Fetch(ctx, refreshURL, transport.Options{
		Method:    "GET",
		Attempts:  c.attemptsOrDefault(),
		BasePause: c.basePauseOrDefault(),
		Timeout:   c.timeoutOrDefault(),
		Logger:    c.logger,
		Domain:    record.Domain,
		APIMethod: "oauth.refresh",
	})

	breach := isQuotaBreach(resp, err)
	c.limiter.Observe(record.Domain, breach)

	if err != nil {
		return err
	}
	if errCode, _ := resp.Body["error"].(string); errCode != "" {
		return bxerrors.NewModuleError("oauth refresh returned an error: "+errCode, nil, "")
	}

	merged := *record
	if v, ok := resp.Body["access_token"].(string); ok {
		merged.AccessToken = v
	}
	if v, ok := resp.Body["refresh_token"].(string); ok {
		merged.RefreshToken = v
	}
	if v, ok := resp.Body["client_endpoint"].(string); ok {
		merged.ClientEndpoint = v
	}
	if v, ok := resp.Body["server_endpoint"].(string); ok {
		merged.ServerEndpoint = v
	}
	if v, ok := resp.Body["member_id"].(string); ok {
		merged.MemberID = v
	}
	if expires, ok := intField(resp.Body, "expires_in"); ok {
		merged.ExpiresIn = expires
	}
	merged.Domain = record.Domain

	if err := c.store.Write(ctx, &merged); err != nil {
		return bxerrors.NewModuleError("credential store write failed after refresh", err, "")
	}
	return nil
}

func (c *Client) attemptsOrDefault() int {
	if c.cfg.Attempts > 0 {
		return c.cfg.Attempts
	}
	return 3
}

func (c *Client) basePauseOrDefault() time.Duration {
	if c.cfg.BasePause > 0 {
		return c.cfg.BasePause
	}
	return 1000 * time.Millisecond
}

func (c *Client) timeoutOrDefault() time.Duration {
	if c.cfg.Timeout > 0 {
		return c.cfg.Timeout
	}
	return 15000 * time.Millisecond
}

// buildMethodBody form-encodes params merged with the auth token.
func buildMethodBody(params types.Params, accessToken string) string {
	merged := map[string]any{"auth": accessToken}
	for k, v := range params {
		merged[k] = v
	}
	return query.Encode(merged)
}

// isQuotaBreach classifies a transport result as a server-signaled
// rate-limit breach: the QUERY_LIMIT_EXCEEDED error code, an
// error_description mentioning "limit exceeded", or HTTP 503.
func isQuotaBreach(resp *transport.Response, err error) bool {
	if resp != nil {
		if errCode, _ := resp.Body["error"].(string); errCode == "QUERY_LIMIT_EXCEEDED" {
			return true
		}
		if desc, _ := resp.Body["error_description"].(string); strings.Contains(strings.ToLower(desc), "limit exceeded") {
			return true
		}
	}
	if be, ok := bxerrors.As(err); ok && be.Status == 503 {
		return true
	}
	return false
}

// intField reads key from m as an int, tolerating the JSON number
// representations (float64) and string-encoded integers a tenant's
// OAuth server might emit.
func intField(m map[string]any, key string) (int, bool) {
	raw, ok := m[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// deriveOAuthEndpoint derives a tenant-specific OAuth endpoint: if
// serverEndpoint matches https://oauth.bitrix<digits?>.{tech,info}/rest,
// strip /rest and append /oauth/token/; otherwise fall back to the
// library-wide default.
func deriveOAuthEndpoint(serverEndpoint string) string {
	if endpoint, ok := tryDeriveOAuthEndpoint(serverEndpoint); ok {
		return endpoint
	}
	return defaultOAuthEndpoint
}
