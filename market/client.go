// Package market is a client for the marketplace REST backend. Reads are
// deduplicated and cached; writes invalidate the affected resource families.
package market

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/briangreenhill/decormarket/cache"
	"github.com/briangreenhill/decormarket/internal/observability"
)

const DefaultBaseURL = "http://localhost:5000/api"

// Cache is the part of cache.RequestCache the client needs
type Cache interface {
	Deduplicate(ctx context.Context, path string, params cache.Params, producer cache.Producer) (json.RawMessage, error)
	ClearByPattern(pattern string) int
}

// InvalidationHook is called after a successful write with the resource
// prefixes that were invalidated locally.
type InvalidationHook func(ctx context.Context, patterns ...string)

type Client struct {
	http    *http.Client
	baseURL *url.URL
	apiKey  string
	scope   string // separates user-specific reads in a shared cache

	cache        Cache // optional; nil means no cache
	onInvalidate InvalidationHook
	log          zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithCache(rc Cache) Option {
	return func(c *Client) { c.cache = rc }
}

func WithInvalidationHook(h InvalidationHook) Option {
	return func(c *Client) { c.onInvalidate = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a client for the backend at baseURL (DefaultBaseURL when empty)
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	c := &Client{
		http:    http.DefaultClient,
		baseURL: u,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// WithToken returns a copy of the client that authenticates as the user
// holding the bearer token. Reads of user-specific resources made through
// the copy are cached separately from other users.
func (c *Client) WithToken(ctx context.Context, token string) *Client {
	cp := *c
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	cp.http = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}))
	sum := sha256.Sum256([]byte(token))
	cp.scope = hex.EncodeToString(sum[:8])
	return &cp
}

// ScopePattern matches every cache key of a user-specific read made through
// this client. It is empty for a client without a token.
func (c *Client) ScopePattern() string {
	if c.scope == "" {
		return ""
	}
	return `"_scope":"` + c.scope + `"`
}

func (c *Client) endpoint(p string, q cache.Params) string {
	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	u.RawQuery = query(q).Encode()
	return u.String()
}

func (c *Client) newReq(ctx context.Context, method, p string, q cache.Params, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, p, err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(p, q), r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	observability.InjectHeaders(ctx, req.Header)
	return req, nil
}

// fetch performs a GET and returns the raw JSON body
func (c *Client) fetch(ctx context.Context, p string, q cache.Params) (_ json.RawMessage, err error) {
	ctx, span := observability.StartClientSpan(ctx, "GET "+p,
		observability.AttrHTTPMethod.String(http.MethodGet),
		observability.AttrPath.String(p),
	)
	defer func() {
		if err != nil {
			observability.SetSpanError(span, err)
		}
		span.End()
	}()

	req, err := c.newReq(ctx, http.MethodGet, p, q, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", p, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(observability.AttrHTTPStatus.Int(resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{Method: http.MethodGet, Path: p, Status: resp.StatusCode, Body: string(body)}
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("GET %s: response is not valid JSON", p)
	}
	return json.RawMessage(body), nil
}

// getJSON reads p through the cache and decodes the result into out.
// scoped reads are keyed per user.
func (c *Client) getJSON(ctx context.Context, p string, q cache.Params, scoped bool, out any) error {
	ctx, span := observability.StartSpan(ctx, "market.read", observability.AttrPath.String(p))
	defer span.End()

	// true only when this caller led the fetch
	var fetched atomic.Bool
	producer := func(ctx context.Context) (json.RawMessage, error) {
		fetched.Store(true)
		return c.fetch(ctx, p, q)
	}

	var (
		body json.RawMessage
		err  error
	)
	if c.cache == nil {
		body, err = producer(ctx)
	} else {
		key := q
		if scoped {
			key = make(cache.Params, len(q)+1)
			for k, v := range q {
				key[k] = v
			}
			key["_scope"] = c.scope
		}
		body, err = c.cache.Deduplicate(ctx, p, key, producer)
	}
	span.SetAttributes(observability.AttrFetched.Bool(fetched.Load()))
	if err != nil {
		observability.SetSpanError(span, err)
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", p, err)
	}
	return nil
}

type idempotencyKey struct{}

// WithIdempotencyKey fixes the Idempotency-Key of writes made with ctx, so a
// retried job repeats the same request instead of making a new one.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// send performs a write and, on success, invalidates the given resource
// prefixes. out may be nil.
func (c *Client) send(ctx context.Context, method, p string, in, out any, invalidate ...string) (err error) {
	ctx, span := observability.StartClientSpan(ctx, method+" "+p,
		observability.AttrHTTPMethod.String(method),
		observability.AttrPath.String(p),
	)
	defer func() {
		if err != nil {
			observability.SetSpanError(span, err)
		}
		span.End()
	}()

	req, err := c.newReq(ctx, method, p, nil, in)
	if err != nil {
		return err
	}
	key, _ := ctx.Value(idempotencyKey{}).(string)
	if key == "" {
		key = uuid.NewString()
	}
	req.Header.Set("Idempotency-Key", key)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, p, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(observability.AttrHTTPStatus.Int(resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", p, err)
	}
	if resp.StatusCode >= 300 {
		return &APIError{Method: method, Path: p, Status: resp.StatusCode, Body: string(body)}
	}

	c.invalidate(ctx, invalidate...)

	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s: %w", p, err)
		}
	}
	return nil
}

func (c *Client) invalidate(ctx context.Context, patterns ...string) {
	if len(patterns) == 0 {
		return
	}
	if c.cache != nil {
		for _, p := range patterns {
			n := c.cache.ClearByPattern(p)
			c.log.Debug().Str("pattern", p).Int("removed", n).Msg("invalidated after write")
		}
	}
	if c.onInvalidate != nil {
		c.onInvalidate(ctx, patterns...)
	}
}

// query converts cache params into URL query values, skipping nil values
// and empty strings. String slices become repeated keys.
func query(p cache.Params) url.Values {
	v := url.Values{}
	for k, val := range p {
		switch x := val.(type) {
		case nil:
		case string:
			if x != "" {
				v.Set(k, x)
			}
		case []string:
			for _, s := range x {
				v.Add(k, s)
			}
		default:
			v.Set(k, fmt.Sprint(x))
		}
	}
	return v
}

var errNoID = fmt.Errorf("%w: id required", ErrInvalidInput)
