// ABOUTME: HTTP client for the ERP backend's kiosk API
// ABOUTME: Every call is time-bounded and returns errors classified as network or rejection

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/2389/kioskd/internal/auth"
)

// DefaultTimeout bounds a single backend call
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read
const maxResponseBytes = 32 << 20

// saleKeyNamespace scopes derived idempotency keys for sales queued without one
var saleKeyNamespace = uuid.MustParse("6f1c1d2e-8f4b-4e0a-9d7e-3b5a2c1e0f90")

// Client communicates with the backend HTTP API.
type Client struct {
	client  *http.Client
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	mu       sync.RWMutex
	baseURL  string
	apiToken string
	deviceID string
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithTimeout sets the per-call deadline
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAPIToken sets the device API token sent as a bearer token
func WithAPIToken(token string) Option {
	return func(c *Client) { c.apiToken = token }
}

// WithDeviceID sets the device id sent with every request
func WithDeviceID(id string) Option {
	return func(c *Client) { c.deviceID = id }
}

// WithClock overrides the clock used to check token expiry
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger overrides the client logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a backend client. An empty baseURL makes every call fail with ErrNetwork.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		client:  &http.Client{},
		timeout: DefaultTimeout,
		clock:   clock.WallClock,
		logger:  slog.Default(),
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "remote")
	return c
}

// SetBaseURL changes the backend address, e.g. after the device config was edited.
func (c *Client) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimSuffix(baseURL, "/")
}

// SetCredentials changes the device id and API token, e.g. after registration.
func (c *Client) SetCredentials(deviceID, apiToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceID = deviceID
	c.apiToken = apiToken
}

// DeviceID returns the device id currently sent with requests
func (c *Client) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// Configured reports whether a backend address is set
func (c *Client) Configured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL != ""
}

// do performs one request with the per-call timeout. A nil out discards the body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, headers map[string]string, out any) error {
	c.mu.RLock()
	baseURL, token, deviceID := c.baseURL, c.apiToken, c.deviceID
	c.mu.RUnlock()

	if baseURL == "" {
		return fmt.Errorf("%w: no backend address configured", ErrNetwork)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	target := baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if deviceID != "" {
		req.Header.Set("X-Kiosk-Device", deviceID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := c.clock.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("backend call failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %v", ErrNetwork, path, err)
	}

	c.logger.Debug("backend call", "method", method, "path", path,
		"status", resp.StatusCode, "duration", c.clock.Now().Sub(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp.StatusCode, data, token)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrBadResponse, path, err)
	}
	return nil
}

// handleErrorResponse builds an APIError from a non-2xx response.
func (c *Client) handleErrorResponse(status int, body []byte, token string) error {
	kind := classifyStatus(status)
	if kind == ErrUnauthorized && auth.TokenExpired(token, c.clock.Now()) {
		kind = ErrSessionExpired
	}

	apiErr := &APIError{Status: status, kind: kind}

	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		apiErr.Code = eb.Error.Code
		apiErr.Message = eb.Error.Message
		if apiErr.Message == "" {
			apiErr.Message = eb.Message
		}
	}
	if apiErr.Message == "" && len(body) > 0 && len(body) < 512 && !bytes.HasPrefix(bytes.TrimSpace(body), []byte("<")) {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// Health checks that the backend answers. Any non-2xx status counts as reachable
// but unhealthy and is returned as an APIError.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil, nil)
}

// LoginWithPin authenticates a cashier against the backend.
func (c *Client) LoginWithPin(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/kiosk/auth/pin", nil, req, nil, &resp); err != nil {
		return nil, err
	}
	if resp.User.ID == 0 {
		return nil, fmt.Errorf("%w: login response has no user", ErrBadResponse)
	}
	return &resp, nil
}

// RegisterDevice registers this kiosk and returns its device id and API token.
func (c *Client) RegisterDevice(ctx context.Context, req RegisterRequest) (*Registration, error) {
	var resp Registration
	if err := c.do(ctx, http.MethodPost, "/api/kiosk/devices/register", nil, req, nil, &resp); err != nil {
		return nil, err
	}
	if resp.DeviceID == "" || resp.APIToken == "" {
		return nil, fmt.Errorf("%w: registration response is incomplete", ErrBadResponse)
	}
	return &resp, nil
}

// Scope identifies the tenant and branch a pull is for
type Scope struct {
	AccountID int64
	BranchID  int64
	Since     *time.Time // nil requests a full list
}

func (s Scope) query() url.Values {
	q := url.Values{}
	q.Set("account_id", strconv.FormatInt(s.AccountID, 10))
	if s.BranchID != 0 {
		q.Set("branch_id", strconv.FormatInt(s.BranchID, 10))
	}
	if s.Since != nil {
		q.Set("since", s.Since.UTC().Format(time.RFC3339))
	}
	return q
}

func pull[T any](ctx context.Context, c *Client, path string, scope Scope) (*Page[T], error) {
	var page Page[T]
	if err := c.do(ctx, http.MethodGet, path, scope.query(), nil, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// PullProducts fetches products changed since scope.Since
func (c *Client) PullProducts(ctx context.Context, scope Scope) (*Page[Product], error) {
	return pull[Product](ctx, c, "/api/kiosk/products", scope)
}

// PullCustomers fetches customers changed since scope.Since
func (c *Client) PullCustomers(ctx context.Context, scope Scope) (*Page[Customer], error) {
	return pull[Customer](ctx, c, "/api/kiosk/customers", scope)
}

// PullUsers fetches kiosk-relevant users changed since scope.Since
func (c *Client) PullUsers(ctx context.Context, scope Scope) (*Page[User], error) {
	return pull[User](ctx, c, "/api/kiosk/users", scope)
}

// PullConfig fetches device configuration such as the fiscal printer setup
func (c *Client) PullConfig(ctx context.Context, scope Scope) (*DeviceConfig, error) {
	var cfg DeviceConfig
	if err := c.do(ctx, http.MethodGet, "/api/kiosk/config", scope.query(), nil, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SubmitSale sends a queued sale to the ingestion endpoint and returns the server sale id.
// The idempotency key is sent in the body and the Idempotency-Key header so the backend
// can return the original id for a retried submission.
func (c *Client) SubmitSale(ctx context.Context, req SaleRequest) (int64, error) {
	var resp saleResponse
	headers := map[string]string{"Idempotency-Key": req.IdempotencyKey}
	if err := c.do(ctx, http.MethodPost, "/api/kiosk/sales", nil, req, headers, &resp); err != nil {
		return 0, err
	}
	if resp.ID <= 0 {
		return 0, fmt.Errorf("%w: sale response has no id", ErrBadResponse)
	}
	return resp.ID, nil
}

// legacyIdempotencyKey derives a stable key for sales queued before keys were stored
func legacyIdempotencyKey(deviceID string, localID int64) string {
	return uuid.NewSHA1(saleKeyNamespace, []byte(deviceID+"/"+strconv.FormatInt(localID, 10))).String()
}

// Describe renders err for storage in sync_error
func Describe(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Error()
	}
	return err.Error()
}
