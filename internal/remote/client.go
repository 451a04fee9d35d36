package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	userAgent             = "clipsync-agent/1"
)

var (
	errMissingBaseURL  = errors.New("store url is required")
	errMissingDeviceID = errors.New("device id is required")
	errUnauthorized    = errors.New("unauthorized")
)

// Config describes how the adapter reaches and authenticates with the remote store.
type Config struct {
	BaseURL          string
	DeviceID         clip.DeviceID
	DeviceName       string
	DeviceClass      clip.DeviceClass
	EnrollmentSecret string
	RequestTimeout   time.Duration
	HTTPClient       *http.Client
	Logger           *zap.Logger
}

// Client is the Remote Store Adapter over the store's HTTP API. Every error it
// returns wraps one of the clip remote sentinels; transport failures also wrap
// clip.ErrNotConnected.
type Client struct {
	baseURL     string
	deviceID    clip.DeviceID
	deviceName  string
	deviceClass clip.DeviceClass
	secret      string
	timeout     time.Duration
	http        *http.Client
	logger      *zap.Logger

	mu    sync.Mutex
	token string
}

// New constructs a Client. Authentication happens lazily on first use.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid store url: %w", err)
	}
	if cfg.DeviceID == "" {
		return nil, errMissingDeviceID
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No client-wide timeout: the event stream is long-lived, so deadlines
		// are applied per request instead.
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     base,
		deviceID:    cfg.DeviceID,
		deviceName:  cfg.DeviceName,
		deviceClass: cfg.DeviceClass,
		secret:      cfg.EnrollmentSecret,
		timeout:     timeout,
		http:        httpClient,
		logger:      logger,
	}, nil
}

type authRequest struct {
	DeviceID         string `json:"device_id"`
	Name             string `json:"name"`
	Class            string `json:"class"`
	EnrollmentSecret string `json:"enrollment_secret"`
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type listResponse struct {
	Records  []clip.RemoteRecord `json:"records"`
	Complete bool                `json:"complete"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Probe checks that the store answers its health endpoint.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.send(ctx, http.MethodGet, "/healthz", nil, "")
	if err != nil {
		return fmt.Errorf("%w: %v", clip.ErrNotConnected, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", clip.ErrNotConnected, resp.StatusCode)
	}
	return nil
}

// Push stores record under its canonical ID.
func (c *Client) Push(ctx context.Context, record clip.RemoteRecord) error {
	if record.CanonicalID == "" {
		return fmt.Errorf("%w: %w", clip.ErrRemoteSave, clip.ErrInvalidRecord)
	}
	status, body, err := c.authorized(ctx, http.MethodPut, "/records/"+url.PathEscape(record.CanonicalID), record)
	if err != nil {
		return translate(clip.ErrRemoteSave, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: %s", clip.ErrRemoteSave, describe(status, body))
	}
	return nil
}

// PullAll fetches the remote set and reports whether it is complete.
func (c *Client) PullAll(ctx context.Context) ([]clip.RemoteRecord, bool, error) {
	status, body, err := c.authorized(ctx, http.MethodGet, "/records", nil)
	if err != nil {
		return nil, false, translate(clip.ErrRemoteFetch, err)
	}
	if status != http.StatusOK {
		return nil, false, fmt.Errorf("%w: %s", clip.ErrRemoteFetch, describe(status, body))
	}
	var payload listResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false, fmt.Errorf("%w: decode: %v", clip.ErrRemoteFetch, err)
	}
	return payload.Records, payload.Complete, nil
}

// Delete removes a record; a record that is already gone counts as deleted.
func (c *Client) Delete(ctx context.Context, canonicalID string) error {
	status, body, err := c.authorized(ctx, http.MethodDelete, "/records/"+url.PathEscape(canonicalID), nil)
	if err != nil {
		return translate(clip.ErrRemoteDelete, err)
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("%w: %s", clip.ErrRemoteDelete, describe(status, body))
	}
	return nil
}

// authorized performs a JSON request with the device token, enrolling first if
// needed and re-enrolling once when the token is rejected.
func (c *Client) authorized(ctx context.Context, method, path string, payload interface{}) (int, []byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.ensureToken(ctx, attempt > 0)
		if err != nil {
			return 0, nil, err
		}
		status, body, err := c.roundTrip(ctx, method, path, payload, token)
		if err != nil {
			return 0, nil, err
		}
		if status == http.StatusUnauthorized {
			c.logger.Debug("device token rejected", zap.String("path", path), zap.Int("attempt", attempt))
			continue
		}
		return status, body, nil
	}
	return 0, nil, errUnauthorized
}

func (c *Client) ensureToken(ctx context.Context, refresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && !refresh {
		return c.token, nil
	}
	status, body, err := c.roundTrip(ctx, http.MethodPost, "/auth/device", authRequest{
		DeviceID:         c.deviceID.String(),
		Name:             c.deviceName,
		Class:            string(c.deviceClass),
		EnrollmentSecret: c.secret,
	}, "")
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("%w: %s", errUnauthorized, describe(status, body))
	}
	var payload authResponse
	if err := json.Unmarshal(body, &payload); err != nil || payload.AccessToken == "" {
		return "", fmt.Errorf("%w: malformed token response", errUnauthorized)
	}
	c.token = payload.AccessToken
	c.logger.Info("device enrolled with store", zap.Int64("expires_in", payload.ExpiresIn))
	return c.token, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload interface{}, token string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.send(ctx, method, path, payload, token)
	if err != nil {
		return 0, nil, &transportError{err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &transportError{err: err}
	}
	return resp.StatusCode, body, nil
}

func (c *Client) send(ctx context.Context, method, path string, payload interface{}, token string) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.http.Do(req)
}

// transportError marks failures where the store could not be reached at all.
type transportError struct {
	err error
}

func (e *transportError) Error() string {
	return e.err.Error()
}

func (e *transportError) Unwrap() error {
	return e.err
}

func translate(kind error, err error) error {
	var transport *transportError
	if errors.As(err, &transport) {
		return fmt.Errorf("%w: %w: %v", kind, clip.ErrNotConnected, transport.err)
	}
	return fmt.Errorf("%w: %v", kind, err)
}

func describe(status int, body []byte) string {
	var payload errorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Sprintf("status %d: %s", status, payload.Error)
	}
	return fmt.Sprintf("status %d", status)
}
