package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultMaxRetries    = 2 // retries after the first attempt
	defaultRetryInterval = 500 * time.Millisecond

	maxResponseSize = 1 * 1024 * 1024 // 1 MB
)

// ErrUnauthorized means the cloud explicitly rejected the presented
// credential (expired, revoked, malformed). It is never retried with the
// same token. Every other exchange failure is transient: connectivity,
// timeouts, 5xx, malformed bodies.
var ErrUnauthorized = errors.New("credential rejected by cloud")

type Client struct {
	baseURL       string
	httpCli       *http.Client
	maxRetries    uint64
	retryInterval time.Duration
	log           *logrus.Entry
}

type Config struct {
	BaseURL       string
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
	Log           *logrus.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		maxRetries:    uint64(cfg.MaxRetries),
		retryInterval: cfg.RetryInterval,
		log:           cfg.Log.WithField("component", "cloud"),
		httpCli: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Register exchanges a one-time registration token for the initial
// credential pair.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*TokenGrant, error) {
	var resp registerResponse
	err := c.postJSON(ctx, "/cloud/devices/register", "", req, &resp)
	if err != nil {
		return nil, err
	}
	if resp.DeviceJWT == "" || resp.RefreshToken == "" {
		return nil, errors.New("register response missing tokens")
	}
	return newTokenGrant(resp.DeviceJWT, resp.ExpiresAt, resp.RefreshToken, resp.RefreshTokenExpiresAt)
}

// Refresh renews the access token using a still-valid rotation token.
func (c *Client) Refresh(ctx context.Context, refreshToken, deviceID string) (*TokenGrant, error) {
	var resp exchangeResponse
	err := c.postJSON(ctx, "/cloud/devices/refresh", "", exchangeRequest{
		RefreshToken: refreshToken,
		DeviceID:     deviceID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success || resp.Token == "" {
		return nil, errors.New("refresh response missing token")
	}
	return newTokenGrant(resp.Token, resp.ExpiresAt, "", "")
}

// Rotate renews both tokens, resetting the rotation token's own expiry clock.
func (c *Client) Rotate(ctx context.Context, refreshToken, deviceID string) (*TokenGrant, error) {
	var resp exchangeResponse
	err := c.postJSON(ctx, "/cloud/devices/refresh-rotate", "", exchangeRequest{
		RefreshToken: refreshToken,
		DeviceID:     deviceID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success || resp.Token == "" || resp.RefreshToken == "" {
		return nil, errors.New("rotate response missing tokens")
	}
	return newTokenGrant(resp.Token, resp.ExpiresAt, resp.RefreshToken, resp.RefreshTokenExpiresAt)
}

// ReportHealth pushes a telemetry payload using the access token as a bearer
// credential. A 401/403 here means the token was revoked between issuance
// and use; the caller should invalidate and re-acquire.
func (c *Client) ReportHealth(ctx context.Context, accessToken string, report HealthReport) error {
	return c.postJSON(ctx, "/cloud/devices/health", accessToken, report, nil)
}

// postJSON sends the request with bounded exponential backoff. Unauthorized
// responses abort the retry loop immediately.
func (c *Client) postJSON(ctx context.Context, path, bearer string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshaling request")
	}

	attempt := 0
	operation := func() error {
		attempt++
		opErr := c.doOnce(ctx, path, bearer, payload, out)
		if opErr != nil && !errors.Is(opErr, ErrUnauthorized) {
			c.log.WithError(opErr).WithFields(logrus.Fields{
				"path":    path,
				"attempt": attempt,
			}).Warn("cloud exchange failed")
		}
		return opErr
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = 10 * c.retryInterval

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
}

func (c *Client) doOnce(ctx context.Context, path, bearer string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "building request"))
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(errors.Wrapf(ErrUnauthorized, "status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return errors.Wrap(err, "reading response")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// a garbled 200 body won't get better on immediate retry
		return backoff.Permanent(errors.Wrap(err, "unmarshaling response"))
	}
	return nil
}
