// Package ipfs provides the Pinata-backed pinning client used by the upload
// and batch jobs.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-anchoring/internal/apperr"
	"github.com/pesio-ai/be-ap-anchoring/internal/retry"
)

// Pinner is the capability the pipeline jobs depend on.
type Pinner interface {
	PinJSON(ctx context.Context, payload interface{}, name string) (string, error)
	GetJSON(ctx context.Context, cid string) ([]byte, error)
	IsPinned(ctx context.Context, cid string) (bool, error)
}

// Config configures the client.
type Config struct {
	APIURL        string
	GatewayURL    string
	APIKey        string
	APISecret     string
	RatePerMinute int
	MaxRetries    int
	RetryBase     time.Duration
	Timeout       time.Duration
}

// Client talks to the Pinata pinning API and gateway. All calls are
// rate-limited by a shared token bucket and retried per the backoff policy.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rateLimiter
	policy  retry.Policy
	log     zerolog.Logger
}

// New creates a pinning client. Callers must Close it to stop the rate
// limiter's refill loop.
func New(cfg Config, log zerolog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: newRateLimiter(cfg.RatePerMinute),
		policy: retry.Policy{
			MaxRetries: cfg.MaxRetries,
			Base:       cfg.RetryBase,
			Retryable:  apperr.IsRetryable,
		},
		log: log.With().Str("component", "ipfs").Logger(),
	}
}

// Close stops the rate limiter.
func (c *Client) Close() {
	c.limiter.close()
}

type pinRequest struct {
	PinataContent  json.RawMessage `json:"pinataContent"`
	PinataMetadata pinMetadata     `json:"pinataMetadata"`
}

type pinMetadata struct {
	Name      string            `json:"name"`
	Keyvalues map[string]string `json:"keyvalues"`
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

// PinJSON pins the payload and returns its CID. The upload is tagged with
// the pin timestamp and content size.
func (c *Client) PinJSON(ctx context.Context, payload interface{}, name string) (string, error) {
	var content json.RawMessage
	switch v := payload.(type) {
	case []byte:
		content = v
	case json.RawMessage:
		content = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", apperr.Wrap(err, apperr.ErrCodeInvalidInput, "payload is not JSON-serializable")
		}
		content = raw
	}

	body, err := json.Marshal(pinRequest{
		PinataContent: content,
		PinataMetadata: pinMetadata{
			Name: name,
			Keyvalues: map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
				"size":      fmt.Sprintf("%d", len(content)),
			},
		},
	})
	if err != nil {
		return "", apperr.Wrap(err, apperr.ErrCodeInternal, "failed to build pin request")
	}

	var cid string
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		if err := c.limiter.acquire(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.APIURL+"/pinning/pinJSONToIPFS", bytes.NewReader(body))
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to build pin request")
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodeUnavailable, "pin request failed")
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp.StatusCode); err != nil {
			drained, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			c.log.Warn().
				Int("status", resp.StatusCode).
				Str("name", name).
				Bytes("body", drained).
				Msg("pin rejected")
			return err
		}

		var out pinResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return apperr.Wrap(err, apperr.ErrCodeUnavailable, "failed to decode pin response")
		}
		if out.IpfsHash == "" {
			return apperr.New(apperr.ErrCodePermanent, "pin response carried no CID")
		}

		cid = out.IpfsHash
		return nil
	})
	if err != nil {
		return "", err
	}

	c.log.Debug().Str("cid", cid).Str("name", name).Msg("content pinned")
	return cid, nil
}

// GetJSON fetches pinned content through the gateway. Returns (nil, nil)
// when the gateway reports the CID unknown (4xx).
func (c *Client) GetJSON(ctx context.Context, cid string) ([]byte, error) {
	var content []byte
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		if err := c.limiter.acquire(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/ipfs/%s", c.cfg.GatewayURL, cid), nil)
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to build gateway request")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodeUnavailable, "gateway request failed")
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			content, err = io.ReadAll(resp.Body)
			if err != nil {
				return apperr.Wrap(err, apperr.ErrCodeUnavailable, "failed to read gateway response")
			}
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			content = nil
			return nil
		default:
			return apperr.Newf(apperr.ErrCodeUnavailable, "gateway returned %d", resp.StatusCode)
		}
	})
	if err != nil {
		return nil, err
	}

	return content, nil
}

type pinListResponse struct {
	Count int `json:"count"`
}

// IsPinned reports whether the CID is currently pinned.
func (c *Client) IsPinned(ctx context.Context, cid string) (bool, error) {
	var pinned bool
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		if err := c.limiter.acquire(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/data/pinList?hashContains=%s&status=pinned", c.cfg.APIURL, cid), nil)
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to build pin list request")
		}
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodeUnavailable, "pin list request failed")
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp.StatusCode); err != nil {
			return err
		}

		var out pinListResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return apperr.Wrap(err, apperr.ErrCodeUnavailable, "failed to decode pin list response")
		}

		pinned = out.Count > 0
		return nil
	})
	if err != nil {
		return false, err
	}

	return pinned, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("pinata_api_key", c.cfg.APIKey)
	req.Header.Set("pinata_secret_api_key", c.cfg.APISecret)
}

// classifyStatus maps HTTP status codes to the error taxonomy: 5xx and 429
// are retryable, other 4xx are permanent.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return apperr.New(apperr.ErrCodeUnavailable, "rate limited by pinning service")
	case code >= 400 && code < 500:
		return apperr.Newf(apperr.ErrCodePermanent, "pinning service rejected request with %d", code)
	default:
		return apperr.Newf(apperr.ErrCodeUnavailable, "pinning service returned %d", code)
	}
}
