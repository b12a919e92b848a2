package provider

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

const defaultHTTPTimeout = 120 * time.Second

var (
	sharedTransportOnce sync.Once
	sharedTransport     *http.Transport
)

func transport() *http.Transport {
	sharedTransportOnce.Do(func() {
		sharedTransport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	})
	return sharedTransport
}

// SharedHTTPClient returns a client with the given per-request timeout that
// shares one pooled transport with every other provider client.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout, Transport: transport()}
}

// APIConfig configures a chat completion backend. Empty fields take the
// backend's defaults.
type APIConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Retry   *RetryPolicy
	Client  *http.Client
	Logger  *slog.Logger
}

// apiClient is the JSON-over-HTTP plumbing shared by the chat backends.
type apiClient struct {
	apiKey  string
	apiBase string
	model   string
	retry   RetryPolicy
	client  *http.Client
	logger  *slog.Logger
}

func newAPIClient(cfg APIConfig, defaultBase, defaultModel string) apiClient {
	c := apiClient{
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimRight(cmp.Or(cfg.APIBase, defaultBase), "/"),
		model:   cmp.Or(cfg.Model, defaultModel),
		retry:   DefaultRetryPolicy(),
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
	if cfg.Retry != nil {
		c.retry = *cfg.Retry
	}
	if c.client == nil {
		c.client = SharedHTTPClient(defaultHTTPTimeout)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// modelFor returns the per-request model override or the configured model.
func (c *apiClient) modelFor(req domain.ChatRequest) string {
	return cmp.Or(req.Model, c.model)
}

// postJSON sends in as a JSON body to path with retries and decodes a 2xx
// response into out.
func (c *apiClient) postJSON(ctx context.Context, path string, headers map[string]string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	resp, err := doWithRetry(ctx, c.client, c.retry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	}, c.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
