// Package transform is an HTTP client for the external transformation
// service.
//
// The request body is the raw media; the style travels in headers. The
// response body is the derived media. 408, 425, 429 and 5xx responses
// are transient, every other non-2xx response is permanent.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tendant/content-vault/pkg/vault"
)

const (
	HeaderJobID       = "X-Vault-Job-Id"
	HeaderStyleID     = "X-Vault-Style-Id"
	HeaderStyleParams = "X-Vault-Style-Params"
	HeaderFileName    = "X-Vault-File-Name"

	serviceName = "transformer"
)

// Config options for the transformation client
type Config struct {
	BaseURL string
	APIKey  string
	// MaxResultBytes bounds the response body. Zero means 2 GiB.
	MaxResultBytes int64
	HTTPClient     *http.Client
}

// Client calls the transformation service over HTTP.
type Client struct {
	endpoint  string
	apiKey    string
	maxResult int64
	http      *http.Client
}

// New creates a transformation client
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("transformation service URL is required")
	}
	if config.MaxResultBytes <= 0 {
		config.MaxResultBytes = 2 << 30
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Minute}
	}
	return &Client{
		endpoint:  strings.TrimRight(config.BaseURL, "/") + "/transform",
		apiKey:    config.APIKey,
		maxResult: config.MaxResultBytes,
		http:      httpClient,
	}, nil
}

// Transform sends the raw media and style to the service.
func (c *Client) Transform(ctx context.Context, req vault.TransformRequest) (*vault.TransformResult, error) {
	params, err := json.Marshal(req.Style.Parameters)
	if err != nil {
		return nil, vault.Permanent(serviceName, fmt.Errorf("encode style parameters: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, req.Data)
	if err != nil {
		return nil, vault.Permanent(serviceName, err)
	}
	if req.Asset.SizeBytes > 0 {
		httpReq.ContentLength = req.Asset.SizeBytes
	}
	contentType := req.Asset.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set(HeaderJobID, req.JobID.String())
	httpReq.Header.Set(HeaderStyleID, req.Style.ID)
	httpReq.Header.Set(HeaderStyleParams, string(params))
	if req.Asset.FileName != "" {
		httpReq.Header.Set(HeaderFileName, req.Asset.FileName)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, vault.Transient(serviceName, err)
	}
	defer resp.Body.Close()

	if err := Classify(resp); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, c.maxResult+1))
	if err != nil {
		return nil, vault.Transient(serviceName, fmt.Errorf("read result: %w", err))
	}
	if n > c.maxResult {
		return nil, vault.Permanent(serviceName, fmt.Errorf("result exceeds %d bytes", c.maxResult))
	}

	return &vault.TransformResult{
		Data:     buf.Bytes(),
		MimeType: resp.Header.Get("Content-Type"),
		FileName: resp.Header.Get(HeaderFileName),
	}, nil
}

// Classify turns a non-2xx response into a typed service failure.
func Classify(resp *http.Response) error {
	return classify(serviceName, resp)
}

func classify(service string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if Retryable(resp.StatusCode) {
		return vault.Transient(service, err)
	}
	return vault.Permanent(service, err)
}

// Retryable reports whether an HTTP status is worth retrying.
func Retryable(status int) bool {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return true
	}
	return false
}

var _ vault.Transformer = (*Client)(nil)
