// Package sink delivers derived assets to publishing platforms through
// HTTP webhooks.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tendant/content-vault/pkg/vault"
	"github.com/tendant/content-vault/pkg/vault/transform"
)

const (
	HeaderJobID    = "X-Vault-Job-Id"
	HeaderPlatform = "X-Vault-Platform"
	HeaderMetadata = "X-Vault-Metadata"
	HeaderFileName = "X-Vault-File-Name"
)

// Webhook posts the asset bytes to a platform endpoint. A 2xx response
// may carry {"token": "..."}; its token (or the X-Post-Id header) is
// recorded as the job's output.
type Webhook struct {
	platform string
	url      string
	apiKey   string
	http     *http.Client
}

// Config options for a webhook sink
type Config struct {
	Platform   string
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

type publishResponse struct {
	Token string `json:"token"`
}

// NewWebhook creates a webhook sink
func NewWebhook(config Config) (*Webhook, error) {
	if config.Platform == "" {
		return nil, errors.New("platform is required")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("webhook URL is required for platform %s", config.Platform)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Webhook{platform: config.Platform, url: config.URL, apiKey: config.APIKey, http: httpClient}, nil
}

// Platform returns the platform name the webhook serves
func (w *Webhook) Platform() string {
	return w.platform
}

// Publish uploads the asset to the platform endpoint.
func (w *Webhook) Publish(ctx context.Context, req vault.PublishRequest) (*vault.PublishResult, error) {
	service := "sink:" + w.platform

	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, vault.Permanent(service, fmt.Errorf("encode metadata: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, req.Data)
	if err != nil {
		return nil, vault.Permanent(service, err)
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
	httpReq.Header.Set(HeaderPlatform, req.Platform)
	httpReq.Header.Set(HeaderMetadata, string(metadata))
	if req.Asset.FileName != "" {
		httpReq.Header.Set(HeaderFileName, req.Asset.FileName)
	}
	if w.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.http.Do(httpReq)
	if err != nil {
		return nil, vault.Transient(service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if transform.Retryable(resp.StatusCode) {
			return nil, vault.Transient(service, statusErr)
		}
		return nil, vault.Permanent(service, statusErr)
	}

	token := resp.Header.Get("X-Post-Id")
	var decoded publishResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&decoded); err == nil && decoded.Token != "" {
		token = decoded.Token
	}
	if token == "" {
		token = req.JobID.String()
	}
	return &vault.PublishResult{Token: token}, nil
}

// ParseTargets parses "platform=url,platform=url" into webhook configs.
func ParseTargets(targets string) ([]Config, error) {
	var configs []Config
	seen := map[string]bool{}
	for _, part := range strings.Split(targets, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		platform, target, ok := strings.Cut(part, "=")
		platform = strings.TrimSpace(platform)
		target = strings.TrimSpace(target)
		if !ok || platform == "" || target == "" {
			return nil, fmt.Errorf("invalid sink target %q, expected platform=url", part)
		}
		if seen[platform] {
			return nil, fmt.Errorf("duplicate sink target for platform %s", platform)
		}
		seen[platform] = true
		configs = append(configs, Config{Platform: platform, URL: target})
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].Platform < configs[j].Platform })
	return configs, nil
}

var _ vault.PlatformSink = (*Webhook)(nil)
