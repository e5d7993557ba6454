package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	gatewayBlobPath = "/v1/blobs/"
	maxBlobSize     = 4 << 20
)

// GatewayOptions parameterise an HTTP aggregator transport.
type GatewayOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Gateway reads blobs from an HTTP aggregator.
type Gateway struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

// NewGateway constructs a Gateway transport.
func NewGateway(opts GatewayOptions) *Gateway {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		userAgent: opts.UserAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

// Get downloads the blob stored under ref.
func (g *Gateway) Get(ctx context.Context, ref string) ([]byte, error) {
	if g.baseURL == "" {
		return nil, fmt.Errorf("gateway base url not configured")
	}
	if strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("gateway get: empty ref")
	}

	endpoint := g.baseURL + gatewayBlobPath + url.PathEscape(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("gateway get %s: %w", ref, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway get %s: status %d", ref, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("gateway read %s: %w", ref, err)
	}
	if len(data) > maxBlobSize {
		return nil, fmt.Errorf("gateway get %s: blob exceeds %d bytes", ref, maxBlobSize)
	}
	return data, nil
}

var _ Getter = (*Gateway)(nil)
