package attestation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	processDataPath = "/process_data"
	defaultCacheTTL = 5 * time.Minute
	maxResponseSize = 1 << 20
)

var hundred = decimal.NewFromInt(100)

// SourceConfig describes one attestation endpoint.
type SourceConfig struct {
	Name    string
	BaseURL string
	// PublicKey is the hex ed25519 key responses must be signed with. Empty
	// disables verification for the source.
	PublicKey string
}

// ClientOptions parameterise the HTTP attestation client.
type ClientOptions struct {
	Sources []SourceConfig
	// AssetNames maps asset ids to the name queried at the source. Unmapped
	// assets are queried by id.
	AssetNames map[string]string
	Timeout    time.Duration
	CacheTTL   time.Duration
	Cache      Cache
	UserAgent  string
}

type source struct {
	cfg    SourceConfig
	pubKey ed25519.PublicKey
}

// Client fetches signed metrics from attestation enclaves over HTTP.
type Client struct {
	opts    ClientOptions
	sources map[string]source
	order   []string
	cache   Cache
	ttl     time.Duration
	client  *http.Client
	logger  zerolog.Logger
}

// NewClient validates the source list and builds a Client.
func NewClient(opts ClientOptions, logger zerolog.Logger) (*Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}

	c := &Client{
		opts:    opts,
		sources: make(map[string]source, len(opts.Sources)),
		cache:   cache,
		ttl:     ttl,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "attestation").Logger(),
	}

	for _, cfg := range opts.Sources {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			return nil, errors.New("attestation source name required")
		}
		if _, dup := c.sources[name]; dup {
			return nil, fmt.Errorf("duplicate attestation source %q", name)
		}
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("attestation source %q: base_url required", name)
		}
		cfg.Name = name
		cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

		src := source{cfg: cfg}
		if key := strings.TrimSpace(cfg.PublicKey); key != "" {
			raw, err := hex.DecodeString(strings.TrimPrefix(key, "0x"))
			if err != nil || len(raw) != ed25519.PublicKeySize {
				return nil, fmt.Errorf("attestation source %q: invalid ed25519 public key", name)
			}
			src.pubKey = ed25519.PublicKey(raw)
		}
		c.sources[name] = src
		c.order = append(c.order, name)
	}
	return c, nil
}

// Sources lists configured source names in configuration order.
func (c *Client) Sources() []string {
	return append([]string(nil), c.order...)
}

// Fetch returns the attested metrics for assetID from source. A cached
// response younger than the TTL is reused.
func (c *Client) Fetch(ctx context.Context, assetID, sourceName string) (Record, error) {
	src, ok := c.sources[sourceName]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownSource, sourceName)
	}

	query := strings.TrimSpace(assetID)
	if name, ok := c.opts.AssetNames[assetID]; ok {
		query = strings.TrimSpace(name)
	}
	if query == "" {
		return Record{}, ErrEmptyQuery
	}

	key := src.cfg.Name + ":" + strings.ToLower(query)
	log := c.logger.With().Str("asset_id", assetID).Str("source", src.cfg.Name).Logger()

	body, hit, err := c.cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("attestation cache read failed")
	}
	if hit {
		rec, err := decodeSigned(src, assetID, body)
		if err == nil {
			return rec, nil
		}
		log.Warn().Err(err).Msg("discarding unusable cached attestation")
	}

	body, err = c.post(ctx, src, query)
	if err != nil {
		return Record{}, err
	}
	rec, err := decodeSigned(src, assetID, body)
	if err != nil {
		return Record{}, err
	}

	if err := c.cache.Set(ctx, key, body, c.ttl); err != nil {
		log.Warn().Err(err).Msg("attestation cache write failed")
	}
	return rec, nil
}

func (c *Client) post(ctx context.Context, src source, query string) ([]byte, error) {
	reqBody, err := json.Marshal(processDataRequest{Payload: queryPayload{Name: query}})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, src.cfg.BaseURL+processDataPath, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "engagement-pricer/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(src.cfg.Name, resp.StatusCode, payload)
	}
	return payload, nil
}

func decodeSigned(src source, assetID string, body []byte) (Record, error) {
	var envelope signedResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Record{}, fmt.Errorf("decode attestation: %w", err)
	}
	if len(envelope.Response) == 0 {
		return Record{}, errors.New("attestation response missing")
	}

	if src.pubKey != nil {
		sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(envelope.Signature), "0x"))
		if err != nil || !ed25519.Verify(src.pubKey, envelope.Response, sig) {
			return Record{}, fmt.Errorf("%w: source %s", ErrBadSignature, src.cfg.Name)
		}
	}

	var intent intentMessage
	if err := json.Unmarshal(envelope.Response, &intent); err != nil {
		return Record{}, fmt.Errorf("decode attestation intent: %w", err)
	}

	d := intent.Data
	return Record{
		AssetID: assetID,
		Source:  src.cfg.Name,
		Title:   d.Title,
		Metrics: Metrics{
			Rating:      decimal.NewFromFloat(d.AverageRating).Mul(hundred).Floor().IntPart(),
			Popularity:  PopularityFromRank(d.PopularityRank),
			MemberCount: d.MemberCount,
			Trending:    d.Trending,
		},
		Signature: envelope.Signature,
		Timestamp: time.UnixMilli(intent.TimestampMs).UTC(),
	}, nil
}

type processDataRequest struct {
	Payload queryPayload `json:"payload"`
}

type queryPayload struct {
	Name string `json:"name"`
}

type signedResponse struct {
	Response  json.RawMessage `json:"response"`
	Signature string          `json:"signature"`
}

type intentMessage struct {
	Intent      int          `json:"intent"`
	TimestampMs int64        `json:"timestamp_ms"`
	Data        externalData `json:"data"`
}

type externalData struct {
	Title          string  `json:"title"`
	AverageRating  float64 `json:"external_average_rating"`
	PopularityRank int64   `json:"external_popularity_rank"`
	MemberCount    int64   `json:"external_member_count"`
	Trending       int64   `json:"external_trending"`
	QueriedName    string  `json:"queried_name"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(name string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("attestation %s error (%d): %s", name, status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("attestation %s error (%d): %s", name, status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("attestation %s error (%d): %s", name, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("attestation %s error (%d)", name, status)
}

var _ Fetcher = (*Client)(nil)
