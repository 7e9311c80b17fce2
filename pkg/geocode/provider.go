package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

const (
	// DefaultTimeout bounds a single provider HTTP call.
	DefaultTimeout   = 10 * time.Second
	defaultUserAgent = "enrich-cli/1.0 (+https://github.com/sells-group/enrich-cli)"
	maxResponseBytes = 2 << 20
)

// Quality values reported by providers, from most to least precise.
const (
	QualityRooftop     = "rooftop"
	QualityRange       = "range"
	QualityCentroid    = "centroid"
	QualityApproximate = "approximate"
)

// Candidate is one ranked match returned by a provider.
type Candidate struct {
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	FormattedAddress string  `json:"formatted_address"`
	Quality          string  `json:"quality"`
}

// Provider is a single geocoding backend. Lookup returns candidates in the
// provider's rank order along with the raw response body.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, address string) ([]Candidate, json.RawMessage, error)
}

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("geocode: %s returned status %d: %s", e.Provider, e.StatusCode, body)
}

// StatusCode extracts the HTTP status of a provider error, if err carries one.
func StatusCode(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}

// HTTPOption configures the HTTP transport shared by the providers.
type HTTPOption func(*httpBase)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(b *httpBase) {
		if hc != nil {
			b.client = hc
		}
	}
}

// WithEndpoint overrides the provider's lookup URL.
func WithEndpoint(endpoint string) HTTPOption {
	return func(b *httpBase) {
		if endpoint != "" {
			b.endpoint = endpoint
		}
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) HTTPOption {
	return func(b *httpBase) {
		if ua != "" {
			b.userAgent = ua
		}
	}
}

// WithTimeout sets the per-call timeout of the default HTTP client.
func WithTimeout(d time.Duration) HTTPOption {
	return func(b *httpBase) {
		if d > 0 {
			b.client = &http.Client{Timeout: d}
		}
	}
}

type httpBase struct {
	name      string
	endpoint  string
	userAgent string
	client    *http.Client
}

func newHTTPBase(name, endpoint string, opts []HTTPOption) httpBase {
	b := httpBase{
		name:      name,
		endpoint:  endpoint,
		userAgent: defaultUserAgent,
		client:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(&b)
	}
	return b
}

func (b *httpBase) Name() string { return b.name }

// get issues a GET against the endpoint and returns the body of a 2xx reply.
func (b *httpBase) get(ctx context.Context, params url.Values) ([]byte, error) {
	reqURL := b.endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: %s build request", b.name)
	}
	req.Header.Set("User-Agent", b.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: %s request", b.name)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: %s read body", b.name)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Provider: b.name, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// NewProvider builds a provider by name. Supported names are "nominatim"
// (the default when name is empty), "google" and "census".
func NewProvider(name, apiKey string, opts ...HTTPOption) (Provider, error) {
	switch name {
	case "", "nominatim":
		return NewNominatim(opts...), nil
	case "google":
		if apiKey == "" {
			return nil, eris.New("geocode: google provider requires an api key")
		}
		return NewGoogle(apiKey, opts...), nil
	case "census":
		return NewCensus(opts...), nil
	default:
		return nil, eris.Errorf("geocode: unknown provider %q (want nominatim, google or census)", name)
	}
}
