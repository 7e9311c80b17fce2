package geocode

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

const googleGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"

// googleGeocodeResponse is the JSON response from the Google Geocoding API.
type googleGeocodeResponse struct {
	Results      []googleResult `json:"results"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message"`
}

type googleResult struct {
	Geometry struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
		LocationType string `json:"location_type"`
	} `json:"geometry"`
	FormattedAddress string `json:"formatted_address"`
}

// Google geocodes with the Google Geocoding API.
type Google struct {
	httpBase
	apiKey string
}

// NewGoogle creates a Google provider.
func NewGoogle(apiKey string, opts ...HTTPOption) *Google {
	return &Google{httpBase: newHTTPBase("google", googleGeocodeURL, opts), apiKey: apiKey}
}

// Lookup implements Provider. ZERO_RESULTS is an empty candidate list; every
// other non-OK status is an error.
func (g *Google) Lookup(ctx context.Context, address string) ([]Candidate, json.RawMessage, error) {
	params := url.Values{
		"address": {address},
		"key":     {g.apiKey},
	}
	body, err := g.get(ctx, params)
	if err != nil {
		return nil, nil, err
	}

	var resp googleGeocodeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, body, eris.Wrap(err, "geocode: google parse response")
	}

	switch resp.Status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, body, nil
	default:
		return nil, body, eris.Errorf("geocode: google status %s: %s", resp.Status, resp.ErrorMessage)
	}

	out := make([]Candidate, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, Candidate{
			Lat:              r.Geometry.Location.Lat,
			Lng:              r.Geometry.Location.Lng,
			FormattedAddress: r.FormattedAddress,
			Quality:          googleLocationTypeToQuality(r.Geometry.LocationType),
		})
	}
	return out, body, nil
}

// googleLocationTypeToQuality maps Google's location_type to our quality taxonomy.
func googleLocationTypeToQuality(locType string) string {
	switch strings.ToUpper(locType) {
	case "ROOFTOP":
		return QualityRooftop
	case "RANGE_INTERPOLATED":
		return QualityRange
	case "GEOMETRIC_CENTER":
		return QualityCentroid
	default:
		return QualityApproximate
	}
}
