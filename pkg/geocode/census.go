package geocode

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/rotisserie/eris"
)

const (
	censusOneLineURL = "https://geocoding.geo.census.gov/geocoder/locations/onelineaddress"
	censusBenchmark  = "Public_AR_Current"
)

// censusOneLineResponse is the JSON response from the Census single-address API.
type censusOneLineResponse struct {
	Result struct {
		AddressMatches []censusAddressMatch `json:"addressMatches"`
	} `json:"result"`
}

type censusAddressMatch struct {
	Coordinates struct {
		X float64 `json:"x"` // longitude
		Y float64 `json:"y"` // latitude
	} `json:"coordinates"`
	MatchedAddress string `json:"matchedAddress"`
}

// Census geocodes US addresses with the Census Bureau one-line API. It needs
// no API key.
type Census struct {
	httpBase
}

// NewCensus creates a Census provider.
func NewCensus(opts ...HTTPOption) *Census {
	return &Census{httpBase: newHTTPBase("census", censusOneLineURL, opts)}
}

// Lookup implements Provider.
func (c *Census) Lookup(ctx context.Context, address string) ([]Candidate, json.RawMessage, error) {
	params := url.Values{
		"address":   {address},
		"benchmark": {censusBenchmark},
		"format":    {"json"},
	}
	body, err := c.get(ctx, params)
	if err != nil {
		return nil, nil, err
	}

	var resp censusOneLineResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, body, eris.Wrap(err, "geocode: census parse response")
	}

	out := make([]Candidate, 0, len(resp.Result.AddressMatches))
	for _, m := range resp.Result.AddressMatches {
		out = append(out, Candidate{
			Lat:              m.Coordinates.Y,
			Lng:              m.Coordinates.X,
			FormattedAddress: m.MatchedAddress,
			// One-line matches are interpolated along a TIGER address range.
			Quality: QualityRange,
		})
	}
	return out, body, nil
}
