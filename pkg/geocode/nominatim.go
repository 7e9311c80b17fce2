package geocode

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"
)

const nominatimSearchURL = "https://nominatim.openstreetmap.org/search"

type nominatimPlace struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
	Category    string `json:"category"`
	Type        string `json:"type"`
	AddressType string `json:"addresstype"`
	PlaceRank   int    `json:"place_rank"`
}

// Nominatim geocodes against the OpenStreetMap Nominatim search API. The
// public instance allows at most one request per second and requires an
// identifying User-Agent.
type Nominatim struct {
	httpBase
}

// NewNominatim creates a Nominatim provider.
func NewNominatim(opts ...HTTPOption) *Nominatim {
	return &Nominatim{httpBase: newHTTPBase("nominatim", nominatimSearchURL, opts)}
}

// Lookup implements Provider.
func (n *Nominatim) Lookup(ctx context.Context, address string) ([]Candidate, json.RawMessage, error) {
	params := url.Values{
		"q":      {address},
		"format": {"jsonv2"},
		"limit":  {"5"},
	}
	body, err := n.get(ctx, params)
	if err != nil {
		return nil, nil, err
	}

	var places []nominatimPlace
	if err := json.Unmarshal(body, &places); err != nil {
		return nil, body, eris.Wrap(err, "geocode: nominatim parse response")
	}

	out := make([]Candidate, 0, len(places))
	for _, p := range places {
		lat, latErr := strconv.ParseFloat(p.Lat, 64)
		lng, lngErr := strconv.ParseFloat(p.Lon, 64)
		if latErr != nil || lngErr != nil {
			return nil, body, eris.Errorf("geocode: nominatim returned invalid coordinates %q,%q", p.Lat, p.Lon)
		}
		out = append(out, Candidate{
			Lat:              lat,
			Lng:              lng,
			FormattedAddress: p.DisplayName,
			Quality:          nominatimQuality(p),
		})
	}
	return out, body, nil
}

// nominatimQuality maps a place to the quality taxonomy. Place rank 30 is a
// house or building; 26-27 are streets.
func nominatimQuality(p nominatimPlace) string {
	switch {
	case p.AddressType == "house" || p.AddressType == "building" || p.Type == "house" || p.PlaceRank >= 30:
		return QualityRooftop
	case p.PlaceRank >= 26:
		return QualityRange
	case p.PlaceRank >= 16:
		return QualityCentroid
	default:
		return QualityApproximate
	}
}
