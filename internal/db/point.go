package db

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// SRID is the spatial reference used for stored coordinates (WGS84).
const SRID = 4326

// EncodePoint converts a lat/lng pair to EWKB bytes with SRID 4326, suitable
// for ST_GeomFromEWKB.
func EncodePoint(lat, lng float64) ([]byte, error) {
	p := geom.NewPointFlat(geom.XY, []float64{lng, lat}).SetSRID(SRID)
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "db: encode point")
	}
	return data, nil
}

// DecodePoint parses EWKB bytes produced by ST_AsEWKB. It returns
// ok=false for empty input.
func DecodePoint(data []byte) (lat, lng float64, ok bool, err error) {
	if len(data) == 0 {
		return 0, 0, false, nil
	}
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return 0, 0, false, eris.Wrap(err, "db: decode point")
	}
	p, isPoint := g.(*geom.Point)
	if !isPoint {
		return 0, 0, false, eris.Errorf("db: expected point geometry, got %T", g)
	}
	if p.Empty() {
		return 0, 0, false, nil
	}
	return p.Y(), p.X(), true, nil
}
