package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
)

// Field names a record column an input header can map to.
type Field string

const (
	FieldID          Field = "id"
	FieldUniqueID    Field = "unique_id"
	FieldName        Field = "name"
	FieldAddress     Field = "address"
	FieldDescription Field = "description"
	FieldPhone       Field = "phone"
	FieldEmail       Field = "email"
	FieldLat         Field = "lat"
	FieldLng         Field = "lng"
)

// headerAliases maps normalized header text to a record field.
var headerAliases = map[string]Field{
	"id":             FieldID,
	"record_id":      FieldID,
	"unique_id":      FieldUniqueID,
	"uniqueid":       FieldUniqueID,
	"name":           FieldName,
	"business_name":  FieldName,
	"company":        FieldName,
	"company_name":   FieldName,
	"address":        FieldAddress,
	"full_address":   FieldAddress,
	"street_address": FieldAddress,
	"description":    FieldDescription,
	"about":          FieldDescription,
	"phone":          FieldPhone,
	"phone_number":   FieldPhone,
	"telephone":      FieldPhone,
	"email":          FieldEmail,
	"email_address":  FieldEmail,
	"e_mail":         FieldEmail,
	"lat":            FieldLat,
	"latitude":       FieldLat,
	"lng":            FieldLng,
	"lon":            FieldLng,
	"long":           FieldLng,
	"longitude":      FieldLng,
}

// RowError describes an input row that could not become a record. Row is
// 1-based and counts the header.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
}

// Result is the outcome of mapping an input file.
type Result struct {
	Records []model.Record `json:"records"`
	Skipped []RowError     `json:"skipped,omitempty"`
}

// Load reads path and maps its rows to pending records.
func Load(ctx context.Context, path string) (*Result, error) {
	rows, err := ReadRows(ctx, path)
	if err != nil {
		return nil, err
	}
	return MapRows(rows)
}

// normalizeHeader lowercases a header and joins words with underscores.
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.Join(strings.FieldsFunc(h, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '.'
	}), "_")
}

// MapRows maps a header row plus data rows to records. Unknown columns are
// ignored. Rows without a name are skipped, as are rows repeating an id
// already seen in the file. Imported records are always pending.
func MapRows(rows [][]string) (*Result, error) {
	if len(rows) == 0 {
		return &Result{}, nil
	}

	cols := make(map[Field]int)
	for i, h := range rows[0] {
		if f, ok := headerAliases[normalizeHeader(h)]; ok {
			if _, dup := cols[f]; !dup {
				cols[f] = i
			}
		}
	}
	if _, ok := cols[FieldName]; !ok {
		return nil, eris.New("ingest: header has no name column")
	}

	res := &Result{}
	seen := make(map[string]bool)
	for n, row := range rows[1:] {
		rowNum := n + 2
		get := func(f Field) string {
			i, ok := cols[f]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		if isBlank(row) {
			continue
		}

		rec := model.Record{
			ID:          get(FieldID),
			UniqueID:    get(FieldUniqueID),
			Name:        get(FieldName),
			Address:     get(FieldAddress),
			Description: get(FieldDescription),
			Phone:       get(FieldPhone),
			Email:       get(FieldEmail),
			Status:      model.StatusPending,
		}
		if rec.Name == "" {
			res.Skipped = append(res.Skipped, RowError{Row: rowNum, Reason: "missing name"})
			continue
		}
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		if seen[rec.ID] {
			res.Skipped = append(res.Skipped, RowError{Row: rowNum, Reason: fmt.Sprintf("duplicate id %q", rec.ID)})
			continue
		}

		coords, err := parseCoordinates(get(FieldLat), get(FieldLng))
		if err != nil {
			res.Skipped = append(res.Skipped, RowError{Row: rowNum, Reason: err.Error()})
			continue
		}
		rec.Coordinates = coords
		seen[rec.ID] = true
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

// parseCoordinates returns nil when both values are empty.
func parseCoordinates(lat, lng string) (*model.Coordinates, error) {
	if lat == "" && lng == "" {
		return nil, nil
	}
	if lat == "" || lng == "" {
		return nil, eris.New("latitude and longitude must both be set")
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return nil, eris.Errorf("invalid latitude %q", lat)
	}
	ln, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return nil, eris.Errorf("invalid longitude %q", lng)
	}
	c := &model.Coordinates{Lat: la, Lng: ln}
	if !c.Valid() {
		return nil, eris.Errorf("coordinates %s,%s out of range", lat, lng)
	}
	return c, nil
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
