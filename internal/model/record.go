package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Status is the enrichment state of a record. The zero value represents a
// record whose status has never been set.
type Status string

const (
	StatusUnset      Status = ""
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// AllStatuses returns every non-empty status value.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}
}

// ParseStatus converts a stored string into a Status. Empty input maps to
// StatusUnset; anything outside the enum is an error.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusUnset, StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return Status(s), nil
	default:
		return StatusUnset, eris.Errorf("model: unknown enhancement status %q", s)
	}
}

// Eligible reports whether a record in this status may be picked up by a batch.
func (s Status) Eligible() bool {
	return s == StatusPending || s == StatusUnset
}

// Terminal reports whether the status ends a pipeline run for the record.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AccuracyTier tags the quality of a geocoded coordinate.
type AccuracyTier string

const (
	AccuracyHigh   AccuracyTier = "high"
	AccuracyMedium AccuracyTier = "medium"
)

// Coordinates is a WGS84 lat/lng pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the pair is within range and not the null island.
func (c Coordinates) Valid() bool {
	if c.Lat == 0 && c.Lng == 0 {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Record is a business entity submitted for enrichment.
type Record struct {
	ID          string       `json:"id"`
	UniqueID    string       `json:"unique_id,omitempty"`
	Name        string       `json:"name"`
	Address     string       `json:"address"`
	Description string       `json:"description,omitempty"`
	Phone       string       `json:"phone,omitempty"`
	Email       string       `json:"email,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	Accuracy    AccuracyTier `json:"accuracy_tier,omitempty"`
	Status      Status       `json:"enhancement_status"`

	IsTargetCategory    *bool    `json:"is_target_category,omitempty"`
	Confidence          *float64 `json:"confidence,omitempty"`
	Tags                []string `json:"tags,omitempty"`
	EnhancedDescription string   `json:"enhanced_description,omitempty"`
	Keywords            []string `json:"keywords,omitempty"`
	SuggestedTags       []string `json:"suggested_tags,omitempty"`
	LastError           string   `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCoordinates reports whether the record already carries usable coordinates.
func (r Record) HasCoordinates() bool {
	return r.Coordinates != nil && r.Coordinates.Valid()
}

// RecordUpdate is a sparse set of fields to write. Nil pointers are left untouched.
type RecordUpdate struct {
	UniqueID            *string
	IsTargetCategory    *bool
	Confidence          *float64
	Tags                []string
	EnhancedDescription *string
	Keywords            []string
	SuggestedTags       []string
	Coordinates         *Coordinates
	Accuracy            *AccuracyTier
	LastError           *string
}

// Empty reports whether the update carries no fields.
func (u RecordUpdate) Empty() bool {
	return u.UniqueID == nil && u.IsTargetCategory == nil && u.Confidence == nil &&
		u.Tags == nil && u.EnhancedDescription == nil && u.Keywords == nil &&
		u.SuggestedTags == nil && u.Coordinates == nil && u.Accuracy == nil &&
		u.LastError == nil
}
