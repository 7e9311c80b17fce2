package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Capability is one enrichment task type.
type Capability string

const (
	CapabilityClassification Capability = "classification"
	CapabilityEnhancement    Capability = "enhancement"
	CapabilityGeocoding      Capability = "geocoding"
)

// Provider identifiers for the local fallbacks.
const (
	ProviderRuleEngine        = "rule_engine"
	ProviderEmergencyFallback = "emergency_fallback"
)

// IsLocalProvider reports whether the provider id names a local fallback
// rather than an external service.
func IsLocalProvider(name string) bool {
	return name == ProviderRuleEngine || name == ProviderEmergencyFallback
}

// Scope selects which capabilities a batch runs.
type Scope string

const (
	ScopeClassification Scope = "classification"
	ScopeEnhancement    Scope = "enhancement"
	ScopeGeocoding      Scope = "geocoding"
	ScopeAll            Scope = "all"
)

// ParseScope parses a user-supplied scope. Empty input means ScopeAll.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeAll:
		return ScopeAll, nil
	case ScopeClassification:
		return ScopeClassification, nil
	case ScopeEnhancement:
		return ScopeEnhancement, nil
	case ScopeGeocoding:
		return ScopeGeocoding, nil
	default:
		return "", eris.Errorf("model: unknown enhancement scope %q (want classification, enhancement, geocoding or all)", s)
	}
}

// Includes reports whether the scope runs the given capability.
func (s Scope) Includes(c Capability) bool {
	return s == ScopeAll || string(s) == string(c)
}

// Attempt is one logged invocation of one capability against one record.
// Attempts are append-only.
type Attempt struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq,omitempty"`
	BatchID       string          `json:"batch_id,omitempty"`
	RecordID      string          `json:"record_id"`
	Capability    Capability      `json:"capability"`
	ProviderUsed  string          `json:"provider_used"`
	InputSnapshot json.RawMessage `json:"input_snapshot,omitempty"`
	OutputData    json.RawMessage `json:"output_data,omitempty"`
	Confidence    *float64        `json:"confidence,omitempty"`
	Success       bool            `json:"success"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	FallbackLog   []string        `json:"fallback_log,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ClassificationResult is the output of the classification capability.
type ClassificationResult struct {
	IsTargetCategory bool     `json:"is_target_category"`
	Confidence       float64  `json:"confidence"`
	Tags             []string `json:"tags"`
	Rationale        string   `json:"rationale"`
}

// EnhancementResult is the output of the enhancement capability.
type EnhancementResult struct {
	EnhancedDescription string   `json:"enhanced_description"`
	Keywords            []string `json:"keywords"`
	SuggestedTags       []string `json:"suggested_tags"`
}

// GeocodingResult is the output of the geocoding capability.
type GeocodingResult struct {
	Lat                float64         `json:"lat"`
	Lng                float64         `json:"lng"`
	AccuracyTier       AccuracyTier    `json:"accuracy_tier"`
	NormalizedAddress  string          `json:"normalized_address"`
	RawProviderPayload json.RawMessage `json:"raw_provider_payload,omitempty"`
}
