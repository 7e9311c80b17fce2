package provider

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

// DefaultCategory describes the target category in prompts.
const DefaultCategory = "phone, tablet and computer repair shops"

const classificationSystem = `You classify local businesses. Decide whether the business belongs to this category: %s.

Return ONLY a single JSON object with these keys:
- is_target_category (boolean)
- confidence (number between 0 and 1)
- tags (array of short snake_case strings)
- rationale (string, one sentence)

Do not include extra keys or prose.`

const enhancementSystem = `You write short, factual descriptions for local business listings. The directory focuses on %s.

Return ONLY a single JSON object with these keys:
- enhanced_description (string, 2-3 sentences, no marketing superlatives, never empty)
- keywords (array of strings)
- suggested_tags (array of short snake_case strings)

Do not invent services that the input does not suggest.`

// BuildPrompt returns the system and user prompt for a capability.
func BuildPrompt(c model.Capability, rec model.Record, category string) (system, user string) {
	if category == "" {
		category = DefaultCategory
	}
	switch c {
	case model.CapabilityEnhancement:
		system = fmt.Sprintf(enhancementSystem, category)
	default:
		system = fmt.Sprintf(classificationSystem, category)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", strings.TrimSpace(rec.Name))
	if addr := strings.TrimSpace(rec.Address); addr != "" {
		fmt.Fprintf(&b, "Address: %s\n", addr)
	}
	if desc := strings.TrimSpace(rec.Description); desc != "" {
		fmt.Fprintf(&b, "Description: %s\n", desc)
	}
	return system, strings.TrimSpace(b.String())
}

type classificationPayload struct {
	IsTargetCategory *bool    `json:"is_target_category"`
	Confidence       *float64 `json:"confidence"`
	Tags             []string `json:"tags"`
	Rationale        string   `json:"rationale"`
}

type enhancementPayload struct {
	EnhancedDescription string   `json:"enhanced_description"`
	Keywords            []string `json:"keywords"`
	SuggestedTags       []string `json:"suggested_tags"`
	Confidence          *float64 `json:"confidence"`
}

// ParseClassification validates model output into a ClassificationResult.
// It returns the cleaned JSON alongside the result for audit storage.
func ParseClassification(text string) (*model.ClassificationResult, json.RawMessage, error) {
	raw := cleanJSON(text)
	var p classificationPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, nil, resilience.Malformed(eris.Wrap(err, "decode classification"))
	}
	if p.IsTargetCategory == nil {
		return nil, nil, resilience.Malformed(eris.New("classification missing is_target_category"))
	}
	if p.Confidence == nil {
		return nil, nil, resilience.Malformed(eris.New("classification missing confidence"))
	}
	if !validConfidence(*p.Confidence) {
		return nil, nil, resilience.Malformed(eris.Errorf("classification confidence %v outside [0,1]", *p.Confidence))
	}
	return &model.ClassificationResult{
		IsTargetCategory: *p.IsTargetCategory,
		Confidence:       *p.Confidence,
		Tags:             cleanList(p.Tags),
		Rationale:        strings.TrimSpace(p.Rationale),
	}, json.RawMessage(raw), nil
}

// ParseEnhancement validates model output into an EnhancementResult. The
// returned confidence is nil unless the model supplied a valid one.
func ParseEnhancement(text string) (*model.EnhancementResult, *float64, json.RawMessage, error) {
	raw := cleanJSON(text)
	var p enhancementPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, nil, nil, resilience.Malformed(eris.Wrap(err, "decode enhancement"))
	}
	desc := strings.TrimSpace(p.EnhancedDescription)
	if desc == "" {
		return nil, nil, nil, resilience.Malformed(eris.New("enhancement has empty enhanced_description"))
	}
	var conf *float64
	if p.Confidence != nil && validConfidence(*p.Confidence) {
		conf = p.Confidence
	}
	return &model.EnhancementResult{
		EnhancedDescription: desc,
		Keywords:            cleanList(p.Keywords),
		SuggestedTags:       cleanList(p.SuggestedTags),
	}, conf, json.RawMessage(raw), nil
}

func validConfidence(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// cleanJSON strips markdown code fences and any prose around the outermost
// JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
