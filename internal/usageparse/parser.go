// Package usageparse extracts billable usage units from vendor response
// envelopes. Parsers never fail on missing fields; they return zeros with
// a warning flag and let the cost engine decide what to do.
package usageparse

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Vendor identifies an upstream LLM provider.
type Vendor string

const (
	VendorOpenAI    Vendor = "openai"
	VendorAnthropic Vendor = "anthropic"
	VendorGoogle    Vendor = "google"
	VendorGeneric   Vendor = "generic"
)

// PricingModel is the unit of billing extracted alongside the counts.
type PricingModel string

const (
	PerToken       PricingModel = "per_token"
	PerCharacter   PricingModel = "per_character"
	PerRequest     PricingModel = "per_request"
	PerImage       PricingModel = "per_image"
	PerAudioSecond PricingModel = "per_audio_second"
	PerVideoSecond PricingModel = "per_video_second"
)

// Confidence flags how trustworthy the extracted counts are. Every result
// of the generic fallback is low; the vendor parsers report high.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

// Usage is the extraction result.
type Usage struct {
	InputUnits   int64
	OutputUnits  int64
	PricingModel PricingModel
	ModelName    string
	Confidence   Confidence
	Warning      bool              // set when expected fields were missing
	Metadata     map[string]string // e.g. character estimates recorded but not billed
}

// Parser extracts usage from one vendor's response envelope.
type Parser interface {
	Parse(body []byte) *Usage
	Vendor() Vendor
}

// Registry maps vendor tags to parsers, falling back to the generic
// parser for unknown vendors. The fallback is never the primary path for
// a supported vendor.
type Registry struct {
	parsers map[Vendor]Parser
	generic Parser
}

// NewRegistry builds the registry with the supported vendor parsers.
// charFamilies lists Google model-identifier substrings billed per
// character rather than per token.
func NewRegistry(charFamilies []string) *Registry {
	r := &Registry{
		parsers: make(map[Vendor]Parser),
		generic: &genericParser{},
	}
	for _, p := range []Parser{
		&openAIParser{},
		&anthropicParser{},
		&googleParser{charFamilies: charFamilies},
	} {
		r.parsers[p.Vendor()] = p
	}
	return r
}

// Parse dispatches to the vendor's parser, or the generic fallback for an
// unknown vendor tag.
func (r *Registry) Parse(vendor Vendor, body []byte) *Usage {
	if p, ok := r.parsers[vendor]; ok {
		return p.Parse(body)
	}
	return r.generic.Parse(body)
}

// openAIParser reads the nested usage object of an OpenAI-style response.
type openAIParser struct{}

func (openAIParser) Vendor() Vendor { return VendorOpenAI }

func (openAIParser) Parse(body []byte) *Usage {
	var env struct {
		Model string `json:"model"`
		Usage struct {
			PromptTokens     *int64 `json:"prompt_tokens"`
			CompletionTokens *int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	u := &Usage{PricingModel: PerToken, Confidence: ConfidenceHigh}
	if err := json.Unmarshal(body, &env); err != nil {
		u.Warning = true
		return u
	}
	u.ModelName = env.Model
	if env.Usage.PromptTokens == nil && env.Usage.CompletionTokens == nil {
		u.Warning = true
		return u
	}
	if env.Usage.PromptTokens != nil {
		u.InputUnits = *env.Usage.PromptTokens
	}
	if env.Usage.CompletionTokens != nil {
		u.OutputUnits = *env.Usage.CompletionTokens
	}
	return u
}

// anthropicParser reads input/output token counts; character estimates are
// recorded only as metadata, never billed.
type anthropicParser struct{}

func (anthropicParser) Vendor() Vendor { return VendorAnthropic }

func (anthropicParser) Parse(body []byte) *Usage {
	var env struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens  *int64 `json:"input_tokens"`
			OutputTokens *int64 `json:"output_tokens"`
		} `json:"usage"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	u := &Usage{PricingModel: PerToken, Confidence: ConfidenceHigh}
	if err := json.Unmarshal(body, &env); err != nil {
		u.Warning = true
		return u
	}
	u.ModelName = env.Model
	if env.Usage.InputTokens == nil && env.Usage.OutputTokens == nil {
		u.Warning = true
		return u
	}
	if env.Usage.InputTokens != nil {
		u.InputUnits = *env.Usage.InputTokens
	}
	if env.Usage.OutputTokens != nil {
		u.OutputUnits = *env.Usage.OutputTokens
	}
	if len(env.Content) > 0 {
		var chars int
		for _, c := range env.Content {
			chars += len(c.Text)
		}
		u.Metadata = map[string]string{"output_chars_estimate": strconv.Itoa(chars)}
	}
	return u
}

// googleParser reads token counts when present; models in the configured
// character-based families are converted tokens→characters at the fixed
// 1:4 ratio and billed per character.
type googleParser struct {
	charFamilies []string
}

func (googleParser) Vendor() Vendor { return VendorGoogle }

func (p googleParser) Parse(body []byte) *Usage {
	var env struct {
		Model    string `json:"model"`
		Metadata struct {
			PromptTokenCount     *int64 `json:"promptTokenCount"`
			CandidatesTokenCount *int64 `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	u := &Usage{PricingModel: PerToken, Confidence: ConfidenceHigh}
	if err := json.Unmarshal(body, &env); err != nil {
		u.Warning = true
		return u
	}
	u.ModelName = env.Model
	if env.Metadata.PromptTokenCount == nil && env.Metadata.CandidatesTokenCount == nil {
		u.Warning = true
		return u
	}
	if env.Metadata.PromptTokenCount != nil {
		u.InputUnits = *env.Metadata.PromptTokenCount
	}
	if env.Metadata.CandidatesTokenCount != nil {
		u.OutputUnits = *env.Metadata.CandidatesTokenCount
	}
	for _, fam := range p.charFamilies {
		if fam != "" && strings.Contains(env.Model, fam) {
			u.InputUnits *= 4
			u.OutputUnits *= 4
			u.PricingModel = PerCharacter
			break
		}
	}
	return u
}

// candidateFields is the predefined scan list the generic fallback tries
// before resorting to a whitespace estimate.
var candidateFields = [][2]string{
	{"prompt_tokens", "completion_tokens"},
	{"input_tokens", "output_tokens"},
	{"promptTokenCount", "candidatesTokenCount"},
	{"tokens_in", "tokens_out"},
}

// genericParser is the low-confidence fallback for unrecognized vendors.
type genericParser struct{}

func (genericParser) Vendor() Vendor { return VendorGeneric }

func (genericParser) Parse(body []byte) *Usage {
	u := &Usage{PricingModel: PerToken, Confidence: ConfidenceLow}

	var flat map[string]json.RawMessage
	if err := json.Unmarshal(body, &flat); err != nil {
		u.Warning = true
		return u
	}
	fields := flatten(flat)

	for _, pair := range candidateFields {
		in, inOK := fields[pair[0]]
		out, outOK := fields[pair[1]]
		if inOK || outOK {
			u.InputUnits = in
			u.OutputUnits = out
			return u
		}
	}

	// No counts anywhere: estimate output tokens from response text via
	// whitespace tokenization × 1.3. The multiplier is empirical.
	if text, ok := responseText(flat); ok && text != "" {
		words := len(strings.Fields(text))
		u.OutputUnits = int64(float64(words)*1.3 + 0.5)
		u.Warning = true
		return u
	}

	u.Warning = true
	return u
}

// flatten pulls numeric leaves out of the top level and one nested level,
// which covers every envelope shape seen in the candidate list.
func flatten(m map[string]json.RawMessage) map[string]int64 {
	out := make(map[string]int64)
	for k, raw := range m {
		var n int64
		if err := json.Unmarshal(raw, &n); err == nil {
			out[k] = n
			continue
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err == nil {
			for nk, nraw := range nested {
				var nn int64
				if err := json.Unmarshal(nraw, &nn); err == nil {
					out[nk] = nn
				}
			}
		}
	}
	return out
}

// responseText digs out the first plausible text payload for the
// whitespace estimate.
func responseText(m map[string]json.RawMessage) (string, bool) {
	for _, key := range []string{"text", "output", "response", "completion", "content"} {
		raw, ok := m[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, true
		}
	}
	return "", false
}

