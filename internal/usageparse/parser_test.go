package usageparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIParser(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4",
		"usage": {"prompt_tokens": 1000, "completion_tokens": 500, "total_tokens": 1500}
	}`)

	u := NewRegistry(nil).Parse(VendorOpenAI, body)
	require.Equal(t, int64(1000), u.InputUnits)
	require.Equal(t, int64(500), u.OutputUnits)
	require.Equal(t, PerToken, u.PricingModel)
	require.Equal(t, "gpt-4", u.ModelName)
	require.Equal(t, ConfidenceHigh, u.Confidence)
	require.False(t, u.Warning)
}

func TestAnthropicParserRecordsCharMetadata(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-opus",
		"usage": {"input_tokens": 42, "output_tokens": 7},
		"content": [{"type": "text", "text": "hello world"}]
	}`)

	u := NewRegistry(nil).Parse(VendorAnthropic, body)
	require.Equal(t, int64(42), u.InputUnits)
	require.Equal(t, int64(7), u.OutputUnits)
	require.Equal(t, PerToken, u.PricingModel)
	assert.Equal(t, "11", u.Metadata["output_chars_estimate"])
}

func TestGoogleParserTokenBased(t *testing.T) {
	body := []byte(`{
		"model": "gemini-pro",
		"usageMetadata": {"promptTokenCount": 100, "candidatesTokenCount": 50}
	}`)

	u := NewRegistry([]string{"palm"}).Parse(VendorGoogle, body)
	require.Equal(t, int64(100), u.InputUnits)
	require.Equal(t, int64(50), u.OutputUnits)
	require.Equal(t, PerToken, u.PricingModel)
}

func TestGoogleParserCharacterFamilyConverts(t *testing.T) {
	body := []byte(`{
		"model": "text-palm-2",
		"usageMetadata": {"promptTokenCount": 100, "candidatesTokenCount": 50}
	}`)

	u := NewRegistry([]string{"palm"}).Parse(VendorGoogle, body)
	require.Equal(t, int64(400), u.InputUnits)
	require.Equal(t, int64(200), u.OutputUnits)
	require.Equal(t, PerCharacter, u.PricingModel)
}

func TestMissingFieldsReturnZerosWithWarning(t *testing.T) {
	for _, vendor := range []Vendor{VendorOpenAI, VendorAnthropic, VendorGoogle} {
		u := NewRegistry(nil).Parse(vendor, []byte(`{"model": "m"}`))
		assert.Zero(t, u.InputUnits, "vendor %s", vendor)
		assert.Zero(t, u.OutputUnits, "vendor %s", vendor)
		assert.True(t, u.Warning, "vendor %s", vendor)
	}
}

func TestMalformedBodyNeverPanics(t *testing.T) {
	for _, vendor := range []Vendor{VendorOpenAI, VendorAnthropic, VendorGoogle, VendorGeneric} {
		u := NewRegistry(nil).Parse(vendor, []byte(`not json at all`))
		require.NotNil(t, u)
		assert.True(t, u.Warning)
	}
}

func TestGenericParserScansCandidateFields(t *testing.T) {
	body := []byte(`{"usage": {"tokens_in": 12, "tokens_out": 34}}`)

	u := NewRegistry(nil).Parse("mystery-vendor", body)
	require.Equal(t, int64(12), u.InputUnits)
	require.Equal(t, int64(34), u.OutputUnits)
	require.Equal(t, ConfidenceLow, u.Confidence)
	require.False(t, u.Warning)
}

func TestGenericParserWhitespaceEstimate(t *testing.T) {
	body := []byte(`{"text": "one two three four five six seven eight nine ten"}`)

	u := NewRegistry(nil).Parse("mystery-vendor", body)
	// 10 words × 1.3 = 13, rounded.
	require.Equal(t, int64(13), u.OutputUnits)
	require.Equal(t, ConfidenceLow, u.Confidence)
	require.True(t, u.Warning)
}
