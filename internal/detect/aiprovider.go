package detect

import (
	"regexp"
	"sort"
	"strings"
)

// AIProvider identifies a known external AI provider.
type AIProvider string

const (
	ProviderOpenAI      AIProvider = "openai"
	ProviderAnthropic   AIProvider = "anthropic"
	ProviderGoogleAI    AIProvider = "google_ai"
	ProviderAzureOpenAI AIProvider = "azure_openai"
	ProviderCohere      AIProvider = "cohere"
	ProviderMistral     AIProvider = "mistral"
	ProviderHuggingFace AIProvider = "huggingface"
	ProviderReplicate   AIProvider = "replicate"
)

// IndicatorKind names the class of signal an indicator matched.
type IndicatorKind string

const (
	IndicatorAPIHost     IndicatorKind = "api_host"
	IndicatorKeyPrefix   IndicatorKind = "key_prefix"
	IndicatorModelName   IndicatorKind = "model_name"
	IndicatorOAuthClient IndicatorKind = "oauth_client"
	IndicatorDisplayName IndicatorKind = "display_name"
)

// Indicator contribution weights. Multiple indicators of the same kind
// for one provider count once; a provider's total is capped at
// ProviderConfidenceCeiling.
const (
	WeightAPIHost     = 60
	WeightKeyPrefix   = 35
	WeightModelName   = 25
	WeightOAuthClient = 40
	WeightDisplayName = 15

	ProviderConfidenceCeiling = 95
)

// Evidence records one matched indicator.
type Evidence struct {
	Provider AIProvider    `json:"provider"`
	Kind     IndicatorKind `json:"kind"`
	Matched  string        `json:"matched"`
}

// AIDetection is the result of fingerprinting a piece of automation
// content against the provider signature sets. A no-detection result is
// always Detected=false, empty Providers, Confidence 0.
type AIDetection struct {
	Detected   bool         `json:"detected"`
	Providers  []AIProvider `json:"providers"`
	Confidence int          `json:"confidence"`
	Evidence   []Evidence   `json:"evidence"`
}

type indicator struct {
	kind IndicatorKind
	// substring is matched case-insensitively; pattern, when set, takes
	// precedence and matches against the raw content.
	substring string
	pattern   *regexp.Regexp
	weight    int
}

type providerSignature struct {
	provider   AIProvider
	indicators []indicator
}

// providerSignatures is the curated signature set. Order is fixed so
// that identical input always yields identical output.
var providerSignatures = []providerSignature{
	{
		provider: ProviderAnthropic,
		indicators: []indicator{
			{kind: IndicatorAPIHost, substring: "api.anthropic.com", weight: WeightAPIHost},
			{kind: IndicatorKeyPrefix, pattern: regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{8,}`), weight: WeightKeyPrefix},
			{kind: IndicatorModelName, substring: "claude-", weight: WeightModelName},
			{kind: IndicatorDisplayName, substring: "anthropic", weight: WeightDisplayName},
		},
	},
	{
		provider: ProviderOpenAI,
		indicators: []indicator{
			{kind: IndicatorAPIHost, substring: "api.openai.com", weight: WeightAPIHost},
			{kind: IndicatorKeyPrefix, pattern: regexp.MustCompile(`\bsk-(?:proj-)?[A-Za-z0-9]{8,}`), weight: WeightKeyPrefix},
			{kind: IndicatorModelName, substring: "gpt-4", weight: WeightModelName},
			{kind: IndicatorModelName, substring: "gpt-3.5", weight: WeightModelName},
			{kind: IndicatorModelName, substring: "text-embedding-", weight: WeightModelName},
			{kind: IndicatorOAuthClient, substring: "openai.com", weight: WeightOAuthClient},
			{kind: IndicatorDisplayName, substring: "chatgpt", weight: WeightDisplayName},
			{kind: IndicatorDisplayName, substring: "openai", weight: WeightDisplayName},
		},
	},
	{
		provider: ProviderAzureOpenAI,
		indicators: []indicator{
			{kind: IndicatorAPIHost, substring: ".openai.azure.com", weight: WeightAPIHost},
			{kind: IndicatorDisplayName, substring: "azure openai", weight: WeightDisplayName},
		},
	},
	{
		provider: ProviderGoogleAI,
		indicators: []indicator{
			{kind: IndicatorAPIHost, substring: "generativelanguage.googleapis.com", weight: WeightAPIHost},
			{kind: IndicatorAPIHost, substring: "aiplatform.googleapis.com", weight: WeightAPIHost},
			{kind: IndicatorModelName, substring: "gemini-", weight: WeightModelName},
			{kind: IndicatorDisplayName, substring: "vertex ai", weight: WeightDisplayName},
		},
	},
	{
		provider: ProviderCohere,
		indicators: []indicator{
			{kind: IndicatorAPIHost, substring: "api.cohere.ai", weight: WeightAPIHost},
			{kind: IndicatorAPIHost, substring: "api.cohere.com", weight: WeightAPIHost},
			{kind: IndicatorModelName, substring: "command-r", weight: WeightModelName},
			{kind: IndicatorDisplayName, substring: "cohere", weight: WeightDisplayName},
		},
	},
	{
		provider: ProviderMistral,
		indicators: []indicator{
			{kind: IndicatorAPIHost, substring: "api.mistral.ai", weight: WeightAPIHost},
			{kind: IndicatorModelName, substring: "mistral-large", weight: WeightModelName},
			{kind: IndicatorModelName, substring: "mistral-small", weight: WeightModelName},
			{kind: IndicatorDisplayName, substring: "mistral", weight: WeightDisplayName},
		},
	},
	{
		provider: ProviderHuggingFace,
		indicators: []indicator{
			{kind: IndicatorAPIHost, substring: "api-inference.huggingface.co", weight: WeightAPIHost},
			{kind: IndicatorKeyPrefix, pattern: regexp.MustCompile(`\bhf_[A-Za-z0-9]{8,}`), weight: WeightKeyPrefix},
			{kind: IndicatorDisplayName, substring: "hugging face", weight: WeightDisplayName},
			{kind: IndicatorDisplayName, substring: "huggingface", weight: WeightDisplayName},
		},
	},
	{
		provider: ProviderReplicate,
		indicators: []indicator{
			{kind: IndicatorAPIHost, substring: "api.replicate.com", weight: WeightAPIHost},
			{kind: IndicatorKeyPrefix, pattern: regexp.MustCompile(`\br8_[A-Za-z0-9]{8,}`), weight: WeightKeyPrefix},
			{kind: IndicatorDisplayName, substring: "replicate", weight: WeightDisplayName},
		},
	},
}

// MatchAIProviderSignature scans automation content (script source or an
// OAuth client descriptor) against the curated provider signature sets.
// Matching is evidence-accumulating: each matched indicator kind adds its
// fixed weight once per provider, capped at the provider ceiling.
// Multiple providers are reported together when each has independent
// evidence. The function is pure: identical input yields identical
// output, which feedback-snapshot replay depends on.
func MatchAIProviderSignature(content string) AIDetection {
	result := AIDetection{
		Providers: []AIProvider{},
		Evidence:  []Evidence{},
	}
	if content == "" {
		return result
	}

	lower := strings.ToLower(content)

	for _, sig := range providerSignatures {
		score := 0
		seenKinds := make(map[IndicatorKind]bool)

		for _, ind := range sig.indicators {
			var matched string
			if ind.pattern != nil {
				matched = ind.pattern.FindString(content)
			} else if idx := strings.Index(lower, ind.substring); idx >= 0 {
				matched = content[idx : idx+len(ind.substring)]
			}
			if matched == "" {
				continue
			}

			result.Evidence = append(result.Evidence, Evidence{
				Provider: sig.provider,
				Kind:     ind.kind,
				Matched:  matched,
			})

			if !seenKinds[ind.kind] {
				seenKinds[ind.kind] = true
				score += ind.weight
			}
		}

		if score == 0 {
			continue
		}
		if score > ProviderConfidenceCeiling {
			score = ProviderConfidenceCeiling
		}

		result.Detected = true
		result.Providers = append(result.Providers, sig.provider)
		if score > result.Confidence {
			result.Confidence = score
		}
	}

	sort.Slice(result.Providers, func(i, j int) bool {
		return result.Providers[i] < result.Providers[j]
	})

	return result
}

// HasProvider reports whether the detection includes the given provider.
func (d AIDetection) HasProvider(p AIProvider) bool {
	for _, got := range d.Providers {
		if got == p {
			return true
		}
	}
	return false
}

// Map serializes the detection for storage in an automation's detection
// metadata column.
func (d AIDetection) Map() map[string]interface{} {
	providers := make([]interface{}, len(d.Providers))
	for i, p := range d.Providers {
		providers[i] = string(p)
	}
	evidence := make([]interface{}, len(d.Evidence))
	for i, e := range d.Evidence {
		evidence[i] = map[string]interface{}{
			"provider": string(e.Provider),
			"kind":     string(e.Kind),
			"matched":  e.Matched,
		}
	}
	return map[string]interface{}{
		"detected":   d.Detected,
		"providers":  providers,
		"confidence": d.Confidence,
		"evidence":   evidence,
	}
}
