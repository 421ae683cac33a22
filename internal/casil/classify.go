package casil

import (
	"encoding/json"
	"math"
	"regexp"
)

// Kind is the coarse classification of an envelope's payload.
type Kind string

const (
	KindData      Kind = "data"
	KindControl   Kind = "control"
	KindTelemetry Kind = "telemetry"
	KindSystem    Kind = "system"
	KindUnknown   Kind = "unknown"
)

// Risk is the coarse risk classification.
type Risk string

const (
	RiskLow     Risk = "low"
	RiskMedium  Risk = "medium"
	RiskHigh    Risk = "high"
	RiskUnknown Risk = "unknown"
)

const (
	FlagProbableSecret = "contains_probable_secret"
	FlagOversize       = "oversize_payload"
	FlagHighEntropy    = "high_entropy_content"
)

// secretPatterns are precompiled, bounded-cost detectors for common
// credential shapes. Evaluated only against the truncated inspection
// window, never the full payload.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),                     // AWS access key id
	regexp.MustCompile(`(?i)secret[_-]?key["':= ]+[A-Za-z0-9/+]{20,}`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |)PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)bearer [A-Za-z0-9\-._~+/]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
}

const entropyThreshold = 4.2

// shannonEntropy measures per-byte randomness of data. Standard business
// text sits around 3.5-4.5; encrypted/encoded secrets skew higher.
func shannonEntropy(data string) float64 {
	if len(data) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range data {
		counts[r]++
	}
	var entropy float64
	n := float64(len(data))
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// Classification is the deterministic output of step 3 of the pipeline.
type Classification struct {
	Kind  Kind
	Risk  Risk
	Flags []string
}

// classify inspects the bounded view (already truncated to
// max_inspect_bytes) and assigns kind/risk/flags. Purely deterministic,
// no I/O, bounded CPU cost proportional to the view size.
func classify(envelopeType string, inspectView []byte) Classification {
	kind := kindForEnvelopeType(envelopeType)

	text := string(inspectView)
	var flags []string
	risk := RiskLow

	for _, pattern := range secretPatterns {
		if pattern.Match(inspectView) {
			flags = append(flags, FlagProbableSecret)
			risk = RiskHigh
			break
		}
	}

	if entropy := shannonEntropy(text); entropy >= entropyThreshold && len(text) >= 24 {
		flags = append(flags, FlagHighEntropy)
		if risk == RiskLow {
			risk = RiskMedium
		}
	}

	return Classification{Kind: kind, Risk: risk, Flags: flags}
}

func kindForEnvelopeType(envelopeType string) Kind {
	switch envelopeType {
	case "event", "private":
		return KindData
	case "command", "command_response":
		return KindControl
	case "telemetry":
		return KindTelemetry
	case "system":
		return KindSystem
	default:
		return KindUnknown
	}
}

// extractInspectView returns the JSON-encoded payload truncated to
// maxBytes, used as the bounded view for both classification and
// secret-pattern matching.
func extractInspectView(payload map[string]interface{}, maxBytes int) ([]byte, bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	truncated := false
	if maxBytes > 0 && len(data) > maxBytes {
		data = data[:maxBytes]
		truncated = true
	}
	return data, truncated
}
