package casil

import "regexp"

// redactPayload applies a matched rule's field and pattern redactions to
// the original (untruncated) payload, producing the form stored in
// history/telemetry when the outcome is ALLOW_WITH_REDACTION.
func redactPayload(payload map[string]interface{}, rule Rule, snap *Snapshot) map[string]interface{} {
	if payload == nil {
		return nil
	}

	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}

	for _, field := range rule.RedactFields {
		if _, ok := out[field]; ok {
			out[field] = "[REDACTED]"
		}
	}

	patterns := make([]*regexp.Regexp, 0, len(rule.RedactPatterns)+len(snap.compiledRedactions))
	for _, p := range rule.RedactPatterns {
		if re, err := regexp.Compile(p); err == nil {
			patterns = append(patterns, re)
		}
	}
	patterns = append(patterns, snap.compiledRedactions...)

	for k, v := range out {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, re := range patterns {
			s = re.ReplaceAllString(s, "[REDACTED]")
		}
		out[k] = s
	}

	return out
}
