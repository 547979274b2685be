package security

import (
	"math"
	"regexp"
)

// Credential patterns. Entropy-gated patterns only fire when the captured
// value looks random enough to be a real secret, which keeps placeholder
// strings like "your-api-key-here" out of the incident stream.
var secretPatterns = []struct {
	re         *regexp.Regexp
	group      int     // capture group holding the secret value, 0 = whole match
	minEntropy float64 // 0 = no gate
}{
	// AWS access key id
	{re: regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	// Bearer tokens and JWTs
	{re: regexp.MustCompile(`\bBearer\s+([A-Za-z0-9\-._~+/]{20,})`), group: 1, minEntropy: 3.0},
	{re: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{5,}\b`)},
	// PEM private key blocks
	{re: regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |PGP )?PRIVATE KEY-----`)},
	// Generic assignment: api_key = "...", secret: '...', token=...
	{
		re:         regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret|token|passwd|password)\s*[:=]\s*["']?([A-Za-z0-9\-._~+/]{16,})["']?`),
		group:      1,
		minEntropy: 3.5,
	},
}

// detectSecrets returns credential findings in order of appearance.
func detectSecrets(text string) []Finding {
	var findings []Finding
	for _, p := range secretPatterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if p.group > 0 {
				gs, ge := loc[2*p.group], loc[2*p.group+1]
				if gs < 0 {
					continue
				}
				if p.minEntropy > 0 && shannonEntropy(text[gs:ge]) < p.minEntropy {
					continue
				}
			}
			findings = append(findings, Finding{
				Kind:     KindSecret,
				Severity: SeverityCritical,
				Start:    start,
				End:      end,
			})
		}
	}
	return findings
}

// shannonEntropy returns the per-character entropy of s in bits.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[rune]int)
	for _, r := range s {
		freq[r]++
	}
	n := float64(len([]rune(s)))
	var entropy float64
	for _, count := range freq {
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
