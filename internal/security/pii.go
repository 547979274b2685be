// Package security scans request text before dispatch. Detectors find PII,
// embedded credentials, and prompt injection attempts; the scanner applies
// the configured action per detection kind and produces incident records
// that never carry the matched content.
package security

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Detection kinds. The kind doubles as the redaction placeholder prefix.
const (
	KindEmail     = "EMAIL"
	KindPhone     = "PHONE"
	KindSSN       = "SSN"
	KindCard      = "CARD"
	KindIP        = "IP"
	KindName      = "NAME"
	KindSecret    = "SECRET"
	KindInjection = "INJECTION"
)

// Severity levels.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Finding is a single detection span within the scanned text.
type Finding struct {
	Kind     string
	Severity string
	Start    int
	End      int
}

// pattern pairs a regexp with an optional validator that rejects matches
// the expression alone cannot distinguish.
type pattern struct {
	kind     string
	severity string
	re       *regexp.Regexp
	validate func(match string) bool
}

var piiPatterns = []pattern{
	{
		kind:     KindEmail,
		severity: SeverityMedium,
		re:       regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`),
	},
	{
		kind:     KindSSN,
		severity: SeverityCritical,
		re:       regexp.MustCompile(`\b\d{3}[- ]\d{2}[- ]\d{4}\b`),
		validate: validSSN,
	},
	{
		kind:     KindCard,
		severity: SeverityCritical,
		re:       regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
		validate: validCard,
	},
	{
		kind:     KindPhone,
		severity: SeverityMedium,
		re:       regexp.MustCompile(`\+[0-9]{1,3}[-.\s]?[0-9]{6,14}\b|\(\d{3}\)\s?\d{3}[-.\s]?\d{4}\b`),
		validate: validPhone,
	},
	{
		kind:     KindIP,
		severity: SeverityLow,
		re:       regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`),
		validate: publicIP,
	},
	{
		// Honorific followed by capitalized words is a name with high
		// confidence; the title is part of the span so redaction removes it.
		kind:     KindName,
		severity: SeverityMedium,
		re:       regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof|Rev)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?`),
	},
	{
		kind:     KindName,
		severity: SeverityLow,
		re:       regexp.MustCompile(`\b[A-Z][a-z]+\s+[A-Z][a-z]+\b`),
		validate: likelyName,
	},
}

// detectPII returns PII findings in order of appearance.
func detectPII(text string) []Finding {
	var findings []Finding
	for _, p := range piiPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			if p.validate != nil && !p.validate(match) {
				continue
			}
			findings = append(findings, Finding{
				Kind:     p.kind,
				Severity: p.severity,
				Start:    loc[0],
				End:      loc[1],
			})
		}
	}
	return findings
}

func digitsOf(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// validSSN rejects area 000/666/9xx and zero group or serial.
func validSSN(match string) bool {
	clean := digitsOf(match)
	if len(clean) != 9 {
		return false
	}
	area, _ := strconv.Atoi(clean[0:3])
	group, _ := strconv.Atoi(clean[3:5])
	serial, _ := strconv.Atoi(clean[5:9])
	if area == 0 || area == 666 || area >= 900 {
		return false
	}
	return group != 0 && serial != 0
}

// validCard requires a plausible length and a passing Luhn checksum.
func validCard(match string) bool {
	clean := digitsOf(match)
	if len(clean) < 13 || len(clean) > 19 {
		return false
	}
	return luhn(clean)
}

func luhn(number string) bool {
	sum := 0
	alternate := false
	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if alternate {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		alternate = !alternate
	}
	return sum%10 == 0
}

func validPhone(match string) bool {
	digits := digitsOf(match)
	if len(digits) < 7 || len(digits) > 15 {
		return false
	}
	// All-same-digit strings are never real numbers.
	for i := 1; i < len(digits); i++ {
		if digits[i] != digits[0] {
			return true
		}
	}
	return false
}

// nameStopwords are capitalized words that open sentences or name places,
// dates, and products far more often than people. A bigram containing one
// is not treated as a person name.
var nameStopwords = map[string]bool{
	"The": true, "This": true, "That": true, "These": true, "Those": true,
	"There": true, "Here": true, "Please": true, "Hello": true, "Dear": true,
	"Thanks": true, "Thank": true, "Best": true, "Kind": true, "Regards": true,
	"What": true, "When": true, "Where": true, "Which": true, "While": true,
	"Who": true, "Whose": true, "Why": true, "How": true, "Can": true,
	"Could": true, "Would": true, "Should": true, "Does": true, "Is": true,
	"Are": true, "Was": true, "Were": true, "Not": true, "And": true,
	"But": true, "For": true, "From": true, "With": true, "Our": true,
	"Your": true, "Their": true, "New": true, "San": true, "Los": true,
	"Las": true, "North": true, "South": true, "East": true, "West": true,
	"United": true, "States": true, "York": true, "City": true,
	"Monday": true, "Tuesday": true, "Wednesday": true, "Thursday": true,
	"Friday": true, "Saturday": true, "Sunday": true,
	"January": true, "February": true, "March": true, "April": true,
	"May": true, "June": true, "July": true, "August": true,
	"September": true, "October": true, "November": true, "December": true,
	"System": true, "User": true, "Assistant": true, "Model": true,
	"Request": true, "Response": true, "Error": true, "Internal": true,
}

// likelyName accepts a capitalized bigram only when neither word is a common
// non-name capitalized word. It is a heuristic; honorific matches carry the
// higher confidence.
func likelyName(match string) bool {
	for _, w := range strings.Fields(match) {
		if nameStopwords[w] {
			return false
		}
	}
	return true
}

// publicIP filters loopback, RFC1918 and broadcast addresses, which carry
// no personal information.
func publicIP(match string) bool {
	if match == "0.0.0.0" || match == "255.255.255.255" {
		return false
	}
	if strings.HasPrefix(match, "127.") || strings.HasPrefix(match, "10.") ||
		strings.HasPrefix(match, "192.168.") {
		return false
	}
	if strings.HasPrefix(match, "172.") {
		second, _ := strconv.Atoi(strings.Split(match, ".")[1])
		if second >= 16 && second <= 31 {
			return false
		}
	}
	return true
}
