package middleware

import (
	"regexp"
	"sort"
	"strings"
)

// DetectorMatch is a single detection hit.
type DetectorMatch struct {
	Type  string
	Value string
	Start int
	End   int
}

// Detector scans text for PII and credentials.
type Detector struct {
	patterns []namedRegex
}

type namedRegex struct {
	name string
	re   *regexp.Regexp
}

var builtinPatterns = map[string]*regexp.Regexp{
	"email":            regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
	"phone":            regexp.MustCompile(`(?:\+\d{1,3}[\s\-]?)?\(?\d{2,4}\)?[\s\-]?\d{3,4}[\s\-]?\d{3,4}\b`),
	"credit_card":      regexp.MustCompile(`\b(?:\d{4}[\s\-]?){3}\d{4}\b`),
	"api_key":          regexp.MustCompile(`\b(?:sk-[A-Za-z0-9]{20,}|AKIA[A-Z0-9]{16}|ghp_[A-Za-z0-9]{36}|xox[abp]-[A-Za-z0-9\-]{10,})\b`),
	"bearer_token":     regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	"private_key":      regexp.MustCompile(`-----BEGIN\s+[A-Z\s]*PRIVATE\s+KEY-----`),
	"password_literal": regexp.MustCompile(`(?i)(?:password|passwd|pwd)\s*[:=]\s*\S+`),
}

// secretTypes are safe to redact inside JSON output: none of their patterns
// can swallow a closing quote.
var secretTypes = []string{"api_key", "bearer_token", "private_key"}

// NewDetector builds a detector for the named built-in types. Unknown names
// are ignored. Types are applied in sorted order so redaction is stable.
func NewDetector(types []string) *Detector {
	names := append([]string(nil), types...)
	sort.Strings(names)
	d := &Detector{}
	for _, name := range names {
		if re, ok := builtinPatterns[name]; ok {
			d.patterns = append(d.patterns, namedRegex{name: name, re: re})
		}
	}
	return d
}

// Scan returns every match in text.
func (d *Detector) Scan(text string) []DetectorMatch {
	var matches []DetectorMatch
	for _, nr := range d.patterns {
		for _, loc := range nr.re.FindAllStringIndex(text, -1) {
			matches = append(matches, DetectorMatch{Type: nr.name, Value: text[loc[0]:loc[1]], Start: loc[0], End: loc[1]})
		}
	}
	return matches
}

// Redact replaces every match with [REDACTED:<TYPE>].
func (d *Detector) Redact(text string) string {
	for _, nr := range d.patterns {
		text = nr.re.ReplaceAllString(text, "[REDACTED:"+strings.ToUpper(nr.name)+"]")
	}
	return text
}

// ContainsKeywords returns the keywords found in text, case-insensitively.
func ContainsKeywords(text string, keywords []string) []string {
	lower := strings.ToLower(text)
	var found []string
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			found = append(found, kw)
		}
	}
	return found
}

func matchTypes(matches []DetectorMatch) []string {
	seen := make(map[string]bool)
	var types []string
	for _, m := range matches {
		if !seen[m.Type] {
			seen[m.Type] = true
			types = append(types, m.Type)
		}
	}
	return types
}
