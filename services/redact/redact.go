// Package redact masks credentials in free text before it is stored, published
// to viewers or written to the audit trail.
package redact

import (
	"regexp"
	"sort"
)

// Kind names the class of a detected secret
type Kind string

const (
	KindAWSKey           Kind = "aws_key"
	KindGCPKey           Kind = "gcp_key"
	KindJWT              Kind = "jwt"
	KindPrivateKey       Kind = "private_key"
	KindSlackToken       Kind = "slack_token"
	KindGitHubToken      Kind = "github_token"
	KindStripeKey        Kind = "stripe_key"
	KindAnthropicKey     Kind = "anthropic_key"
	KindOpenAIKey        Kind = "openai_key"
	KindDatabaseURL      Kind = "database_url"
	KindConnectionString Kind = "connection_string"
	KindPassword         Kind = "password"
	KindToken            Kind = "token"
)

// Match is one secret found in a text
type Match struct {
	Kind       Kind
	Start      int
	End        int
	Confidence float64
}

type rule struct {
	kind       Kind
	pattern    *regexp.Regexp
	group      int // capture group holding the secret; 0 is the whole match
	confidence float64
}

var rules = []rule{
	{KindPrivateKey, regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|OPENSSH\s+|EC\s+|DSA\s+)?PRIVATE\s+KEY-----`), 0, 1.0},
	{KindAWSKey, regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), 0, 0.95},
	{KindGCPKey, regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{35}\b`), 0, 0.95},
	{KindSlackToken, regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`), 0, 0.95},
	{KindGitHubToken, regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), 0, 0.95},
	{KindStripeKey, regexp.MustCompile(`\b[sr]k_(?:live|test)_[0-9a-zA-Z]{24,}\b`), 0, 0.95},
	{KindAnthropicKey, regexp.MustCompile(`\bsk-ant-[A-Za-z0-9\-_]{20,}`), 0, 0.95},
	{KindOpenAIKey, regexp.MustCompile(`\bsk-(?:proj-)?[A-Za-z0-9\-_]{32,}`), 0, 0.9},
	{KindJWT, regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`), 0, 0.9},
	{KindDatabaseURL, regexp.MustCompile(`(?i)\b(?:postgres|postgresql|mysql|mongodb|redis|rediss)://[^\s'"/:@]+:[^\s'"@]+@[^\s'"]+`), 0, 0.9},
	{KindConnectionString, regexp.MustCompile(`(?i)(?:Server|Data\s+Source)=[^;]+;.*?Password=[^;\s]+`), 0, 0.85},
	{KindPassword, regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[:=]\s*['"]?([^\s'"]{6,})`), 1, 0.7},
	{KindToken, regexp.MustCompile(`(?i)\b(?:api[_\-]?key|access[_\-]?token|token|secret)\s*[:=]\s*['"]?([A-Za-z0-9_\-\.]{16,})`), 1, 0.65},
	{KindToken, regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9_\-\.=]{16,})`), 1, 0.65},
}

// Find returns the non-overlapping secrets in text ordered by position.
// Where two detections overlap the more confident one wins.
func Find(text string) []Match {
	var found []Match
	for _, r := range rules {
		for _, idx := range r.pattern.FindAllStringSubmatchIndex(text, -1) {
			start, end := idx[2*r.group], idx[2*r.group+1]
			if start < 0 {
				continue
			}
			found = append(found, Match{Kind: r.kind, Start: start, End: end, Confidence: r.confidence})
		}
	}
	if len(found) == 0 {
		return nil
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].Confidence > found[j].Confidence
	})

	var kept []Match
	for _, m := range found {
		overlaps := false
		for _, k := range kept {
			if m.Start < k.End && k.Start < m.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, m)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// Contains reports whether text holds any recognizable secret
func Contains(text string) bool {
	return len(Find(text)) > 0
}

// String replaces every secret in text with a [KIND_REDACTED] marker
func String(text string) string {
	matches := Find(text)
	if len(matches) == 0 {
		return text
	}

	out := make([]byte, 0, len(text))
	last := 0
	for _, m := range matches {
		out = append(out, text[last:m.Start]...)
		out = append(out, marker(m.Kind)...)
		last = m.End
	}
	out = append(out, text[last:]...)
	return string(out)
}

func marker(kind Kind) string {
	return "[" + upper(string(kind)) + "_REDACTED]"
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
