// Package masking detects and redacts secret-shaped values (API keys,
// tokens, passwords, certificates) in free text before it is logged or
// returned to callers.
package masking

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
)

// pattern is one built-in detection rule.
type pattern struct {
	Name        string
	Regex       string
	Replacement string
	Description string
}

// builtinPatterns are applied in name order so masking is deterministic.
var builtinPatterns = []pattern{
	{
		Name:        "api_key",
		Regex:       `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`,
		Replacement: `api_key: [MASKED_API_KEY]`,
		Description: "API keys",
	},
	{
		Name:        "password",
		Regex:       `(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
		Replacement: `password: [MASKED_PASSWORD]`,
		Description: "Passwords",
	},
	{
		Name:        "certificate",
		Regex:       `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
		Replacement: `[MASKED_CERTIFICATE]`,
		Description: "PEM certificates and keys",
	},
	{
		Name:        "token",
		Regex:       `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
		Replacement: `token: [MASKED_TOKEN]`,
		Description: "Access tokens",
	},
	{
		Name:        "ssh_key",
		Regex:       `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
		Replacement: `[MASKED_SSH_KEY]`,
		Description: "SSH public keys",
	},
	{
		Name:        "connection_string",
		Regex:       `(?i)\b[a-z][a-z0-9+]*://[^:\s]+:([^@\s]+)@`,
		Replacement: `[MASKED_CONNECTION_STRING]`,
		Description: "Connection strings with embedded credentials",
	},
}

// compiledPattern pairs a built-in rule with its compiled regex.
type compiledPattern struct {
	pattern
	re *regexp.Regexp
}

// Finding is one detected secret-shaped value. The preview never includes
// the full match.
type Finding struct {
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
	Preview     string `json:"preview"`
	Offset      int    `json:"offset"`
}

// Masker applies the built-in patterns to detect or redact secrets.
type Masker struct {
	patterns []compiledPattern
}

// NewMasker compiles the built-in pattern set. Invalid patterns are logged
// and skipped (defensive; the built-ins are tested).
func NewMasker() *Masker {
	m := &Masker{}
	for _, p := range builtinPatterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping", "pattern", p.Name, "error", err)
			continue
		}
		m.patterns = append(m.patterns, compiledPattern{pattern: p, re: re})
	}
	sort.Slice(m.patterns, func(i, j int) bool { return m.patterns[i].Name < m.patterns[j].Name })
	return m
}

// Mask replaces every detected secret with its masked marker.
func (m *Masker) Mask(text string) string {
	for _, p := range m.patterns {
		text = p.re.ReplaceAllString(text, p.Replacement)
	}
	return text
}

// Detect reports secret-shaped values without altering the text. Previews are
// truncated so findings are safe to log.
func (m *Masker) Detect(text string) []Finding {
	var findings []Finding
	for _, p := range m.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			findings = append(findings, Finding{
				Pattern:     p.Name,
				Description: p.Description,
				Preview:     preview(text[loc[0]:loc[1]]),
				Offset:      loc[0],
			})
		}
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].Offset < findings[j].Offset })
	return findings
}

// preview keeps the first few characters of a match and elides the rest.
func preview(match string) string {
	const keep = 8
	if len(match) <= keep {
		return match
	}
	return fmt.Sprintf("%s… (%d chars)", match[:keep], len(match))
}
