package observability

import (
	"regexp"
	"strings"
)

const credentialRedacted = "[CREDENTIAL_REDACTED]"

// Credential formats that may surface in upstream error text, URLs or span
// attributes on the Azure and Bedrock paths.
var credentialPatterns = []*regexp.Regexp{
	// AWS access key ids (long-term and STS session keys).
	regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`),
	// SigV4 signatures and session tokens in headers or presigned queries.
	regexp.MustCompile(`(?i)\b(?:Signature|X-Amz-Signature)=[a-f0-9]{64}\b`),
	regexp.MustCompile(`(?i)\bX-Amz-Security-Token[=:]\s*[A-Za-z0-9%/+=]{16,}`),
	// Bearer tokens, including Bedrock API keys forwarded as bearer.
	regexp.MustCompile(`(?i)\bBearer\s+[a-z0-9_.\-/+=]{8,}`),
	// Azure api-key header values.
	regexp.MustCompile(`(?i)\bapi-key[=:]\s*[a-z0-9]{16,}\b`),
	// DSN secrets: password=..., secret=..., token=...
	regexp.MustCompile(`(?i)\b(?:password|secret|token)\s*=\s*\S{4,}`),
	// user:password@ in connection URLs.
	regexp.MustCompile(`://[^:/@\s]+:[^@\s]{3,}@`),
}

// ContainsCredential reports whether s matches a known credential pattern.
func ContainsCredential(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, p := range credentialPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// ScrubCredentials replaces credential patterns in s. Clean input is
// returned unchanged.
func ScrubCredentials(s string) string {
	if len(s) < 8 {
		return s
	}
	result := s
	changed := false
	for _, p := range credentialPatterns {
		if p.MatchString(result) {
			result = p.ReplaceAllString(result, credentialRedacted)
			changed = true
		}
	}
	if !changed {
		return s
	}
	return strings.TrimSpace(result)
}
