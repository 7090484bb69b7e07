package redact

// Placeholder kinds produced by the default rules.
const (
	KindPhone      = "phone"
	KindEmail      = "email"
	KindSSN        = "ssn"
	KindCard       = "card"
	KindIP         = "ip"
	KindCredential = "credential"
)

// DefaultRules returns the PII detectors followed by credential detectors.
// Order matters only for ties: when two matches start at the same offset
// the longer one wins.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:      "email",
			Kind:    KindEmail,
			Pattern: `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`,
		},
		{
			ID:      "us-ssn",
			Kind:    KindSSN,
			Pattern: `\b\d{3}-\d{2}-\d{4}\b`,
		},
		{
			ID:      "payment-card",
			Kind:    KindCard,
			Pattern: `\b(?:\d{4}[ -]?){3}\d{1,4}\b`,
		},
		{
			ID:      "phone",
			Kind:    KindPhone,
			Pattern: `(?:\+\d{1,3}[\s.-]?)?(?:\(\d{3}\)\s?|\b\d{3}[\s.-])?\b\d{3}[\s.-]\d{4}\b`,
		},
		{
			ID:      "ipv4",
			Kind:    KindIP,
			Pattern: `\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`,
		},
		{
			ID:       "generic-secret",
			Kind:     KindCredential,
			Pattern:  `(?i)(?:secret|password|passwd|pwd)\s*[:=]\s*['"]?([^\s'"]{8,})`,
			Keywords: []string{"secret", "password", "passwd", "pwd"},
		},
		{
			ID:       "generic-api-key",
			Kind:     KindCredential,
			Pattern:  `(?i)(?:api[_-]?key|apikey)\s*[:=]\s*['"]?([A-Za-z0-9_\-]{16,64})`,
			Keywords: []string{"api", "key"},
		},
		{
			ID:       "bearer-token",
			Kind:     KindCredential,
			Pattern:  `(?i)bearer\s+([A-Za-z0-9_\-\.=]{20,})`,
			Keywords: []string{"bearer"},
		},
		{
			ID:      "aws-access-key-id",
			Kind:    KindCredential,
			Pattern: `\b(?:AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16}\b`,
		},
		{
			ID:      "provider-api-key",
			Kind:    KindCredential,
			Pattern: `\bsk-(?:ant-)?[A-Za-z0-9_\-]{32,}`,
		},
		{
			ID:      "github-token",
			Kind:    KindCredential,
			Pattern: `\bgh[pousr]_[A-Za-z0-9]{36}\b`,
		},
		{
			ID:      "jwt",
			Kind:    KindCredential,
			Pattern: `\beyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`,
		},
		{
			ID:      "database-url",
			Kind:    KindCredential,
			Pattern: `(?i)(?:postgres|mysql|mongodb|redis|amqp)://[^:\s]+:[^@\s]+@\S+`,
		},
		{
			ID:      "private-key",
			Kind:    KindCredential,
			Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY-----`,
		},
	}
}
