package assistant

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxQueryLength bounds user input before it reaches any agent.
const MaxQueryLength = 250

// forbiddenPatterns reject prompt injection, index-metadata probing and
// credential fishing. All matching is case-insensitive against the trimmed
// input.
var forbiddenPatterns = compilePatterns([]string{
	// role impersonation prefixes
	`^\s*(system|assistant|user|role|content)\s*:`,
	// jailbreak phrases
	`\bignore\s+previous\b`,
	`\bignore\s+above\b`,
	`\bforget\s+everything\b`,
	`\byou\s+are\s+now\b`,
	`\bact\s+as\b`,
	`\bpretend\s+to\s+be\b`,
	// search-index metadata leakage
	`_source\b`,
	`_index\b`,
	`_id\b`,
	`_score\b`,
	`_shards\b`,
	`\bsettings\b`,
	`\bmappings\b`,
	`\banalyzer\b`,
	`\btokenizer\b`,
	// credential and bypass phrases
	`\bprovide\s+(the\s+)?credentials\b`,
	`\b(access|admin|login|password|username)\s+(to|for)\s+(your\s+)?(database|system|account)\b`,
	`\bgive\s+me\s+access\b`,
	`\bbypass\s+(authentication|security|rules|restrictions|limitations)\b`,
	`\bdisable\s+security\b`,
	`\bauth\s+token\b`,
	`\bapi[\s-]?key\b`,
	`\bsecret[\s-]?key\b`,
	`\bauthorization\s+header\b`,
	// obedience coercion
	`\bfollow\s+my\s+orders\b`,
	`\bdo\s+not\s+consider\s+(any\s+)?rules\b`,
	`\bstrictly\s+bypass\b`,
	`\bignore\s+(all\s+)?(rules|restrictions|limitations)\b`,
})

func compilePatterns(raw []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(raw))
	for i, p := range raw {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// ValidateQuery is a pure pre-filter over the user string. It returns the
// trimmed input, ErrQueryTooLong when over the length bound, or
// ErrMaliciousInput when any forbidden pattern matches.
func ValidateQuery(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	// The bound is characters, not bytes; multibyte input counts per rune.
	if utf8.RuneCountInString(trimmed) > MaxQueryLength {
		return "", fmt.Errorf("input exceeds %d characters: %w", MaxQueryLength, ErrQueryTooLong)
	}
	for _, re := range forbiddenPatterns {
		if re.MatchString(trimmed) {
			return "", ErrMaliciousInput
		}
	}
	return trimmed, nil
}
