package uco

import (
	"regexp"
)

// FilteredContentMarker replaces outbound text that matches a prompt
// injection pattern. The content is filtered, not rejected:
// the turn is still sent, without the hostile text.
const FilteredContentMarker = "[filtered]"

// role prefix spoofing and instruction override phrasing.
// matched against user originated text before it leaves the client.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(system|assistant|developer|tool)\s*:`),
	regexp.MustCompile(`(?i)ignore\s+(all\s+|any\s+)?(previous|prior|above)\s+(instructions|messages|context|prompts)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+|any\s+)?(previous|prior|above)`),
	regexp.MustCompile(`(?i)forget\s+(everything|all)\s+(previous|prior|above)`),
	regexp.MustCompile(`(?i)new\s+system\s+prompt`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?(developer|unrestricted|jailbreak)`),
}

func SanitizeContent(content string) string {
	for _, pattern := range injectionPatterns {
		if pattern.MatchString(content) {
			return FilteredContentMarker
		}
	}
	return content
}

// sanitizeValues filters every string value of an outbound field mapping.
// non-string values pass through untouched.
func sanitizeValues(values map[string]any) map[string]any {
	sanitized := make(map[string]any, len(values))
	for key, value := range values {
		if text, ok := value.(string); ok {
			sanitized[key] = SanitizeContent(text)
		} else {
			sanitized[key] = value
		}
	}
	return sanitized
}
