package partstream

import "regexp"

// secretKeyPattern matches tool-input keys that look like credentials, the
// way original_source's redaction helpers flag token/secret/password/
// api_key/auth fields case-insensitively.
var secretKeyPattern = regexp.MustCompile(`(?i)(token|secret|password|api[_-]?key|auth)`)

const redactedPlaceholder = "[redacted]"

// RedactToolInput returns a copy of input with secret-like keys replaced by
// a fixed placeholder before the payload is attached to a PartRecord.
func RedactToolInput(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	redacted := make(map[string]any, len(input))
	for k, v := range input {
		if secretKeyPattern.MatchString(k) {
			redacted[k] = redactedPlaceholder
			continue
		}
		redacted[k] = v
	}
	return redacted
}
