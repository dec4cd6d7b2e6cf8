package health

import "regexp"

// Replacements run in order: whole URLs go before the paths and addresses
// inside them.
var redactions = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`(?i)(password|passwd|token|secret|credential)s?\s*[:=]\s*[^,\s}]+`), "[REDACTED]"},
	{regexp.MustCompile(`(?:https?|nats|redis|wss?)://\S+`), "[URL]"},
	{regexp.MustCompile(`/[\w/.-]+`), "[PATH]"},
	{regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`), "[IP]"},
	{regexp.MustCompile(`:\d{2,5}\b`), "[PORT]"},
}

// redact strips credentials, addresses and file paths from msg.
func redact(msg string) string {
	for _, r := range redactions {
		msg = r.re.ReplaceAllString(msg, r.with)
	}
	return msg
}
