package credentials

import "strings"

// Placeholder replaces every secret occurrence in redacted text.
const Placeholder = "[REDACTED]"

// minSecretLen keeps trivially short values out of the replacer so lines are
// not shredded by accidental matches.
const minSecretLen = 4

// Redactor rewrites known secret values out of log lines before they reach
// any sink. It is safe for concurrent use.
type Redactor struct {
	replacer *strings.Replacer
}

// NewRedactor builds a redactor over the given secret values. Empty and very
// short values are ignored.
func NewRedactor(secrets ...string) *Redactor {
	pairs := make([]string, 0, len(secrets)*2)
	for _, s := range secrets {
		if len(s) < minSecretLen {
			continue
		}
		pairs = append(pairs, s, Placeholder)
	}
	if len(pairs) == 0 {
		return &Redactor{}
	}
	return &Redactor{replacer: strings.NewReplacer(pairs...)}
}

// Redact returns line with every known secret replaced by the placeholder.
func (r *Redactor) Redact(line string) string {
	if r == nil || r.replacer == nil {
		return line
	}
	return r.replacer.Replace(line)
}

// RedactAll applies Redact to each line in place and returns the slice.
func (r *Redactor) RedactAll(lines []string) []string {
	if r == nil || r.replacer == nil {
		return lines
	}
	for i, line := range lines {
		lines[i] = r.replacer.Replace(line)
	}
	return lines
}
