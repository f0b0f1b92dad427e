package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor scrubs credentials from serialized log records.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor that knows the gateway's credential formats.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Gateway shared secret and auth tokens as JSON fields or key=value pairs.
			regexp.MustCompile(`"(auth_secret|secret|token|signature)"\s*:\s*"[^"]*"`),
			regexp.MustCompile(`\b(auth_secret|secret|token|signature)=[^\s"&]+`),

			regexp.MustCompile(`Bearer\s+[A-Za-z0-9._~+/=-]+`),

			// Hex encoded HMAC-SHA256 signatures.
			regexp.MustCompile(`\b[a-f0-9]{64}\b`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact replaces every match with a placeholder. Field matches keep their key so records stay
// valid JSON.
func (r *Redactor) Redact(s string) string {
	for i, pattern := range r.patterns {
		switch i {
		case 0:
			s = pattern.ReplaceAllString(s, `"$1":"`+redacted+`"`)
		case 1:
			s = pattern.ReplaceAllString(s, `$1=`+redacted)
		default:
			s = pattern.ReplaceAllString(s, redacted)
		}
	}
	return s
}

// Wrap returns a writer that redacts before writing to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success; zerolog treats a short count as an error.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
