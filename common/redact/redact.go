// Package redact strips credentials from log output before it leaves the
// process.
//
// Hibiki holds three long-lived secrets: the platform bot credential, the
// Matrix access token and the completion API key. The Telegram Bot API puts the
// bot token into every request URL, so any *url.Error from net/http carries it
// verbatim. Every error that reaches a log call passes through a Redactor.
package redact

import (
	"strings"
	"sync"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Redactor remembers a set of secrets registered at startup and scrubs them
// from arbitrary strings. The zero value is usable and redacts nothing.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

// New returns a Redactor for the given secrets. Blank values are ignored.
func New(secrets ...string) *Redactor {
	r := &Redactor{}
	r.Add(secrets...)
	return r
}

// Add registers more secrets.
func (r *Redactor) Add(secrets ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			r.secrets = append(r.secrets, s)
		}
	}
}

// String scrubs every registered secret from s.
func (r *Redactor) String(s string) string {
	if r == nil {
		return s
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return String(s, r.secrets...)
}

// Err returns the scrubbed error text, or "" for a nil error.
func (r *Redactor) Err(err error) string {
	if err == nil {
		return ""
	}
	return r.String(err.Error())
}

