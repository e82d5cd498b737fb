package domain

import (
	"regexp"
	"time"
)

// Fingerprint is a browser/device fingerprint recorded for a user at login.
// The newest one by UpdatedAt identifies the device a real-time session belongs to.
type Fingerprint struct {
	ID        string
	UserID    string
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserAgent returns Data["userAgent"] or "" when missing or not a string.
func (f *Fingerprint) UserAgent() string {
	if f == nil {
		return ""
	}
	ua, _ := f.Data["userAgent"].(string)
	return ua
}

type browserPattern struct {
	name string
	re   *regexp.Regexp
}

// Order matters: Edge and Opera user agents also contain "Chrome/" and "Safari/".
var browserPatterns = []browserPattern{
	{"Microsoft Edge", regexp.MustCompile(`Edg/(\S+)(?:\s|$)`)},
	{"Opera", regexp.MustCompile(`OPR/(\S+)(?:\s|$)`)},
	{"Firefox", regexp.MustCompile(`Firefox/(\S+)(?:\s|$)`)},
	{"Chrome", regexp.MustCompile(`Chrome/(\S+)(?:\s|$)`)},
	{"Safari", regexp.MustCompile(`Safari/(\S+)(?:\s|$)`)},
}

// BrowserVersion returns e.g. "Chrome 120.0.0.0" for the fingerprint's user agent, or "" if no known browser matches.
func (f *Fingerprint) BrowserVersion() string {
	ua := f.UserAgent()
	if ua == "" {
		return ""
	}
	for _, p := range browserPatterns {
		if m := p.re.FindStringSubmatch(ua); m != nil {
			return p.name + " " + m[1]
		}
	}
	return ""
}
