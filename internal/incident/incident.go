// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package incident defines the incident record relayed from a status page feed
// and classifies its lifecycle status.
package incident

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Status is the lifecycle phase of an incident.
type Status int

// Known statuses. The zero value is Unknown.
const (
	Unknown Status = iota
	Investigating
	Identified
	Monitoring
	Resolved
)

var statusNames = [...]string{
	Unknown:       "Unknown",
	Investigating: "Investigating",
	Identified:    "Identified",
	Monitoring:    "Monitoring",
	Resolved:      "Resolved",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if strings.EqualFold(n, name) {
			return Status(s), nil
		}
	}
	return Unknown, fmt.Errorf("unknown status %q", name)
}

// MarshalText implements [encoding.TextMarshaler].
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// keywords in priority order: the first keyword present anywhere in the text
// decides, regardless of where in the text it appears.
var keywords = []struct {
	word   string
	status Status
}{
	{"resolved", Resolved},
	{"identified", Identified},
	{"monitoring", Monitoring},
	{"investigating", Investigating},
}

// Classify derives a status from free text.
func Classify(text string) Status {
	text = strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(text, kw.word) {
			return kw.status
		}
	}
	return Unknown
}

// Incident is one tracked item from the feed. Records are replaced wholesale
// in the store, never mutated field by field.
type Incident struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status Status `json:"status"`
	Body   string `json:"body,omitempty"`
	Link   string `json:"link,omitempty"`
	// MessageHandle identifies the channel message representing this
	// incident. Empty until the first successful post.
	MessageHandle string `json:"message_handle,omitempty"`
	// LastUpdated is the feed's own timestamp for the incident, kept verbatim
	// so that unparseable values can still be shown and retried.
	LastUpdated string `json:"last_updated,omitempty"`
}

// Time parses LastUpdated. See [ParseTime].
func (i *Incident) Time() (time.Time, error) { return ParseTime(i.LastUpdated) }

// Changed reports whether next differs from i in a way that warrants editing
// the posted message. Only status and title count; body rewording does not.
func (i *Incident) Changed(next *Incident) bool {
	return i.Status != next.Status || i.Title != next.Title
}

// layouts commonly seen in RSS and Atom feeds, tried after RFC 5322.
var layouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339Nano,
	time.RFC3339,
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

// ParseTime parses a feed timestamp such as "Fri, 18 Jul 2025 13:27:33 GMT".
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := mail.ParseDate(s); err == nil {
		return t, nil
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FormatTime formats t the way feeds do, for use as LastUpdated.
func FormatTime(t time.Time) string { return t.UTC().Format(time.RFC1123) }
