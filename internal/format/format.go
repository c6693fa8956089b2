// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package format renders incidents as chat messages.
package format

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"go.astrophena.name/statusrelay/internal/incident"
)

// Style selects the markup dialect of the rendered text.
type Style int

const (
	// Markdown is Telegram's legacy Markdown parse mode.
	Markdown Style = iota
	// Mrkdwn is Slack's message markup.
	Mrkdwn
)

// maxDescription is the longest description kept, in runes. Telegram rejects
// messages over 4096 characters.
const maxDescription = 3000

var emoji = map[incident.Status]string{
	incident.Resolved:      "✅",
	incident.Identified:    "🔍",
	incident.Monitoring:    "👀",
	incident.Investigating: "🔎",
	incident.Unknown:       "❓",
}

var (
	statusPrefixRe = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`(?i)^status:\s*(resolved|identified|monitoring|investigating)\s*`)
	})
	componentStateRe = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`\s*\([^)]*\)\s*$`)
	})
)

// Formatter renders incidents in one [Style].
type Formatter struct {
	Style Style
	// Now is used when the incident carries no parseable timestamp. If nil,
	// time.Now is used.
	Now func() time.Time
}

// Format renders inc as message text.
func (f *Formatter) Format(inc *incident.Incident) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "🚨 %s\n\n", f.bold("INCIDENT: "+inc.Title))
	fmt.Fprintf(&sb, "%s %s %s\n", emoji[inc.Status], f.bold("Status:"), inc.Status)
	if inc.Status != incident.Resolved {
		fmt.Fprintf(&sb, "⚠️ %s %s\n", f.bold("Impact:"), Impact(inc.Title))
	}

	desc, components := Clean(inc.Body)
	if desc != "" {
		fmt.Fprintf(&sb, "📝 %s %s\n", f.bold("Description:"), f.escape(truncate(desc, maxDescription)))
	}
	if len(components) > 0 {
		fmt.Fprintf(&sb, "\n🛠️ %s\n", f.bold("Affected Components:"))
		for _, c := range components {
			fmt.Fprintf(&sb, "  • %s\n", f.escape(c))
		}
	}

	if inc.Link != "" {
		fmt.Fprintf(&sb, "\n🔗 %s\n", f.link("View Details", inc.Link))
	}

	fmt.Fprintf(&sb, "\n⏰ %s", f.italic("Updated: "+f.updated(inc).Format("2006-01-02 15:04 UTC")))
	return sb.String()
}

func (f *Formatter) updated(inc *incident.Incident) time.Time {
	if t, err := inc.Time(); err == nil {
		return t.UTC()
	}
	if f.Now != nil {
		return f.Now().UTC()
	}
	return time.Now().UTC()
}

// Telegram's legacy Markdown allows no escapes inside an entity, so the
// delimiter is dropped from the enclosed text instead.

func (f *Formatter) bold(s string) string {
	if f.Style == Mrkdwn {
		return "*" + mrkdwnEscaper.Replace(s) + "*"
	}
	return "*" + strings.ReplaceAll(s, "*", "") + "*"
}

func (f *Formatter) italic(s string) string {
	if f.Style == Mrkdwn {
		return "_" + mrkdwnEscaper.Replace(s) + "_"
	}
	return "_" + strings.ReplaceAll(s, "_", " ") + "_"
}

func (f *Formatter) link(text, url string) string {
	if f.Style == Mrkdwn {
		return "<" + url + "|" + mrkdwnEscaper.Replace(text) + ">"
	}
	return "[" + strings.ReplaceAll(text, "]", "") + "](" + url + ")"
}

var (
	markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)
	mrkdwnEscaper   = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
)

func (f *Formatter) escape(s string) string {
	if f.Style == Mrkdwn {
		return mrkdwnEscaper.Replace(s)
	}
	return markdownEscaper.Replace(s)
}

// Impact estimates how bad an ongoing incident is from its title.
func Impact(title string) string {
	title = strings.ToLower(title)
	if strings.Contains(title, "intermittent") || strings.Contains(title, "some") {
		return "🟡 Medium"
	}
	return "🔴 High"
}

// Clean converts a status page HTML description to plain text. The
// "Affected components" list is removed from the text and returned
// separately, without the per-component state in parentheses.
func Clean(html string) (text string, components []string) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return collapse(html), nil
	}

	doc.Find("b, strong").Each(func(_ int, s *goquery.Selection) {
		if !strings.EqualFold(strings.TrimSpace(s.Text()), "Affected components") {
			return
		}
		list := s.NextAllFiltered("ul").First()
		list.Find("li").Each(func(_ int, li *goquery.Selection) {
			name := componentStateRe().ReplaceAllString(strings.TrimSpace(li.Text()), "")
			if name != "" {
				components = append(components, name)
			}
		})
		list.Remove()
		s.Remove()
	})

	// Keep words from adjacent block elements apart.
	doc.Find("br").ReplaceWithHtml(" ")
	doc.Find("p, div, li, small").AppendHtml(" ")

	text = collapse(doc.Text())
	text = statusPrefixRe().ReplaceAllString(text, "")
	return strings.TrimSpace(text), components
}

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
