// Package security screens caller input before it reaches the data store.
//
// The sanitizer is a denylist filter. It does not replace parameter binding;
// the executor binds every value as a driver argument regardless.
package security

import (
	"html"
	"regexp"
	"strings"
)

type marker struct {
	name string
	re   *regexp.Regexp
}

var (
	// markers stripped after HTML escaping, in this order
	injectionMarkers = []marker{
		{"union select", regexp.MustCompile(`(?i)union\s+(?:all\s+)?select`)},
		{"drop table", regexp.MustCompile(`(?i)drop\s+table`)},
		{"--", regexp.MustCompile(`--`)},
		{";", regexp.MustCompile(`;`)},
		{"#", regexp.MustCompile(`#`)},
		{"javascript:", regexp.MustCompile(`(?i)javascript\s*:`)},
		{"event handler", regexp.MustCompile(`(?i)\bon(?:load|error|click|dblclick|focus|blur|submit|change|input|key[a-z]*|mouse[a-z]*)\s*=`)},
	}

	// markup removed before escaping, while the tags are still recognizable
	scriptBlock = regexp.MustCompile(`(?is)<\s*script\b[^>]*>.*?<\s*/\s*script\s*>`)
	markupTag   = regexp.MustCompile(`(?is)<\s*/?\s*(?:script|iframe|object|embed|style|link|meta)\b[^>]*>`)

	// entity references produced by html.EscapeString
	entity = regexp.MustCompile(`&(?:#[0-9]+|[a-zA-Z]+);`)
)

// Sanitizer cleans strings nested anywhere inside caller-supplied values.
type Sanitizer struct{}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

// Sanitize walks strings, slices and maps; every other value is returned as is.
func (s *Sanitizer) Sanitize(input interface{}) interface{} {
	switch v := input.(type) {
	case string:
		return s.SanitizeString(v)
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = s.SanitizeString(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = s.Sanitize(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			out[s.SanitizeString(k)] = s.SanitizeString(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[s.SanitizeString(k)] = s.Sanitize(item)
		}
		return out
	default:
		return input
	}
}

// SanitizeString HTML-escapes v and strips injection markers. Stripping repeats
// until nothing changes so removals cannot assemble a new marker.
func (s *Sanitizer) SanitizeString(v string) string {
	v = scriptBlock.ReplaceAllString(v, "")
	v = markupTag.ReplaceAllString(v, "")
	v = html.EscapeString(v)

	// entities are kept intact; markers are stripped from the text between them
	var b strings.Builder
	last := 0
	for _, loc := range entity.FindAllStringIndex(v, -1) {
		b.WriteString(stripMarkers(v[last:loc[0]]))
		b.WriteString(v[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(stripMarkers(v[last:]))
	return b.String()
}

func stripMarkers(segment string) string {
	for {
		before := segment
		for _, m := range injectionMarkers {
			segment = m.re.ReplaceAllString(segment, "")
		}
		if segment == before {
			return segment
		}
	}
}

// Detect reports the first injection marker or markup pattern found in v.
func (s *Sanitizer) Detect(v string) (string, bool) {
	if scriptBlock.MatchString(v) || markupTag.MatchString(v) {
		return "markup", true
	}
	for _, m := range injectionMarkers {
		if m.re.MatchString(v) {
			return m.name, true
		}
	}
	return "", false
}
