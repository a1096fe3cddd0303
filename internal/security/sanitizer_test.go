package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeString_StripsMarkers(t *testing.T) {
	s := NewSanitizer()

	tests := []struct {
		name    string
		input   string
		markers []string
	}{
		{"statement terminator and comment", "1; DROP TABLE users--", []string{";", "--", "drop table"}},
		{"union select", "x' UNION   SELECT password FROM users", []string{"union select"}},
		{"union all select", "1 union all select 1", []string{"union"}},
		{"hash comment", "admin'#", []string{"#"}},
		{"assembled by removal", "dr--op table accounts", []string{"drop table", "--"}},
		{"script block", `<script>alert("x")</script>hello`, []string{"<script", "alert"}},
		{"javascript url", "javascript:alert(1)", []string{"javascript:"}},
		{"event handler", `<img src=x onerror=alert(1)>`, []string{"onerror="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := strings.ToLower(s.SanitizeString(tt.input))
			for _, m := range tt.markers {
				assert.NotContains(t, stripEntities(out), m)
			}
		})
	}
}

func TestSanitizeString_CleanInputOnlyEscaped(t *testing.T) {
	s := NewSanitizer()

	assert.Equal(t, "active", s.SanitizeString("active"))
	assert.Equal(t, "hello world 42", s.SanitizeString("hello world 42"))
	assert.Equal(t, "O&#39;Brien &amp; Sons", s.SanitizeString("O'Brien & Sons"))
	assert.Equal(t, "a &lt; b", s.SanitizeString("a < b"))
}

func TestSanitizeString_EntitiesCannotSmuggleMarkers(t *testing.T) {
	s := NewSanitizer()
	out := s.SanitizeString("&#59;")
	assert.Equal(t, "&amp;59", out)
}

func TestSanitizeString_MarkersStrippedAroundEscapes(t *testing.T) {
	s := NewSanitizer()
	// ';' and '#' remain only inside the entities the escaper produced
	assert.Equal(t, "ab&#39;", s.SanitizeString("a;b'"))
	assert.Equal(t, "x&amp;y", s.SanitizeString("x#&;y"))
}

func TestSanitize_Recurses(t *testing.T) {
	s := NewSanitizer()
	in := map[string]interface{}{
		"name": "bob; --",
		"tags": []interface{}{"a#", 3, map[string]string{"k": "v;"}},
		"n":    42,
	}

	out := s.Sanitize(in).(map[string]interface{})
	assert.Equal(t, "bob ", out["name"])
	assert.Equal(t, 42, out["n"])
	tags := out["tags"].([]interface{})
	assert.Equal(t, "a", tags[0])
	assert.Equal(t, 3, tags[1])
	assert.Equal(t, map[string]string{"k": "v"}, tags[2])
}

func TestDetect(t *testing.T) {
	s := NewSanitizer()

	m, ok := s.Detect("SELECT 1; DELETE FROM t")
	assert.True(t, ok)
	assert.Equal(t, ";", m)

	m, ok = s.Detect("1 UNION SELECT 2")
	assert.True(t, ok)
	assert.Equal(t, "union select", m)

	_, ok = s.Detect("<script>x</script>")
	assert.True(t, ok)

	_, ok = s.Detect("SELECT id FROM orders WHERE status = ?")
	assert.False(t, ok)
}

// stripEntities drops entity references so marker checks look at text only.
func stripEntities(s string) string {
	return entity.ReplaceAllString(s, "")
}
