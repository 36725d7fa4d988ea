package memory

import (
	"math"
	"strings"
	"unicode"

	"github.com/nidhogg/sentio/internal/embedding"
)

var stopWords = map[string]bool{
	"about": true, "after": true, "again": true, "being": true, "could": true,
	"every": true, "first": true, "from": true, "have": true, "their": true,
	"there": true, "these": true, "thing": true, "think": true, "those": true,
	"through": true, "under": true, "until": true, "where": true, "which": true,
	"while": true, "would": true, "should": true, "other": true, "because": true,
	"before": true, "things": true, "really": true, "always": true, "never": true,
}

// intensity grows with length, exclamation and question marks, and capitals.
func intensity(content string) float64 {
	var marks, caps int
	for _, r := range content {
		switch {
		case r == '!' || r == '?':
			marks++
		case unicode.IsUpper(r):
			caps++
		}
	}
	v := float64(len([]rune(content)))/1000 + float64(marks)*0.1 + float64(caps)*0.01
	return math.Min(1, v)
}

// coherence is average words per sentence over 20, clamped to [0.1, 1].
func coherence(content string) float64 {
	sentences := strings.FieldsFunc(content, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	var n, words int
	for _, s := range sentences {
		if w := len(strings.Fields(s)); w > 0 {
			n++
			words += w
		}
	}
	if n == 0 {
		return 0.1
	}
	avg := float64(words) / float64(n)
	return math.Max(0.1, math.Min(1, avg/20))
}

// extractTags picks up to max distinct key words longer than four runes,
// followed by any explicit tags from metadata.
func extractTags(content string, metadata map[string]any, max int) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, w := range embedding.Tokenize(content) {
		if len(tags) >= max {
			break
		}
		if len([]rune(w)) <= 4 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		tags = append(tags, w)
	}
	for _, t := range metadataTags(metadata) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}
	return tags
}

func metadataTags(metadata map[string]any) []string {
	switch v := metadata["tags"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
