package finisher

import (
	"strings"
)

var bracketStripper = strings.NewReplacer(
	"(", "", ")", "",
	"[", "", "]", "",
	"{", "", "}", "",
	"<", "", ">", "",
)

// ExtractAutoTags derives tags from prompt texts. Each text is split on commas; a segment is
// stripped of brackets, whitespace-collapsed and lowercased, and kept when it is non-empty, has at
// most maxWords words and has not been emitted already. Order follows texts, then segments.
func ExtractAutoTags(texts []string, maxWords int) []string {
	var tags []string
	seen := make(map[string]bool)

	for _, text := range texts {
		for _, segment := range strings.Split(text, ",") {
			words := strings.Fields(bracketStripper.Replace(segment))
			if len(words) == 0 || len(words) > maxWords {
				continue
			}
			tag := strings.ToLower(strings.Join(words, " "))
			if seen[tag] {
				continue
			}
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

// mergeTags appends additions not already present in existing
func mergeTags(existing, additions []string) ([]string, bool) {
	seen := make(map[string]bool, len(existing))
	merged := append([]string(nil), existing...)
	for _, tag := range existing {
		seen[tag] = true
	}
	changed := false
	for _, tag := range additions {
		if seen[tag] {
			continue
		}
		seen[tag] = true
		merged = append(merged, tag)
		changed = true
	}
	return merged, changed
}
