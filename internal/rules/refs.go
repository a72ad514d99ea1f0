package rules

import "regexp"

// DefaultRefPattern matches issue-tracker keys such as PROJ-123.
var DefaultRefPattern = regexp.MustCompile(`\b([A-Z][A-Z0-9]+-\d+)\b`)

// ExtractRefs returns the matches of pattern in text, deduplicated and in
// order of first occurrence.
func ExtractRefs(pattern *regexp.Regexp, text string) []string {
	matches := pattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var result []string
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		result = append(result, m)
	}
	return result
}
