package hamclock

import (
	"regexp"
	"strings"
)

// ParseKeyValue parses a HamClock text document into a key/value map.
// Lines are "key=value" or whitespace-separated "key value..."; blank
// lines and #-comments are skipped. Later duplicates win.
func ParseKeyValue(text string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			key := strings.TrimSpace(line[:i])
			if key != "" {
				out[key] = strings.TrimSpace(line[i+1:])
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			out[fields[0]] = strings.Join(fields[1:], " ")
		}
	}
	return out
}

// HF bands carried in band condition and voacap documents. The pattern
// cannot use a lookbehind to exclude a leading digit (RE2), so matches
// preceded by a digit are filtered afterwards.
var bandTokenRe = regexp.MustCompile(`(80|40|30|20|17|15|12|10)m?\b`)

// ParseBandKeys extracts canonical band tokens ("80m".."10m") from a
// free-form key, in order of appearance.
func ParseBandKeys(s string) []string {
	var out []string
	for _, loc := range bandTokenRe.FindAllStringSubmatchIndex(s, -1) {
		start := loc[0]
		if start > 0 {
			prev := s[start-1]
			if prev >= '0' && prev <= '9' {
				continue
			}
		}
		out = append(out, s[loc[2]:loc[3]]+"m")
	}
	return out
}
