package mqtt

import "strings"

// MatchTopic reports whether a topic filter matches a concrete topic.
// The filter may contain the single-level wildcard "+" and the
// multi-level wildcard "#" as its last segment.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

// ValidateFilter reports whether a topic filter is well formed.
func ValidateFilter(filter string) bool {
	if filter == "" {
		return false
	}
	segs := strings.Split(filter, "/")
	for i, s := range segs {
		if strings.ContainsAny(s, "+#") && len(s) > 1 {
			return false
		}
		if s == "#" && i != len(segs)-1 {
			return false
		}
	}
	return true
}
