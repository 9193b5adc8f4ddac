package eventbus

import "strings"

// Wildcard is the suffix that makes a subscription match a whole subtree.
const Wildcard = "#"

// NormalizeTopic returns the canonical form of topic: trimmed, with a leading
// slash. "foo" and "/foo" are the same topic; "/foo/" is a different one.
func NormalizeTopic(topic string) string {
	topic = strings.TrimSpace(topic)
	if !strings.HasPrefix(topic, "/") {
		return "/" + topic
	}
	return topic
}

// patternsFor lists every subscription key a message on topic must reach:
// the global wildcard, each ancestor wildcard and the exact topic.
//
//	/a/b -> /#, /a/#, /a/b/#, /a/b
func patternsFor(topic string) []string {
	topic = NormalizeTopic(topic)
	parts := strings.Split(topic, "/")

	out := make([]string, 0, len(parts)+2)
	seen := make(map[string]struct{}, len(parts)+2)
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	add("/" + Wildcard)
	var prefix strings.Builder
	for _, part := range parts {
		prefix.WriteString(part)
		prefix.WriteString("/")
		add(prefix.String() + Wildcard)
	}
	add(topic)
	return out
}
