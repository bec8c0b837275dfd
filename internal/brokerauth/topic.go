package brokerauth

import "strings"

// MatchTopic evaluates an MQTT-style topic filter against a concrete topic.
// Segments are separated by "/": "+" matches exactly one non-empty segment,
// "#" matches one or more trailing segments and is only valid as the last
// segment. Every other character is literal.
func MatchTopic(pattern, topic string) bool {
	if pattern == "" || topic == "" {
		return false
	}
	patternSegs := strings.Split(pattern, "/")
	topicSegs := strings.Split(topic, "/")

	for i, seg := range patternSegs {
		switch seg {
		case "#":
			if i != len(patternSegs)-1 {
				return false
			}
			// one or more trailing segments
			return len(topicSegs) > i
		case "+":
			if i >= len(topicSegs) || topicSegs[i] == "" {
				return false
			}
		default:
			if i >= len(topicSegs) || topicSegs[i] != seg {
				return false
			}
		}
	}
	return len(topicSegs) == len(patternSegs)
}
