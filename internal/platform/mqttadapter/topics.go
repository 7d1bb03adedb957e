package mqttadapter

import (
	"path"
	"strings"
)

// idFromTopic reports whether topic falls under "<prefix>/<segment>/",
// returning the dotted id recovered from the remaining topic levels.
func idFromTopic(prefix, segment, topic string) (string, bool) {
	root := prefix + "/" + segment + "/"
	if !strings.HasPrefix(topic, root) {
		return "", false
	}
	rest := strings.TrimPrefix(topic, root)
	if rest == "" {
		return "", false
	}
	return strings.ReplaceAll(rest, "/", "."), true
}

func idToTopic(prefix, segment, id string) string {
	return prefix + "/" + segment + "/" + strings.ReplaceAll(id, ".", "/")
}

// patternMatch reports whether a dotted id matches an ioBroker-style
// wildcard pattern ("sensor.*", "sensor.freezer_*"). Patterns and ids
// never contain the '/' path.Match treats as special, so '*' here
// freely spans dot boundaries — the permissive behavior subscribers
// expect from a glob over dotted ids.
func patternMatch(pattern, id string) bool {
	ok, err := path.Match(pattern, id)
	return err == nil && ok
}
