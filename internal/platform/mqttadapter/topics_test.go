package mqttadapter

import "testing"

func TestIdFromTopic(t *testing.T) {
	cases := []struct {
		prefix, segment, topic string
		wantID                 string
		wantOK                 bool
	}{
		{"msghub", "states", "msghub/states/sensor/freezer_temp", "sensor.freezer_temp", true},
		{"msghub", "states", "msghub/objects/sensor/freezer_temp", "", false},
		{"msghub", "states", "other/states/sensor/freezer_temp", "", false},
		{"msghub", "states", "msghub/states/", "", false},
	}
	for _, c := range cases {
		id, ok := idFromTopic(c.prefix, c.segment, c.topic)
		if ok != c.wantOK || id != c.wantID {
			t.Errorf("idFromTopic(%q,%q,%q) = (%q,%v), want (%q,%v)", c.prefix, c.segment, c.topic, id, ok, c.wantID, c.wantOK)
		}
	}
}

func TestIdToTopicRoundTrip(t *testing.T) {
	topic := idToTopic("msghub", "states", "sensor.freezer_temp")
	if topic != "msghub/states/sensor/freezer_temp" {
		t.Fatalf("idToTopic = %q", topic)
	}
	id, ok := idFromTopic("msghub", "states", topic)
	if !ok || id != "sensor.freezer_temp" {
		t.Fatalf("round trip failed: id=%q ok=%v", id, ok)
	}
}

func TestPatternMatch(t *testing.T) {
	cases := []struct {
		pattern, id string
		want        bool
	}{
		{"sensor.*", "sensor.freezer_temp", true},
		{"sensor.*", "actuator.pump", false},
		{"sensor.freezer_*", "sensor.freezer_temp", true},
		{"sensor.freezer_*", "sensor.pantry_temp", false},
		{"*", "anything.at.all", true},
	}
	for _, c := range cases {
		if got := patternMatch(c.pattern, c.id); got != c.want {
			t.Errorf("patternMatch(%q,%q) = %v, want %v", c.pattern, c.id, got, c.want)
		}
	}
}
