package mqttbroker

import "strings"

// ReadingsTopic is the topic a device publishes its envelopes to.
func ReadingsTopic(mac string) string {
	return "coldroom/" + mac + "/readings"
}

// DeviceFromTopic extracts the device MAC from coldroom/<mac>/readings.
func DeviceFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "coldroom" || parts[2] != "readings" {
		return "", false
	}
	mac := strings.TrimSpace(parts[1])
	if mac == "" {
		return "", false
	}
	return mac, true
}
