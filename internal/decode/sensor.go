package decode

import (
	"path"
	"strings"

	"github.com/VickoT/FamilyDash/internal/snapshot"
)

// sensorFields are read from any JSON object on the sensor sub-tree.
// The params.* paths cover Shelly Gen3 NotifyStatus frames on
// <prefix>/events/rpc; the "temperature:0" style keys cover status
// frames with the component object at the top level.
var sensorFields = []field{
	num("tC", "tC", "temperature", "temp",
		"params.temperature:0.tC", "temperature:0.tC"),
	num("rh", "rh", "humidity", "hum",
		"params.humidity:0.rh", "humidity:0.rh"),
	boolean("online", "online"),
}

// Sensor decodes the wildcard sensor sub-tree (a Shelly H&T by
// default). Publishers use several shapes and all of them stay
// supported:
//
//   - <prefix>/online carries true/false.
//   - any sub-topic may carry a JSON object with tC/rh.
//   - <prefix>/.../temperature and <prefix>/.../humidity may carry bare
//     numbers.
func Sensor() Decoder {
	return Decoder{
		Fields:  []string{"tC", "rh", "online"},
		Primary: "",
		decode:  decodeSensor,
	}
}

func decodeSensor(topic string, payload []byte) snapshot.Fields {
	out := snapshot.Fields{}

	if strings.HasSuffix(topic, "/online") {
		if s, ok := scalar(payload); ok {
			if b, ok := parseBool(s); ok {
				out.Set("online", b)
			}
		}
		return out
	}

	if obj, ok := parseObject(payload); ok {
		extract(obj, sensorFields, out)
		return out
	}

	s, ok := scalar(payload)
	if !ok {
		return out
	}
	switch sensorSuffix(topic) {
	case "tC":
		if f, ok := toFloat(s); ok {
			out.Set("tC", f)
		}
	case "rh":
		if f, ok := toFloat(s); ok {
			out.Set("rh", f)
		}
	}
	return out
}

// sensorSuffix maps the last topic segment of a bare-scalar message to
// the field it carries, or "" if it carries none. Only the last segment
// counts; the prefix and device path may contain anything. A Shelly
// component index ("temperature:0") is ignored.
func sensorSuffix(topic string) string {
	seg := strings.ToLower(path.Base(topic))
	seg, _, _ = strings.Cut(seg, ":")
	switch seg {
	case "temperature", "temp", "tc":
		return "tC"
	case "humidity", "hum", "rh":
		return "rh"
	}
	return ""
}
