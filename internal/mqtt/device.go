package mqtt

import (
	"encoding/json"

	"github.com/VickoT/FamilyDash/internal/buildinfo"
)

// DeviceInfo is the Home Assistant device registry block included in
// the discovery payload.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// NewDeviceInfo creates the device block. The instance ID is the
// primary identifier so HA history survives client ID changes.
func NewDeviceInfo(instanceID, clientID string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         clientID,
		Manufacturer: "FamilyDash",
		Model:        "Home dashboard",
		SWVersion:    buildinfo.Version,
	}
}

// BinarySensorConfig is the discovery payload for an HA MQTT
// binary_sensor. The dashboard announces one connectivity sensor whose
// state topic is its own presence topic, so HA shows it offline as soon
// as the broker publishes the last will.
type BinarySensorConfig struct {
	Name        string     `json:"name"`
	UniqueID    string     `json:"unique_id"`
	StateTopic  string     `json:"state_topic"`
	PayloadOn   string     `json:"payload_on"`
	PayloadOff  string     `json:"payload_off"`
	DeviceClass string     `json:"device_class"`
	Device      DeviceInfo `json:"device"`
	Icon        string     `json:"icon,omitempty"`
}

// discovery describes the message published on every connect.
type discovery struct {
	topic   string
	payload []byte
}

// newDiscovery builds the retained discovery message for the presence
// sensor. The object ID is the client ID, so two dashboards on one
// broker show up as two entities.
func newDiscovery(prefix, instanceID, clientID string) (discovery, error) {
	cfg := BinarySensorConfig{
		Name:        "Connectivity",
		UniqueID:    instanceID + "_connectivity",
		StateTopic:  PresenceTopic(clientID),
		PayloadOn:   payloadOnline,
		PayloadOff:  payloadOffline,
		DeviceClass: "connectivity",
		Device:      NewDeviceInfo(instanceID, clientID),
		Icon:        "mdi:monitor-dashboard",
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return discovery{}, err
	}
	return discovery{
		topic:   prefix + "/binary_sensor/" + clientID + "/connectivity/config",
		payload: payload,
	}, nil
}
