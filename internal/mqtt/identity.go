package mqtt

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// KV is the persistence the identity needs; *opstate.Store satisfies it.
type KV interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

const (
	stateNamespace = "mqtt"
	instanceIDKey  = "instance_id"
)

// LoadOrCreateInstanceID returns the persisted instance ID, generating
// and storing a new UUIDv7 on first run. The ID is the stable Home
// Assistant device identifier and the default client identity, so the
// presence topic does not move when the dashboard restarts.
func LoadOrCreateInstanceID(kv KV) (string, error) {
	id, err := kv.Get(stateNamespace, instanceIDKey)
	if err != nil {
		return "", fmt.Errorf("load instance ID: %w", err)
	}
	if id = strings.TrimSpace(id); id != "" {
		return id, nil
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	id = u.String()
	if err := kv.Set(stateNamespace, instanceIDKey, id); err != nil {
		return "", fmt.Errorf("persist instance ID: %w", err)
	}
	return id, nil
}

// ClientID returns the MQTT client identity: the configured one if set,
// otherwise "familydash-" plus the last block of the instance ID. The
// leading blocks of a UUIDv7 are a timestamp; the last one is random.
func ClientID(configured, instanceID string) string {
	if configured != "" {
		return configured
	}
	short := instanceID[strings.LastIndex(instanceID, "-")+1:]
	return "familydash-" + short
}

// PresenceTopic is where this client's retained online/offline status
// lives.
func PresenceTopic(clientID string) string {
	return "clients/" + clientID + "/status"
}
