package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ClientIDPrefix is prepended to the instance ID to form the default
// MQTT client identifier.
const ClientIDPrefix = "sensorlink-"

// LoadOrCreateInstanceID reads the instance ID from dataDir, or
// generates a UUIDv7 and persists it when the file is missing or
// empty. The ID survives reboots so the broker sees the same client
// identity across restarts.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}

	return idStr, nil
}

// ClientID returns the configured client ID, or one derived from the
// persisted instance ID in dataDir when configured is empty.
func ClientID(configured, dataDir string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	id, err := LoadOrCreateInstanceID(dataDir)
	if err != nil {
		return "", err
	}
	return ClientIDPrefix + id, nil
}
