package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// EnsureMachineID returns current when set. Otherwise it generates an id
// and persists it as machine_id in the YAML config at configPath, so the
// device keeps its identity across restarts.
func EnsureMachineID(current, configPath string) (string, error) {
	if current != "" {
		return current, nil
	}
	mid := uuid.New().String()
	if configPath == "" {
		return mid, nil
	}
	if err := saveMachineID(configPath, mid); err != nil {
		return mid, fmt.Errorf("failed to persist machine id: %w", err)
	}
	return mid, nil
}

func saveMachineID(configPath, mid string) error {
	config := make(map[string]any)

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
		if config == nil {
			config = make(map[string]any)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("failed to read config file: %w", err)
	}

	config["machine_id"] = mid

	updated, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	comment := "# machine_id generated on " + time.Now().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(configPath, append([]byte(comment), updated...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Properties returns the collected host facts with the JSON document at
// path, if any, merged over them.
func Properties(path string, version string) (map[string]any, error) {
	props := Collect()
	if version != "" {
		props["version"] = version
	}
	if path == "" {
		return props, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return props, fmt.Errorf("failed to read properties file: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return props, fmt.Errorf("failed to parse properties file: %w", err)
	}
	maps.Copy(props, doc)
	return props, nil
}
