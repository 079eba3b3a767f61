// Package agentd implements the agent daemon that runs on each runner: it
// keeps a persistent WebSocket connection to the controller's agent channel,
// answers controller-initiated exec requests, and exposes a local Unix
// socket so e2epoolctl can ask the controller to create or finalize a
// checkpoint on the runner's behalf without embedding controller credentials
// in every CLI invocation.
package agentd

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the agent daemon needs to connect and serve.
type Config struct {
	ControllerURL     string        `yaml:"controller_url"`
	RunnerID          string        `yaml:"runner_id"`
	Token             string        `yaml:"token"`
	SocketPath        string        `yaml:"socket_path"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ExecMaxOutput     int           `yaml:"exec_max_output"`
}

// DefaultConfig returns the agent's baseline configuration, overridden by
// LoadConfig from a YAML file and then environment variables.
func DefaultConfig() Config {
	return Config{
		ControllerURL:     "ws://localhost:8080/ws/agent",
		SocketPath:        "/var/run/e2epool-agent.sock",
		ReconnectMaxDelay: 60 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ExecMaxOutput:     65536,
	}
}

type configFile struct {
	ControllerURL     string `yaml:"controller_url"`
	RunnerID          string `yaml:"runner_id"`
	Token             string `yaml:"token"`
	SocketPath        string `yaml:"socket_path"`
	ReconnectMaxDelay int    `yaml:"reconnect_max_delay"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`
}

// LoadConfig reads the agent's YAML config file (if present) over the
// defaults, then applies the E2EPOOL_CONTROLLER_URL, E2EPOOL_RUNNER_ID,
// E2EPOOL_TOKEN and E2EPOOL_SOCKET_PATH environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = envOrDefault("E2EPOOL_AGENT_CONFIG", "/etc/e2epool/agent.yml")
	}

	if data, err := os.ReadFile(path); err == nil {
		var f configFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return cfg, err
		}
		if f.ControllerURL != "" {
			cfg.ControllerURL = f.ControllerURL
		}
		if f.RunnerID != "" {
			cfg.RunnerID = f.RunnerID
		}
		if f.Token != "" {
			cfg.Token = f.Token
		}
		if f.SocketPath != "" {
			cfg.SocketPath = f.SocketPath
		}
		if f.ReconnectMaxDelay > 0 {
			cfg.ReconnectMaxDelay = time.Duration(f.ReconnectMaxDelay) * time.Second
		}
		if f.HeartbeatInterval > 0 {
			cfg.HeartbeatInterval = time.Duration(f.HeartbeatInterval) * time.Second
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	if v := os.Getenv("E2EPOOL_CONTROLLER_URL"); v != "" {
		cfg.ControllerURL = v
	}
	if v := os.Getenv("E2EPOOL_RUNNER_ID"); v != "" {
		cfg.RunnerID = v
	}
	if v := os.Getenv("E2EPOOL_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("E2EPOOL_SOCKET_PATH"); v != "" {
		cfg.SocketPath = v
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
