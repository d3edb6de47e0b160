package config

import "time"

// NeuronConfig holds runtime configuration for the neuron daemon.
type NeuronConfig struct {
	Environment       string
	LogLevel          string
	NodeID            string
	Label             string
	ControlEndpoint   string
	StateDir          string
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	RuntimeTimeout    time.Duration
	PortBase          int
	PortProbeLimit    int
}

// LoadNeuronConfig constructs a NeuronConfig from environment variables.
func LoadNeuronConfig() NeuronConfig {
	return NeuronConfig{
		Environment:       GetString("APP_ENV", "development"),
		LogLevel:          GetString("LOG_LEVEL", "info"),
		NodeID:            GetString("NEURON_NODE_ID", ""),
		Label:             GetString("NEURON_LABEL", ""),
		ControlEndpoint:   GetString("NEURON_CONTROL_ENDPOINT", "ws://localhost:7420/v1/control"),
		StateDir:          GetString("NEURON_STATE_DIR", ""),
		HeartbeatInterval: GetSeconds("NEURON_HEARTBEAT_SECONDS", 15),
		DialTimeout:       GetSeconds("NEURON_DIAL_TIMEOUT_SECONDS", 60),
		RuntimeTimeout:    GetSeconds("NEURON_RUNTIME_TIMEOUT_SECONDS", 120),
		PortBase:          GetInt("NEURON_PORT_BASE", 8100),
		PortProbeLimit:    GetInt("NEURON_PORT_PROBE_LIMIT", 32),
	}
}
