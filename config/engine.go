package config

// EngineConfig locates the container engine API.
type EngineConfig struct {
	// Socket is the engine's Unix domain socket path.
	Socket string `json:"socket"`
	// APIVersion is the versioned API prefix, e.g. "v1.43".
	APIVersion string `json:"api_version"`
}
