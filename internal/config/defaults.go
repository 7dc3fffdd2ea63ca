package config

// DefaultConfig returns the default configuration with built-in agents and
// complexity bindings.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Port:             7617,
			TickMillis:       50,
			SnapshotMillis:   2000,
			OutputBufferSize: 64 * 1024,
			ClientBufferSize: 1024 * 1024,
			ProjectDir:       ".",
		},
		Agents: map[string]AgentConfig{
			"claude": {
				Command:     "claude",
				Args:        []string{"--print", "--output-format", "stream-json"},
				MaxAttempts: 3,
				Capacity:    2,
			},
			"codex": {
				Command:     "codex",
				Args:        []string{"exec"},
				MaxAttempts: 3,
				Capacity:    1,
			},
		},
		Complexity: map[string]string{
			"trivial": "claude",
			"normal":  "claude",
			"complex": "claude",
		},
		TaskReviewEnabled:  true,
		EpicMirrorsEnabled: true,
	}
}
