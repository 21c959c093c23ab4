package config

// Config represents the complete tapscribe configuration
type Config struct {
	Version  string   `yaml:"version"`
	Settings Settings `yaml:"settings"`
	Capture  Capture  `yaml:"capture"`
	Detect   Detect   `yaml:"detect"`
	Store    Store    `yaml:"store"`
}

// Settings contains global configuration settings
type Settings struct {
	LogLevel string         `yaml:"log_level"`
	LogFile  string         `yaml:"log_file,omitempty"`
	Daemon   DaemonSettings `yaml:"daemon"`
}

// DaemonSettings configures the HTTP daemon
type DaemonSettings struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Capture configures turn assembly
type Capture struct {
	// CoalesceWindowMs merges adjacent same-role chunks into one turn.
	CoalesceWindowMs int `yaml:"coalesce_window_ms"`
	// StartCommands is the allow-list of CLI names whose launch opens a conversation.
	StartCommands []string `yaml:"start_commands"`
	// TailWindowBytes bounds how much recent output the detector ever sees.
	TailWindowBytes int `yaml:"tail_window_bytes"`
}

// Detect configures the prompt detector
type Detect struct {
	// Threshold is the minimum confidence for an auto-response, in [0,1].
	Threshold float64 `yaml:"threshold"`
	// EchoSuppressionMs suppresses detection after a local keystroke.
	EchoSuppressionMs int `yaml:"echo_suppression_ms"`
}

// Store configures persistence
type Store struct {
	DBPath          string `yaml:"db_path,omitempty"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
	// RecoveryWindowHours bounds how old an interrupted session may be and
	// still be offered for recovery.
	RecoveryWindowHours int `yaml:"recovery_window_hours"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Settings: Settings{
			LogLevel: "info",
			Daemon: DaemonSettings{
				Enabled: true,
				Port:    8762,
			},
		},
		Capture: Capture{
			CoalesceWindowMs: 150,
			StartCommands:    []string{"claude", "codex", "gemini", "aider"},
			TailWindowBytes:  2048,
		},
		Detect: Detect{
			Threshold:         0.7,
			EchoSuppressionMs: 1000,
		},
		Store: Store{
			FlushIntervalMs:     2000,
			RecoveryWindowHours: 24,
		},
	}
}
