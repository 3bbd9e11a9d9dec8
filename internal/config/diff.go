package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without restarting are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when the model, voice, instructions or
	// transcription toggles changed. New values take effect on the next Start.
	SessionChanged bool

	// RestartRequired lists changed fields that only apply after a restart.
	RestartRequired []string
}

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Endpoint.Session() != new.Endpoint.Session() {
		d.SessionChanged = true
	}

	if old.Server.AdminAddr != new.Server.AdminAddr {
		d.RestartRequired = append(d.RestartRequired, "server.admin_addr")
	}
	if old.Endpoint.Name != new.Endpoint.Name {
		d.RestartRequired = append(d.RestartRequired, "endpoint.name")
	}
	if old.Endpoint.APIKey != new.Endpoint.APIKey {
		d.RestartRequired = append(d.RestartRequired, "endpoint.api_key")
	}
	if old.Endpoint.BaseURL != new.Endpoint.BaseURL {
		d.RestartRequired = append(d.RestartRequired, "endpoint.base_url")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}

	return d
}
