package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is true if any amplitude threshold or timing changed.
	// The neural gate is not hot-reloadable.
	VADChanged bool

	TrimChanged bool

	// TranscriptChanged is true if the canonical name, the entity list or
	// the matching thresholds changed.
	TranscriptChanged bool

	AutoStopChanged bool

	// RestartRequired lists top-level sections whose changes are ignored
	// until restart.
	RestartRequired []string
}

// Changed reports whether d contains anything to apply.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VADChanged || d.TrimChanged || d.TranscriptChanged || d.AutoStopChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ov, nv := old.VAD, new.VAD
	ov.Neural, nv.Neural = NeuralVADConfig{}, NeuralVADConfig{}
	d.VADChanged = ov != nv

	d.TrimChanged = old.Trim != new.Trim
	d.AutoStopChanged = old.Listener.AutoStop != new.Listener.AutoStop

	ot, nt := old.Transcript, new.Transcript
	d.TranscriptChanged = ot.CanonicalName != nt.CanonicalName ||
		ot.PhoneticThreshold != nt.PhoneticThreshold ||
		ot.FuzzyThreshold != nt.FuzzyThreshold ||
		!slices.Equal(ot.Entities, nt.Entities)

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.VAD.Neural != new.VAD.Neural {
		d.RestartRequired = append(d.RestartRequired, "vad.neural")
	}
	if old.Listener.Tick != new.Listener.Tick || old.Listener.StartListening != new.Listener.StartListening {
		d.RestartRequired = append(d.RestartRequired, "listener")
	}
	if old.Inference != new.Inference {
		d.RestartRequired = append(d.RestartRequired, "inference")
	}
	if old.Transcript.DefaultUser != new.Transcript.DefaultUser {
		d.RestartRequired = append(d.RestartRequired, "transcript.default_user")
	}

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
