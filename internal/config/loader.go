package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists known names per registry kind.
// Used by [Validate] to warn about unrecognised names.
var ValidBackendNames = map[string][]string{
	"inference": {"onnx", "whispercpp"},
	"device":    {"portaudio", "wav"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Defaults] and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	validateName("device", cfg.Audio.Device)
	if cfg.Audio.LoopSeconds < 0 {
		errs = append(errs, fmt.Errorf("audio.loop_seconds %.2f must not be negative", cfg.Audio.LoopSeconds))
	}
	if cfg.Audio.Channels < 0 {
		errs = append(errs, fmt.Errorf("audio.channels %d must not be negative", cfg.Audio.Channels))
	}
	if cfg.Audio.Device == "wav" && cfg.Audio.File == "" {
		errs = append(errs, errors.New("audio.file is required when device is wav"))
	}

	// VAD
	errs = appendUnit(errs, "vad.silence_threshold", cfg.VAD.SilenceThreshold)
	errs = appendUnit(errs, "vad.start_threshold", cfg.VAD.StartThreshold)
	errs = appendNonNegative(errs, "vad.silence_hang_seconds", cfg.VAD.SilenceHangSeconds)
	errs = appendNonNegative(errs, "vad.min_speech_seconds", cfg.VAD.MinSpeechSeconds)
	errs = appendNonNegative(errs, "vad.pre_roll_seconds", cfg.VAD.PreRollSeconds)
	if cfg.VAD.StartThreshold < cfg.VAD.SilenceThreshold {
		slog.Warn("vad.start_threshold is below vad.silence_threshold; speech may end as soon as it starts",
			"start_threshold", cfg.VAD.StartThreshold,
			"silence_threshold", cfg.VAD.SilenceThreshold,
		)
	}
	if cfg.VAD.Neural.ModelPath != "" {
		errs = appendUnit(errs, "vad.neural.threshold", cfg.VAD.Neural.Threshold)
	}

	// Trim
	errs = appendUnit(errs, "trim.silence_threshold", cfg.Trim.SilenceThreshold)
	errs = appendNonNegative(errs, "trim.min_silence_seconds", cfg.Trim.MinSilenceSeconds)

	// Listener
	if cfg.Listener.Tick <= 0 {
		errs = append(errs, fmt.Errorf("listener.tick %s must be positive", cfg.Listener.Tick))
	}

	// Inference
	inf := cfg.Inference
	validateName("inference", inf.Backend)
	if inf.Threads < 0 {
		errs = append(errs, fmt.Errorf("inference.threads %d must not be negative", inf.Threads))
	}
	if inf.LoadMaxFailures < 0 {
		errs = append(errs, fmt.Errorf("inference.load_max_failures %d must not be negative", inf.LoadMaxFailures))
	}
	if inf.LoadBackoff < 0 {
		errs = append(errs, fmt.Errorf("inference.load_backoff %s must not be negative", inf.LoadBackoff))
	}
	if inf.Backend != "" && inf.Vocabulary == "" {
		errs = append(errs, fmt.Errorf("inference.vocabulary is required when backend is %s", inf.Backend))
	}
	switch inf.Backend {
	case "whispercpp":
		if inf.ModelPath == "" {
			errs = append(errs, errors.New("inference.model_path is required when backend is whispercpp"))
		}
	case "onnx":
		if inf.SpectrogramModel == "" || inf.EncoderModel == "" || inf.DecoderModel == "" {
			errs = append(errs, errors.New("inference.spectrogram_model, encoder_model and decoder_model are required when backend is onnx"))
		}
	case "":
		slog.Warn("inference.backend is not configured; transcription will not be available")
	}

	// Transcript
	errs = appendUnit(errs, "transcript.phonetic_threshold", cfg.Transcript.PhoneticThreshold)
	errs = appendUnit(errs, "transcript.fuzzy_threshold", cfg.Transcript.FuzzyThreshold)
	seen := make(map[string]int, len(cfg.Transcript.Entities))
	for i, e := range cfg.Transcript.Entities {
		if e == "" {
			errs = append(errs, fmt.Errorf("transcript.entities[%d] is empty", i))
			continue
		}
		if prev, ok := seen[e]; ok {
			errs = append(errs, fmt.Errorf("transcript.entities[%d] %q is a duplicate of transcript.entities[%d]", i, e, prev))
		}
		seen[e] = i
	}

	return errors.Join(errs...)
}

func appendUnit(errs []error, field string, v float64) []error {
	if v < 0 || v > 1 {
		return append(errs, fmt.Errorf("%s %.3f is out of range [0, 1]", field, v))
	}
	return errs
}

func appendNonNegative(errs []error, field string, v float64) []error {
	if v < 0 {
		return append(errs, fmt.Errorf("%s %.3f must not be negative", field, v))
	}
	return errs
}

// validateName logs a warning if name is non-empty and not found in the
// [ValidBackendNames] list for the given kind.
func validateName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name; may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
