// Package config provides the configuration schema, loader, and backend
// registry for the Lectern transcription server.
package config

import "time"

// LogLevel controls log verbosity for the Lectern server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Lectern.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// fields missing from the file keep their [Defaults].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	VAD        VADConfig        `yaml:"vad"`
	Trim       TrimConfig       `yaml:"trim"`
	Listener   ListenerConfig   `yaml:"listener"`
	Inference  InferenceConfig  `yaml:"inference"`
	Transcript TranscriptConfig `yaml:"transcript"`
}

// ServerConfig holds network and logging settings for the Lectern server.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP control surface listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig selects and configures the capture device.
type AudioConfig struct {
	// Device selects the registered capture device ("portaudio" or "wav").
	Device string `yaml:"device"`

	// LoopSeconds is the length of the looping capture buffer.
	LoopSeconds float64 `yaml:"loop_seconds"`

	// Channels requested from the device.
	Channels int `yaml:"channels"`

	// FramesPerBuffer is the number of frames moved per device read.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// File is the WAV file replayed by the "wav" device.
	File string `yaml:"file"`

	// LoopFile restarts the WAV file when it ends.
	LoopFile bool `yaml:"loop_file"`
}

// VADConfig holds the amplitude segmentation thresholds. Amplitudes are
// absolute sample values in [0, 1].
type VADConfig struct {
	SilenceThreshold   float64 `yaml:"silence_threshold"`
	StartThreshold     float64 `yaml:"start_threshold"`
	SilenceHangSeconds float64 `yaml:"silence_hang_seconds"`
	MinSpeechSeconds   float64 `yaml:"min_speech_seconds"`
	PreRollSeconds     float64 `yaml:"pre_roll_seconds"`

	// Neural optionally confirms speech onsets with a Silero model.
	Neural NeuralVADConfig `yaml:"neural"`
}

// NeuralVADConfig configures the optional Silero voice gate.
type NeuralVADConfig struct {
	// ModelPath is the path to silero_vad.onnx. Empty disables the gate.
	ModelPath string `yaml:"model_path"`

	// Threshold is the speech probability that counts as voiced.
	Threshold float64 `yaml:"threshold"`
}

// TrimConfig controls silence trimming of finished segments.
type TrimConfig struct {
	SilenceThreshold  float64 `yaml:"silence_threshold"`
	MinSilenceSeconds float64 `yaml:"min_silence_seconds"`
}

// ListenerConfig controls the capture polling driver.
type ListenerConfig struct {
	// AutoStop stops listening after a clip has been handed to the
	// transcriber.
	AutoStop bool `yaml:"auto_stop"`

	// StartListening begins listening as soon as the models are loaded.
	StartListening bool `yaml:"start_listening"`

	// Tick is the interval between listener polls and machine steps.
	Tick time.Duration `yaml:"tick"`
}

// InferenceConfig selects the model backend and its assets.
type InferenceConfig struct {
	// Backend selects the registered inference backend ("onnx" or
	// "whispercpp").
	Backend string `yaml:"backend"`

	// Vocabulary is the path to the token→ID JSON map.
	Vocabulary string `yaml:"vocabulary"`

	// Threads is the CPU thread count for backends that support it.
	// 0 lets the backend decide.
	Threads int `yaml:"threads"`

	// ModelPath is the ggml model used by the whispercpp backend.
	ModelPath string `yaml:"model_path"`

	// LibraryPath is the onnxruntime shared library used by the onnx backend.
	LibraryPath string `yaml:"library_path"`

	// SpectrogramModel, EncoderModel and DecoderModel are the three ONNX
	// graphs used by the onnx backend.
	SpectrogramModel string `yaml:"spectrogram_model"`
	EncoderModel     string `yaml:"encoder_model"`
	DecoderModel     string `yaml:"decoder_model"`

	// LoadMaxFailures is the number of consecutive failed loads of one model
	// after which loading pauses for LoadBackoff.
	LoadMaxFailures int `yaml:"load_max_failures"`

	// LoadBackoff is how long loading pauses after LoadMaxFailures.
	LoadBackoff time.Duration `yaml:"load_backoff"`
}

// TranscriptConfig controls transcript interpretation.
type TranscriptConfig struct {
	// DefaultUser labels captions until a user name is set.
	DefaultUser string `yaml:"default_user"`

	// CanonicalName replaces "Mr./Mister R..." misrecognitions.
	CanonicalName string `yaml:"canonical_name"`

	// Entities are proper nouns corrected by phonetic matching.
	Entities []string `yaml:"entities"`

	// PhoneticThreshold and FuzzyThreshold tune entity matching. 0 keeps
	// the matcher defaults.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`
	FuzzyThreshold    float64 `yaml:"fuzzy_threshold"`
}

// Defaults returns the configuration used for every field a file omits.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Audio: AudioConfig{
			Device:          "portaudio",
			LoopSeconds:     30,
			Channels:        1,
			FramesPerBuffer: 512,
		},
		VAD: VADConfig{
			SilenceThreshold:   0.02,
			StartThreshold:     0.03,
			SilenceHangSeconds: 1.0,
			MinSpeechSeconds:   0.35,
			PreRollSeconds:     0.20,
			Neural:             NeuralVADConfig{Threshold: 0.5},
		},
		Trim: TrimConfig{
			SilenceThreshold:  0.02,
			MinSilenceSeconds: 0.5,
		},
		Listener: ListenerConfig{
			AutoStop: true,
			Tick:     20 * time.Millisecond,
		},
		Inference: InferenceConfig{
			LoadMaxFailures: 3,
			LoadBackoff:     10 * time.Second,
		},
		Transcript: TranscriptConfig{
			DefaultUser:   "You",
			CanonicalName: "Mr. Rashed",
		},
	}
}
