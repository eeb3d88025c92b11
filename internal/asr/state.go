package asr

// State identifies a step of the transcription state machine.
type State int

const (
	StateLoadDecoder State = iota
	StateLoadEncoder
	StateLoadSpectrogram
	StateReady
	StateStartTranscription
	StateRunSpectrogram
	StateRunEncoder
	StateRunDecoder
)

var stateNames = [...]string{
	StateLoadDecoder:        "load_decoder",
	StateLoadEncoder:        "load_encoder",
	StateLoadSpectrogram:    "load_spectrogram",
	StateReady:              "ready",
	StateStartTranscription: "start_transcription",
	StateRunSpectrogram:     "run_spectrogram",
	StateRunEncoder:         "run_encoder",
	StateRunDecoder:         "run_decoder",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Loading reports whether s is one of the model load states.
func (s State) Loading() bool { return s <= StateLoadSpectrogram }

// Busy reports whether s belongs to an in-flight transcription.
func (s State) Busy() bool { return s >= StateStartTranscription }
