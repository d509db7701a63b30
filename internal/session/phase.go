package session

// Phase is the coarse state of a capture session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseListening  Phase = "listening"
	PhaseRecording  Phase = "recording"
	PhaseProcessing Phase = "processing"
	PhaseError      Phase = "error"

	// phaseAny matches every phase in the transition table.
	phaseAny Phase = "*"
)

// IsValid reports whether p is one of the five session phases.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseIdle, PhaseListening, PhaseRecording, PhaseProcessing, PhaseError:
		return true
	}
	return false
}

func (p Phase) String() string { return string(p) }

// Permission is the outcome of the last media acquisition.
type Permission string

const (
	PermissionUnknown Permission = "unknown"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// User-visible status messages.
const (
	StatusInitializing     = "Initializing..."
	StatusRequesting       = "Requesting permissions..."
	StatusReady            = "Ready to detect speech"
	StatusListening        = "Listening for speech..."
	StatusRecording        = "Speech detected! Recording..."
	StatusProcessing       = "Processing speech..."
	StatusProcessed        = "Data processed. Ready for new speech."
	StatusTimedOut         = "Request timed out. Ready for new speech."
	StatusUploadFailed     = "Error processing data. Ready for new speech."
	StatusPermissionDenied = "Permission denied"
	StatusSourceLost       = "Media source lost"
	StatusReleased         = "Media released"
)
