package protocol

import "time"

// AudioFrame carries little-endian 16-bit PCM published by an input device.
type AudioFrame struct {
	DeviceID   string `json:"device_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// DeviceAnnounce registers an input device with the daemon.
type DeviceAnnounce struct {
	DeviceID  string    `json:"device_id"`
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Channels  int       `json:"channels"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceHeartbeat keeps an announced device eligible for selection.
type DeviceHeartbeat struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptureStatus is a best-effort broadcast of the capture state machine.
type CaptureStatus struct {
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state"`
	Status    string    `json:"status"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Device    string    `json:"device,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptionEvent reports the outcome of one transcription job attempt.
type TranscriptionEvent struct {
	RecordingID int64     `json:"recording_id"`
	Status      string    `json:"status"`
	Attempt     int       `json:"attempt"`
	Engine      string    `json:"engine,omitempty"`
	Notice      string    `json:"notice,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectDeviceAnnounce   = "memo.device.announce"
	SubjectDeviceHeartbeat  = "memo.device.heartbeat"
	SubjectCaptureStatus    = "memo.capture.status"
	SubjectTranscription    = "memo.transcription"

	// StreamEvents is the JetStream stream retaining transcription events.
	StreamEvents = "MEMO_EVENTS"
)

// AudioFrameSubject is the subject a device publishes its frames on.
func AudioFrameSubject(deviceID string) string {
	return SubjectAudioFramePrefix + "." + deviceID
}

// HeartbeatSubject is the per-device heartbeat subject.
func HeartbeatSubject(deviceID string) string {
	return SubjectDeviceHeartbeat + "." + deviceID
}

// TranscriptionSubject is where events for a status (completed, failed, retrying) go.
func TranscriptionSubject(status string) string {
	return SubjectTranscription + "." + status
}
