// Package device tracks available audio inputs and picks the one to record
// from.
package device

import "strings"

// Type classifies an input by how it is attached.
type Type string

const (
	TypeWiredHeadset    Type = "wired_headset"
	TypeWiredHeadphones Type = "wired_headphones"
	TypeUSBHeadset      Type = "usb_headset"
	TypeUSBDevice       Type = "usb_device"
	TypeBluetoothSCO    Type = "bluetooth_sco"
	TypeBuiltinMic      Type = "builtin_mic"
	TypeOther           Type = "other"
)

// ParseType maps unknown strings to TypeOther.
func ParseType(s string) Type {
	switch t := Type(s); t {
	case TypeWiredHeadset, TypeWiredHeadphones, TypeUSBHeadset, TypeUSBDevice, TypeBluetoothSCO, TypeBuiltinMic:
		return t
	}
	return TypeOther
}

// SourceMode is the capture profile requested from the input.
type SourceMode string

const (
	SourceVoiceRecognition SourceMode = "voice_recognition"
	SourceCommunication    SourceMode = "voice_communication"
)

// Channels is the channel layout to capture.
type Channels int

const (
	Mono   Channels = 1
	Stereo Channels = 2
)

// FallbackLabel names the software default input.
const FallbackLabel = "Micro interne"

// Info describes one enumerated input.
type Info struct {
	ID       string `json:"id"`
	Type     Type   `json:"type"`
	Name     string `json:"name"`
	Channels int    `json:"channels"`
}

// Selection is the outcome of Select. Device is nil for the software
// fallback.
type Selection struct {
	SourceMode SourceMode
	Channels   Channels
	Device     *Info
	Label      string
}

var preference = [][]Type{
	{TypeWiredHeadset, TypeWiredHeadphones},
	{TypeUSBHeadset, TypeUSBDevice},
	{TypeBluetoothSCO},
	{TypeBuiltinMic},
}

// Select picks the preferred input: wired, then USB, then Bluetooth SCO,
// then the built-in microphone, then whatever comes first.
func Select(devices []Info) Selection {
	if len(devices) == 0 {
		return Selection{SourceMode: SourceVoiceRecognition, Channels: Mono, Label: FallbackLabel}
	}
	chosen := devices[0]
found:
	for _, group := range preference {
		for _, d := range devices {
			for _, t := range group {
				if d.Type == t {
					chosen = d
					break found
				}
			}
		}
	}

	sel := Selection{SourceMode: SourceVoiceRecognition, Channels: Mono, Device: &chosen, Label: chosen.Name}
	if chosen.Type == TypeBluetoothSCO {
		sel.SourceMode = SourceCommunication
	}
	if chosen.Channels >= 2 {
		sel.Channels = Stereo
	}
	if chosen.Type == TypeBuiltinMic {
		sel.Label += " (int.)"
	}
	if sel.Label = strings.TrimSpace(sel.Label); sel.Label == "" {
		sel.Label = FallbackLabel
	}
	return sel
}
