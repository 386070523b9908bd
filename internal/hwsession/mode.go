package hwsession

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voicememo/pkg/audio"
)

// Mode is the recording mode. It selects hardware session parameters and
// the directional data source preference.
type Mode string

const (
	ModeConversation Mode = "conversation"
	ModeAmbient      Mode = "ambient"
	ModeVoiceOver    Mode = "voiceOver"
	ModeMeeting      Mode = "meeting"
	ModeBalanced     Mode = "balanced"
)

// Modes lists every valid mode.
var Modes = []Mode{ModeConversation, ModeAmbient, ModeVoiceOver, ModeMeeting, ModeBalanced}

// ErrUnknownMode is returned by [ParseMode] for an unrecognised mode.
var ErrUnknownMode = errors.New("hwsession: unknown recording mode")

// ParseMode validates s as a [Mode].
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownMode, s)
}

// IsValid reports whether m is one of [Modes].
func (m Mode) IsValid() bool {
	_, err := ParseMode(string(m))
	return err == nil
}

// modeProfile is the per-mode hardware preference.
type modeProfile struct {
	inputGain float64

	// allowExternal permits Bluetooth and wired inputs to be preferred over
	// the built-in microphone.
	allowExternal bool

	orientation     audio.Orientation
	highSensitivity bool
}

var profiles = map[Mode]modeProfile{
	ModeConversation: {inputGain: 0.7, allowExternal: true, orientation: audio.OrientationFront},
	ModeMeeting:      {inputGain: 0.8, allowExternal: true, orientation: audio.OrientationFront},
	ModeAmbient:      {inputGain: 0.6, orientation: audio.OrientationOmni},
	ModeVoiceOver:    {inputGain: 0.75, orientation: audio.OrientationFront, highSensitivity: true},
	ModeBalanced:     {inputGain: 0.7, allowExternal: true},
}
